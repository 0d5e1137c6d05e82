// internal/entitlements/sync/models.go
package sync

// Skip and failure reasons attached to grant outcomes.
const (
	ReasonUnbound     = "ROLE_UNBOUND"
	ReasonStaleRole   = "ROLE_STALE"
	ReasonAlreadyHeld = "ALREADY_HELD"
	ReasonAddFailed   = "PLATFORM_CALL_FAILED"
)

// GrantOutcome is the per-grant verdict of a synchronization pass.
type GrantOutcome struct {
	GrantID string `json:"grantId"`
	Slug    string `json:"slug"`
	RoleID  string `json:"roleId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Result summarizes one synchronization pass over an owner's grants.
type Result struct {
	OperationID   string         `json:"operationId"`
	OwnerID       string         `json:"ownerId"`
	DiscordUserID string         `json:"discordUserId"`
	Granted       []GrantOutcome `json:"granted"`
	Failed        []GrantOutcome `json:"failed"`
	Skipped       []GrantOutcome `json:"skipped"`
}
