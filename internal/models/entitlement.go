// internal/models/entitlement.go
package models

import "time"

// PermissionDefinition is static reference data mapping a slug to a human label.
type PermissionDefinition struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	DisplayName string `json:"displayName"`
}

// EntitlementGrant asserts that an owner has been given a named permission,
// optionally with an expiry. DiscordUserID is set once, on the first successful
// role sync, and is never cleared.
type EntitlementGrant struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	PermissionID   string     `json:"permissionId"`
	PermissionSlug string     `json:"permissionSlug"`
	IsActive       bool       `json:"isActive"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
	DiscordUserID  *string    `json:"discordUserId,omitempty"`
}

// Effective reports whether the grant confers access at the given instant:
// active, and either perpetual or strictly before its expiry.
func (g EntitlementGrant) Effective(now time.Time) bool {
	if !g.IsActive {
		return false
	}
	return g.ExpiresAt == nil || g.ExpiresAt.After(now)
}

// OwnerProfile identifies an entitlement owner by contact key.
type OwnerProfile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}
