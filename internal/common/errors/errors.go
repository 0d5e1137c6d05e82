// Package errors provides standardized error handling for the entitlement
// lifecycle and the Discord integration.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Verification / synchronizer errors
	ErrCodeOwnerNotFound     ErrorCode = "OWNER_NOT_FOUND"
	ErrCodeNoEffectiveGrants ErrorCode = "NO_EFFECTIVE_GRANTS"

	// Role resolution errors
	ErrCodeRoleUnbound ErrorCode = "ROLE_UNBOUND" // slug has no role binding: no-op, not a failure
	ErrCodeRoleStale   ErrorCode = "ROLE_STALE"   // bound role id no longer exists on the platform

	// Store errors
	ErrCodeStoreQueryFailed ErrorCode = "STORE_QUERY_FAILED"
	ErrCodeStoreWriteFailed ErrorCode = "STORE_WRITE_FAILED"

	// Platform / delivery errors
	ErrCodePlatformCallFailed     ErrorCode = "PLATFORM_CALL_FAILED"
	ErrCodeNotificationSendFailed ErrorCode = "NOTIFICATION_SEND_FAILED"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// ==========================
// Error Constructors
// ==========================

// NewOwnerNotFoundError creates a non-retryable lookup error: no entitlement
// owner exists for the supplied contact key.
func NewOwnerNotFoundError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeOwnerNotFound,
		Message:   "No entitlement owner for contact key",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewNoEffectiveGrantsError creates a non-retryable error: the owner exists
// but holds no active, unexpired grants.
func NewNoEffectiveGrantsError(ownerID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeNoEffectiveGrants,
		Message:   "Owner has no effective entitlement grants",
		Details:   fmt.Sprintf("ownerId: %s", ownerID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRoleUnboundError marks a permission slug without a role binding.
func NewRoleUnboundError(slug string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRoleUnbound,
		Message:   "Permission slug has no role binding",
		Details:   fmt.Sprintf("slug: %s", slug),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewRoleStaleError marks a bound role id that no longer exists on the guild.
func NewRoleStaleError(slug, roleID string) *StandardError {
	return &StandardError{
		Code:      ErrCodeRoleStale,
		Message:   "Bound role no longer exists on platform",
		Details:   fmt.Sprintf("slug: %s, roleId: %s", slug, roleID),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreQueryFailedError creates a retryable store read error.
func NewStoreQueryFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreQueryFailed,
		Message:   "Entitlement store query failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreWriteFailedError creates a retryable store write error.
func NewStoreWriteFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreWriteFailed,
		Message:   "Entitlement store write failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewPlatformCallFailedError creates a retryable Discord API error.
func NewPlatformCallFailedError(operation string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodePlatformCallFailed,
		Message:   "Discord API call failed",
		Details:   fmt.Sprintf("operation: %s, error: %s", operation, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// NewNotificationSendFailedError creates a retryable notification error.
func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeNotificationSendFailed,
		Message:   "Notification delivery failed",
		Details:   fmt.Sprintf("channel: %s, error: %s", channel, err.Error()),
		Retryable: true,
		Timestamp: time.Now().UTC(),
	}
}

// ==========================
// Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	switch code {
	case ErrCodeStoreQueryFailed,
		ErrCodeStoreWriteFailed,
		ErrCodePlatformCallFailed,
		ErrCodeNotificationSendFailed:
		return true
	default:
		// Lookup and resolution failures need new input, not a retry.
		return false
	}
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "OWNER") || strings.Contains(codeStr, "GRANTS"):
		return "ENTITLEMENT"
	case strings.Contains(codeStr, "ROLE"):
		return "ROLE_RESOLUTION"
	case strings.Contains(codeStr, "STORE"):
		return "STORE"
	case strings.Contains(codeStr, "PLATFORM") || strings.Contains(codeStr, "NOTIFICATION"):
		return "PLATFORM"
	default:
		return "OTHER"
	}
}
