package models

import "time"

// TokenBlacklistEntry represents a revoked token identifier (JWT ID).
// Entries become irrelevant once the underlying token's own expiry passes
// and may be purged after that point.
type TokenBlacklistEntry struct {
	ID        string    `json:"id" db:"id"`
	TokenID   string    `json:"token_id" db:"token_id"` // JWT ID (JTI)
	UserID    *string   `json:"user_id,omitempty" db:"user_id"`
	Reason    string    `json:"reason,omitempty" db:"reason"` // logout, password_change, admin_revoke, compromise
	CreatedBy string    `json:"created_by,omitempty" db:"created_by"`
	RevokedAt time.Time `json:"revoked_at" db:"revoked_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

// IsExpired returns true once the underlying token would have expired anyway.
func (e *TokenBlacklistEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}
