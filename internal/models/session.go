package models

import "time"

// Session termination reasons (closed enumeration).
const (
	TerminationLogout             = "logout"
	TerminationExpired            = "expired"
	TerminationInactivity         = "inactivity"
	TerminationSuspiciousActivity = "suspicious_activity"
	TerminationConcurrentLimit    = "concurrent_limit"
	TerminationAdmin              = "admin"
	TerminationHijacking          = "hijacking"
	TerminationGeoAnomaly         = "geo_anomaly"
	TerminationSecurityViolation  = "security_violation"
)

// Session is the ephemeral security context for one logical login.
// The device fingerprint, IP, and location captured here are also embedded
// as claims in the access token at issuance time.
type Session struct {
	ID                string     `json:"id" db:"id"`
	UserID            string     `json:"user_id" db:"user_id"`
	TokenID           string     `json:"token_id" db:"token_id"` // JWT ID (JTI)
	DeviceFingerprint string     `json:"device_fingerprint,omitempty" db:"device_fingerprint"`
	IPAddress         string     `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent         string     `json:"user_agent,omitempty" db:"user_agent"`
	Country           string     `json:"country,omitempty" db:"country"`
	City              string     `json:"city,omitempty" db:"city"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	LastActivity      time.Time  `json:"last_activity" db:"last_activity"`
	ExpiresAt         time.Time  `json:"expires_at" db:"expires_at"`
	RiskScore         int        `json:"risk_score" db:"risk_score"`
	IsSuspicious      bool       `json:"is_suspicious" db:"is_suspicious"`
	ActivityCount     int        `json:"activity_count" db:"activity_count"`
	TerminatedAt      *time.Time `json:"terminated_at,omitempty" db:"terminated_at"`
	TerminationReason string     `json:"termination_reason,omitempty" db:"termination_reason"`
}

// IsExpired returns true if the session has passed its expiry.
func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// IsActive returns true if the session is neither terminated nor expired.
func (s *Session) IsActive() bool {
	return s.TerminatedAt == nil && !s.IsExpired()
}

// IsInactive returns true if the session has had no activity within threshold.
func (s *Session) IsInactive(threshold time.Duration) bool {
	return time.Since(s.LastActivity) > threshold
}
