package models

import "time"

// Security event types.
const (
	EventLogin              = "login"
	EventLoginFailed        = "login_failed"
	EventSessionCreated     = "session_created"
	EventSessionTerminated  = "session_terminated"
	EventSuspiciousActivity = "suspicious_activity"
	EventBruteForceAttempt  = "brute_force_attempt"
	EventGeographicAnomaly  = "geographic_anomaly"
	EventHijackingAttempt   = "hijacking_attempt"
	EventTokenBlacklisted   = "token_blacklisted"
	EventRateLimitExceeded  = "rate_limit_exceeded"
	EventIPBlocked          = "ip_blocked"
	EventReauthRequired     = "reauth_required"
)

// Response actions recorded on a security event.
const (
	ActionAllow            = "allow"
	ActionBlock            = "block"
	ActionChallenge        = "challenge"
	ActionLock             = "lock"
	ActionRequireCaptcha   = "require_captcha"
	ActionTerminateSession = "terminate_session"
	ActionBlacklistToken   = "blacklist_token"
	ActionAlertAdmin       = "alert_admin"
	ActionRequireReauth    = "require_reauth"
)

// SecurityEvent is an immutable audit record of one security decision.
// Append-only; never mutated after creation.
type SecurityEvent struct {
	ID            string    `json:"id" db:"id"`
	EventType     string    `json:"event_type" db:"event_type"`
	UserID        *string   `json:"user_id,omitempty" db:"user_id"`
	Email         string    `json:"email,omitempty" db:"email"`
	IPAddress     string    `json:"ip_address" db:"ip_address"`
	UserAgent     string    `json:"user_agent,omitempty" db:"user_agent"`
	Success       bool      `json:"success" db:"success"`
	FailureReason string    `json:"failure_reason,omitempty" db:"failure_reason"`
	RiskScore     int       `json:"risk_score" db:"risk_score"` // 0-100
	Action        string    `json:"action" db:"action"`
	Details       string    `json:"details,omitempty" db:"details"` // JSON
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
