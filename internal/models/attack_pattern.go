package models

import "time"

// AttackType classifies a recurring hostile signal from one source.
type AttackType string

const (
	AttackSequential             AttackType = "sequential"
	AttackDistributed            AttackType = "distributed"
	AttackVelocity               AttackType = "velocity"
	AttackDictionary             AttackType = "dictionary"
	AttackCredentialStuffing     AttackType = "credential_stuffing"
	AttackBot                    AttackType = "bot"
	AttackGeographicAnomaly      AttackType = "geographic_anomaly"
	AttackSessionHijack          AttackType = "session_hijack"
	AttackTokenReplay            AttackType = "token_replay"
	AttackConcurrentSessionAbuse AttackType = "concurrent_session_abuse"
)

// Severity of an attack pattern. Ordered low < medium < high < critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// MaxSeverity returns the higher of the two severities.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// AttackPattern is a persisted aggregate of repeated hostile signals from
// one source (IP, account, or token identifier). Occurrence count only
// grows while the pattern is active; a resolved pattern is never reopened —
// further occurrences create a new row so history is preserved.
type AttackPattern struct {
	ID              string     `json:"id" db:"id"`
	SourceID        string     `json:"source_id" db:"source_id"`
	AttackType      AttackType `json:"attack_type" db:"attack_type"`
	Severity        Severity   `json:"severity" db:"severity"`
	OccurrenceCount int        `json:"occurrence_count" db:"occurrence_count"`
	FirstSeen       time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen        time.Time  `json:"last_seen" db:"last_seen"`
	RiskScore       int        `json:"risk_score" db:"risk_score"` // 0-100
	IsActive        bool       `json:"is_active" db:"is_active"`
	IsBlocked       bool       `json:"is_blocked" db:"is_blocked"`
	BlockedUntil    *time.Time `json:"blocked_until,omitempty" db:"blocked_until"` // nil while blocked = permanent
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy      string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNote  string     `json:"resolution_note,omitempty" db:"resolution_note"`
}

// BlockActive reports whether the pattern's block is still in force.
func (p *AttackPattern) BlockActive() bool {
	if !p.IsBlocked {
		return false
	}
	if p.BlockedUntil == nil {
		return true // permanent
	}
	return time.Now().Before(*p.BlockedUntil)
}
