package repository

import (
	"context"
	"time"

	"github.com/toolshare/toolshare-backend/internal/models"
)

// SecurityEventFilter narrows ListSecurityEvents. Nil fields match everything.
type SecurityEventFilter struct {
	EventType *string
	IPAddress *string
	Since     *time.Time
	Limit     int
}

// SecurityStore is the persistence surface of the security pipeline. Only
// the pipeline and its collaborators write these entities; marketplace
// business services never touch them.
type SecurityStore interface {
	// Security events (append-only)
	CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
	ListSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]*models.SecurityEvent, error)

	// Attack patterns
	GetActiveAttackPattern(ctx context.Context, sourceID string, attackType models.AttackType) (*models.AttackPattern, error)
	CreateAttackPattern(ctx context.Context, pattern *models.AttackPattern) error
	UpdateAttackPattern(ctx context.Context, pattern *models.AttackPattern) error
	ListAttackPatterns(ctx context.Context, onlyActive bool, limit int) ([]*models.AttackPattern, error)
	ResolveAttackPattern(ctx context.Context, id, resolvedBy, note string) error
	DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error)

	// Token blacklist
	CreateTokenBlacklistEntry(ctx context.Context, entry *models.TokenBlacklistEntry) error
	IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error)
	PurgeExpiredBlacklist(ctx context.Context, before time.Time) (int64, error)

	// Sessions
	CreateSession(ctx context.Context, session *models.Session) error
	GetSessionByTokenID(ctx context.Context, tokenID string) (*models.Session, error)
	UpdateSessionActivity(ctx context.Context, sessionID string) error
	TerminateSession(ctx context.Context, sessionID, reason string) error
}
