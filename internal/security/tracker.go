// Package security holds the detection core of the request pipeline: the
// attack pattern tracker that escalates repeated hostile signals into source
// blocks, and the append-only security event logger.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/pkg/metrics"
)

// BlockKeyPrefix namespaces cached IP block state.
const BlockKeyPrefix = "ipblock:"

// BlockKey returns the cache key holding block state for a source.
func BlockKey(sourceID string) string {
	return BlockKeyPrefix + sourceID
}

// BlockRecord is the cached representation of an active source block. A nil
// Until means the block is permanent.
type BlockRecord struct {
	Reason string     `json:"reason"`
	Until  *time.Time `json:"until,omitempty"`
}

// TrackerStore is the persistence surface the tracker needs.
type TrackerStore interface {
	GetActiveAttackPattern(ctx context.Context, sourceID string, attackType models.AttackType) (*models.AttackPattern, error)
	CreateAttackPattern(ctx context.Context, pattern *models.AttackPattern) error
	UpdateAttackPattern(ctx context.Context, pattern *models.AttackPattern) error
}

// TrackerConfig carries the escalation policy.
type TrackerConfig struct {
	// Thresholds maps attack type to the occurrence count that triggers a
	// block. Types not listed use DefaultThreshold.
	Thresholds       map[string]int
	DefaultThreshold int
	// Window is the rolling period for counting occurrences. A gap longer
	// than the window resets the count.
	Window        time.Duration
	BlockDuration time.Duration
}

// Tracker aggregates repeated hostile signals per (source, attack type) and
// escalates them into blocks once the configured threshold is crossed.
// Blocks are persisted on the pattern row and mirrored into the reputation
// cache so the IP reputation stage can check them without a database read.
type Tracker struct {
	store TrackerStore
	cache cache.ReputationCache
	cfg   TrackerConfig
	log   *slog.Logger
	now   func() time.Time
}

func NewTracker(store TrackerStore, c cache.ReputationCache, cfg TrackerConfig, log *slog.Logger) *Tracker {
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = 30 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: store, cache: c, cfg: cfg, log: log, now: time.Now}
}

func (t *Tracker) threshold(attackType models.AttackType) int {
	if n, ok := t.cfg.Thresholds[string(attackType)]; ok && n > 0 {
		return n
	}
	return t.cfg.DefaultThreshold
}

// RecordOccurrence registers one hostile signal from a source. It returns
// whether the source is now blocked and, for temporary blocks, when the
// block expires. Resolved patterns are never reopened; a fresh signal after
// resolution starts a new pattern row so history is preserved.
func (t *Tracker) RecordOccurrence(ctx context.Context, sourceID string, attackType models.AttackType, severity models.Severity) (bool, *time.Time, error) {
	now := t.now()

	pattern, err := t.store.GetActiveAttackPattern(ctx, sourceID, attackType)
	if err != nil {
		return false, nil, fmt.Errorf("failed to load attack pattern: %w", err)
	}

	if pattern == nil {
		pattern = &models.AttackPattern{
			SourceID:        sourceID,
			AttackType:      attackType,
			Severity:        severity,
			OccurrenceCount: 1,
			FirstSeen:       now,
			LastSeen:        now,
			IsActive:        true,
		}
		pattern.RiskScore = riskScore(pattern.Severity, pattern.OccurrenceCount, t.threshold(attackType))
		if blocked := t.maybeBlock(pattern, now); blocked {
			metrics.AttackBlocksTotal.WithLabelValues(string(attackType)).Inc()
		}
		if err := t.store.CreateAttackPattern(ctx, pattern); err != nil {
			return false, nil, fmt.Errorf("failed to create attack pattern: %w", err)
		}
		if pattern.BlockActive() {
			t.mirrorBlock(ctx, sourceID, pattern)
			return true, pattern.BlockedUntil, nil
		}
		return false, nil, nil
	}

	// Gap longer than the window: the streak is over, start counting again.
	if now.Sub(pattern.LastSeen) > t.cfg.Window {
		pattern.OccurrenceCount = 0
		pattern.FirstSeen = now
	}
	pattern.OccurrenceCount++
	pattern.LastSeen = now
	pattern.Severity = models.MaxSeverity(pattern.Severity, severity)
	pattern.RiskScore = riskScore(pattern.Severity, pattern.OccurrenceCount, t.threshold(attackType))

	wasBlocked := pattern.BlockActive()
	if blocked := t.maybeBlock(pattern, now); blocked && !wasBlocked {
		metrics.AttackBlocksTotal.WithLabelValues(string(attackType)).Inc()
		t.log.Warn("attack source blocked",
			"source_id", sourceID,
			"attack_type", string(attackType),
			"severity", string(pattern.Severity),
			"occurrences", pattern.OccurrenceCount,
		)
	}

	if err := t.store.UpdateAttackPattern(ctx, pattern); err != nil {
		return false, nil, fmt.Errorf("failed to update attack pattern: %w", err)
	}
	if pattern.BlockActive() {
		t.mirrorBlock(ctx, sourceID, pattern)
		return true, pattern.BlockedUntil, nil
	}
	return false, nil, nil
}

// maybeBlock applies the escalation policy to an updated pattern and reports
// whether it is blocked afterwards. Critical patterns block permanently.
func (t *Tracker) maybeBlock(pattern *models.AttackPattern, now time.Time) bool {
	if pattern.BlockActive() {
		return true
	}
	if pattern.OccurrenceCount < t.threshold(pattern.AttackType) {
		// An expired temporary block stays expired until the count crosses
		// the threshold again within a fresh window.
		pattern.IsBlocked = false
		return false
	}
	pattern.IsBlocked = true
	if pattern.Severity == models.SeverityCritical {
		pattern.BlockedUntil = nil
	} else {
		until := now.Add(t.cfg.BlockDuration)
		pattern.BlockedUntil = &until
	}
	return true
}

// mirrorBlock writes the block into the reputation cache so the IP
// reputation stage sees it on the next request. Cache failures are logged
// and ignored; the database row remains authoritative.
func (t *Tracker) mirrorBlock(ctx context.Context, sourceID string, pattern *models.AttackPattern) {
	rec := BlockRecord{
		Reason: string(pattern.AttackType),
		Until:  pattern.BlockedUntil,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	var ttl time.Duration // no expiry for permanent blocks
	if pattern.BlockedUntil != nil {
		ttl = time.Until(*pattern.BlockedUntil)
		if ttl <= 0 {
			return
		}
	}
	if err := t.cache.Set(ctx, BlockKey(sourceID), string(payload), ttl); err != nil {
		t.log.Error("failed to cache source block", "source_id", sourceID, "error", err)
	}
}

// Unblock clears the cached block for a source, used when an operator
// resolves a pattern.
func (t *Tracker) Unblock(ctx context.Context, sourceID string) error {
	return t.cache.Delete(ctx, BlockKey(sourceID))
}

// riskScore maps severity and escalation progress to a 0-100 score.
func riskScore(severity models.Severity, count, threshold int) int {
	base := 20
	switch severity {
	case models.SeverityMedium:
		base = 45
	case models.SeverityHigh:
		base = 70
	case models.SeverityCritical:
		base = 90
	}
	if threshold <= 0 {
		threshold = 1
	}
	progress := count * 10 / threshold
	score := base + progress
	if score > 100 {
		score = 100
	}
	return score
}
