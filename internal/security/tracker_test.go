package security

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/models"
)

// memStore is an in-memory TrackerStore.
type memStore struct {
	mu       sync.Mutex
	patterns []*models.AttackPattern
	nextID   int
}

func (m *memStore) GetActiveAttackPattern(_ context.Context, sourceID string, attackType models.AttackType) (*models.AttackPattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.patterns) - 1; i >= 0; i-- {
		p := m.patterns[i]
		if p.SourceID == sourceID && p.AttackType == attackType && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateAttackPattern(_ context.Context, pattern *models.AttackPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	pattern.ID = string(rune('a' + m.nextID))
	cp := *pattern
	m.patterns = append(m.patterns, &cp)
	return nil
}

func (m *memStore) UpdateAttackPattern(_ context.Context, pattern *models.AttackPattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.patterns {
		if p.ID == pattern.ID {
			cp := *pattern
			m.patterns[i] = &cp
			return nil
		}
	}
	return nil
}

func (m *memStore) rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.patterns)
}

func newTracker(store *memStore, c cache.ReputationCache, threshold int) *Tracker {
	return NewTracker(store, c, TrackerConfig{
		DefaultThreshold: threshold,
		Window:           time.Hour,
		BlockDuration:    30 * time.Minute,
	}, nil)
}

func TestTrackerBlocksAtThreshold(t *testing.T) {
	store := &memStore{}
	c := cache.NewMemoryCache()
	tr := newTracker(store, c, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		blocked, _, err := tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)
		if err != nil {
			t.Fatal(err)
		}
		if blocked {
			t.Fatalf("blocked after %d occurrences, threshold is 3", i+1)
		}
	}

	blocked, until, err := tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Fatal("not blocked at threshold")
	}
	if until == nil || time.Until(*until) <= 0 {
		t.Errorf("block expiry = %v, want a future time", until)
	}

	// Block is mirrored into the cache for the IP reputation stage.
	val, ok, err := c.Get(ctx, BlockKey("203.0.113.9"))
	if err != nil || !ok {
		t.Fatalf("cached block missing: ok=%v err=%v", ok, err)
	}
	var rec BlockRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		t.Fatal(err)
	}
	if rec.Reason != string(models.AttackVelocity) || rec.Until == nil {
		t.Errorf("cached record = %+v", rec)
	}
}

func TestTrackerCriticalBlocksPermanently(t *testing.T) {
	store := &memStore{}
	c := cache.NewMemoryCache()
	tr := newTracker(store, c, 1)
	ctx := context.Background()

	blocked, until, err := tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackCredentialStuffing, models.SeverityCritical)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked || until != nil {
		t.Fatalf("blocked=%v until=%v, want permanent block", blocked, until)
	}
}

func TestTrackerPerTypeThresholds(t *testing.T) {
	store := &memStore{}
	tr := NewTracker(store, cache.NewMemoryCache(), TrackerConfig{
		Thresholds:       map[string]int{string(models.AttackDictionary): 2},
		DefaultThreshold: 10,
		Window:           time.Hour,
		BlockDuration:    time.Minute,
	}, nil)
	ctx := context.Background()

	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackDictionary, models.SeverityMedium)
	blocked, _, err := tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackDictionary, models.SeverityMedium)
	if err != nil {
		t.Fatal(err)
	}
	if !blocked {
		t.Error("dictionary threshold of 2 not applied")
	}
}

func TestTrackerWindowResetsCount(t *testing.T) {
	store := &memStore{}
	tr := newTracker(store, cache.NewMemoryCache(), 3)
	ctx := context.Background()

	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)
	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)

	// Age the pattern past the window.
	store.mu.Lock()
	store.patterns[0].LastSeen = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	blocked, _, err := tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)
	if err != nil {
		t.Fatal(err)
	}
	if blocked {
		t.Error("stale streak counted toward the threshold")
	}

	p, _ := store.GetActiveAttackPattern(ctx, "203.0.113.9", models.AttackVelocity)
	if p.OccurrenceCount != 1 {
		t.Errorf("occurrence count = %d after window reset, want 1", p.OccurrenceCount)
	}
}

func TestTrackerSeverityOnlyEscalates(t *testing.T) {
	store := &memStore{}
	tr := newTracker(store, cache.NewMemoryCache(), 10)
	ctx := context.Background()

	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackBot, models.SeverityHigh)
	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackBot, models.SeverityLow)

	p, _ := store.GetActiveAttackPattern(ctx, "203.0.113.9", models.AttackBot)
	if p.Severity != models.SeverityHigh {
		t.Errorf("severity = %s, want high (never downgraded)", p.Severity)
	}
}

func TestTrackerResolvedPatternNotReopened(t *testing.T) {
	store := &memStore{}
	tr := newTracker(store, cache.NewMemoryCache(), 5)
	ctx := context.Background()

	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)

	// Operator resolves the pattern.
	store.mu.Lock()
	store.patterns[0].IsActive = false
	store.mu.Unlock()

	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)
	if store.rows() != 2 {
		t.Fatalf("rows = %d, want a fresh pattern row after resolution", store.rows())
	}
}

func TestTrackerDistinctTypesTrackedSeparately(t *testing.T) {
	store := &memStore{}
	tr := newTracker(store, cache.NewMemoryCache(), 2)
	ctx := context.Background()

	tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackVelocity, models.SeverityLow)
	blocked, _, _ := tr.RecordOccurrence(ctx, "203.0.113.9", models.AttackTokenReplay, models.SeverityLow)
	if blocked {
		t.Error("occurrences of different attack types pooled together")
	}
}
