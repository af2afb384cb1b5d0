package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/config"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/security"
)

const testJWTSecret = "test-secret-0123456789"

func testConfig() *config.Config {
	return &config.Config{
		AuthJWTSecret:     testJWTSecret,
		RequestTimeoutSec: 5,
		CacheTimeoutMs:    250,
		GeoTimeoutMs:      500,

		IPReputationEnabled:     true,
		RateLimitEnabled:        true,
		TokenRevocationEnabled:  true,
		SessionSecurityEnabled:  true,
		IPReputationFailOpen:    true,
		RateLimitFailOpen:       true,
		TokenRevocationFailOpen: true,
		SessionSecurityFailOpen: true,

		GeofencingEnabled:     false,
		SensitivePathPrefixes: []string{"/api/v1/auth", "/api/v1/payments", "/api/v1/admin"},

		GlobalIPDailyLimit:   10000,
		UserHourlyLimit:      1000,
		AnonymousMinuteLimit: 5,
		EndpointLimits:       map[string]int{},
		EndpointWindowSec:    60,
		ViolationCooldownSec: 300,
		RecordAfterResponse:  true,

		SuspiciousUserAgents:    []string{"sqlmap", "nikto"},
		MaxTravelSpeedKmh:       900,
		MinTravelIntervalSec:    300,
		IPMismatchWeight:        30,
		UAMismatchWeight:        20,
		SuspiciousRiskThreshold: 50,
		TerminateRiskThreshold:  70,
		TerminateOnHijackRisk:   true,
		ReauthTimeoutSec:        900,
		ReauthPathPrefixes:      []string{"/api/v1/payments"},

		AttackWindowMin:        60,
		AttackBlockDurationMin: 30,
	}
}

// fakeTrackerStore keeps attack patterns in memory.
type fakeTrackerStore struct {
	mu       sync.Mutex
	patterns []*models.AttackPattern
}

func (f *fakeTrackerStore) GetActiveAttackPattern(_ context.Context, sourceID string, attackType models.AttackType) (*models.AttackPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.patterns) - 1; i >= 0; i-- {
		p := f.patterns[i]
		if p.SourceID == sourceID && p.AttackType == attackType && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeTrackerStore) CreateAttackPattern(_ context.Context, pattern *models.AttackPattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pattern.ID == "" {
		pattern.ID = "p" + string(rune('0'+len(f.patterns)))
	}
	cp := *pattern
	f.patterns = append(f.patterns, &cp)
	return nil
}

func (f *fakeTrackerStore) UpdateAttackPattern(_ context.Context, pattern *models.AttackPattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, p := range f.patterns {
		if p.ID == pattern.ID {
			cp := *pattern
			f.patterns[i] = &cp
			return nil
		}
	}
	return nil
}

// eventRecorder captures appended security events.
type eventRecorder struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (e *eventRecorder) CreateSecurityEvent(_ context.Context, event *models.SecurityEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *eventRecorder) byType(eventType string) []*models.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*models.SecurityEvent
	for _, ev := range e.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func newTestTracker(c cache.ReputationCache, cfg security.TrackerConfig) *security.Tracker {
	return security.NewTracker(&fakeTrackerStore{}, c, cfg, nil)
}

func newTestEvents() (*security.EventLogger, *eventRecorder) {
	rec := &eventRecorder{}
	return security.NewEventLogger(rec, nil), rec
}

func mustIPResolver(t *testing.T, cidrs ...string) *ClientIPResolver {
	t.Helper()
	r, err := NewClientIPResolver(cidrs)
	if err != nil {
		t.Fatalf("NewClientIPResolver: %v", err)
	}
	return r
}

func newRequest(method, path, remoteIP string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = remoteIP + ":40000"
	return r
}

func stateFor(r *http.Request, ip string) *RequestState {
	return &RequestState{Request: r, ClientIP: ip}
}
