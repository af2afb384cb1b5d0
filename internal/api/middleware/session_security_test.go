package middleware

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/toolshare/toolshare-backend/internal/auth"
	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/config"
	"github.com/toolshare/toolshare-backend/internal/geo"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/security"
)

// fakeSessionStore keeps one session and records terminations.
type fakeSessionStore struct {
	session      *models.Session
	terminated   []string
	activityHits int
}

func (f *fakeSessionStore) GetSessionByTokenID(_ context.Context, tokenID string) (*models.Session, error) {
	if f.session != nil && f.session.TokenID == tokenID {
		return f.session, nil
	}
	return nil, nil
}

func (f *fakeSessionStore) UpdateSessionActivity(_ context.Context, sessionID string) error {
	f.activityHits++
	return nil
}

func (f *fakeSessionStore) TerminateSession(_ context.Context, sessionID, reason string) error {
	f.terminated = append(f.terminated, reason)
	now := time.Now()
	if f.session != nil && f.session.ID == sessionID {
		f.session.TerminatedAt = &now
		f.session.TerminationReason = reason
	}
	return nil
}

func newSessionStage(t *testing.T, store *fakeSessionStore, resolver geo.Resolver, cfg *config.Config) (*SessionSecurityStage, *eventRecorder) {
	t.Helper()
	events, rec := newTestEvents()
	tracker := newTestTracker(cache.NewMemoryCache(), security.TrackerConfig{DefaultThreshold: 100})
	stage, err := NewSessionSecurityStage(store, resolver, tracker, events, cfg, nil)
	if err != nil {
		t.Fatalf("NewSessionSecurityStage: %v", err)
	}
	return stage, rec
}

func loginClaims(mutate func(c *auth.Claims)) *auth.Claims {
	now := time.Now()
	c := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-7",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        "jti-1",
		},
		UserID: "user-7",
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}

func sessionRequest(ua string) *http.Request {
	r := newRequest("GET", "/api/v1/tools", "203.0.113.9")
	r.Header.Set("User-Agent", ua)
	r.Header.Set("Accept-Language", "en-US")
	r.Header.Set("Accept-Encoding", "gzip")
	return r
}

func TestSessionSecurityUnauthenticatedAllowed(t *testing.T) {
	stage, _ := newSessionStage(t, &fakeSessionStore{}, nil, testConfig())
	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want allow", dec, err)
	}
}

func TestSessionSecuritySkipPaths(t *testing.T) {
	cfg := testConfig()
	cfg.SessionSkipPaths = []string{"/api/v1/auth/login"}
	stage, _ := newSessionStage(t, &fakeSessionStore{}, nil, cfg)

	r := newRequest("POST", "/api/v1/auth/login", "203.0.113.9")
	r.Header.Set("User-Agent", "sqlmap/1.7") // would trip the UA check otherwise
	st := stateFor(r, "203.0.113.9")
	st.Claims = loginClaims(nil)

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want allow on skip path", dec, err)
	}
}

func TestSessionSecurityScannerUARejected(t *testing.T) {
	store := &fakeSessionStore{session: &models.Session{
		ID: "s1", UserID: "user-7", TokenID: "jti-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	stage, rec := newSessionStage(t, store, nil, testConfig())

	st := stateFor(sessionRequest("sqlmap/1.7"), "203.0.113.9")
	st.Claims = loginClaims(nil)
	st.TokenID = "jti-1"

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Code != "SUSPICIOUS_USER_AGENT" {
		t.Fatalf("decision = %+v, want SUSPICIOUS_USER_AGENT", dec)
	}
	if len(rec.byType(models.EventSuspiciousActivity)) != 1 {
		t.Error("expected a suspicious_activity event")
	}
	if store.session.TerminatedAt == nil || store.session.TerminationReason != models.TerminationSuspiciousActivity {
		t.Errorf("session = %+v, want terminated for suspicious_activity", store.session)
	}
}

func TestSessionSecurityScannerUARejectedWithHijackCheckDisabled(t *testing.T) {
	// The user agent check stands on its own: disabling hijack-score
	// termination must not let scanner traffic through.
	cfg := testConfig()
	cfg.TerminateOnHijackRisk = false
	stage, _ := newSessionStage(t, &fakeSessionStore{}, nil, cfg)

	st := stateFor(sessionRequest("sqlmap/1.7"), "203.0.113.9")
	st.Claims = loginClaims(nil)

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Code != "SUSPICIOUS_USER_AGENT" {
		t.Fatalf("decision = %+v, want SUSPICIOUS_USER_AGENT regardless of hijack toggle", dec)
	}
}

func TestSessionSecurityFingerprintDriftLogOnly(t *testing.T) {
	cfg := testConfig()
	cfg.TerminateOnDeviceChange = false
	stage, rec := newSessionStage(t, &fakeSessionStore{}, nil, cfg)

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.DeviceFingerprint = "different-fingerprint"
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
	})

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want log-only allow", dec, err)
	}
	if len(rec.byType(models.EventSuspiciousActivity)) == 0 {
		t.Error("fingerprint drift should log a suspicious_activity event")
	}
}

func TestSessionSecurityFingerprintDriftTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.TerminateOnDeviceChange = true
	store := &fakeSessionStore{session: &models.Session{
		ID: "s1", UserID: "user-7", TokenID: "jti-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	stage, _ := newSessionStage(t, store, nil, cfg)

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) { c.DeviceFingerprint = "different-fingerprint" })
	st.TokenID = "jti-1"

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Code != "SESSION_DEVICE_CHANGED" {
		t.Fatalf("decision = %+v, want SESSION_DEVICE_CHANGED", dec)
	}
	if len(store.terminated) != 1 || store.terminated[0] != models.TerminationSecurityViolation {
		t.Errorf("terminations = %v, want [security_violation]", store.terminated)
	}
}

func TestSessionSecurityMatchingFingerprintAllowed(t *testing.T) {
	cfg := testConfig()
	cfg.TerminateOnDeviceChange = true
	stage, _ := newSessionStage(t, &fakeSessionStore{}, nil, cfg)

	r := sessionRequest("Mozilla/5.0")
	st := stateFor(r, "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.DeviceFingerprint = auth.FingerprintFromRequest(r)
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
	})

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want allow", dec, err)
	}
}

func TestSessionSecurityHijackScoring(t *testing.T) {
	// IP mismatch alone (30) stays under both thresholds. IP + UA mismatch
	// (50) crosses suspicious but not terminate. The weights are additive.
	cfg := testConfig()
	stage, rec := newSessionStage(t, &fakeSessionStore{}, nil, cfg)

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "198.51.100.1" // mismatch: +30
		c.LoginUserAgent = "Mozilla/5.0"
	})
	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("ip mismatch only: dec=%+v err=%v, want allow", dec, err)
	}
	if len(rec.byType(models.EventSuspiciousActivity)) != 0 {
		t.Error("risk 30 is under the suspicious threshold, no event expected")
	}

	st = stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "198.51.100.1"    // +30
		c.LoginUserAgent = "Safari/7" // +20
	})
	dec, err = stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("risk 50: dec=%+v err=%v, want allow but flagged", dec, err)
	}
	if len(rec.byType(models.EventSuspiciousActivity)) != 1 {
		t.Error("risk 50 should log a suspicious_activity event")
	}
}

func TestSessionSecurityImpossibleTravelLogOnly(t *testing.T) {
	cfg := testConfig()
	cfg.TerminateOnImpossibleTravel = false
	lat, lng := 40.7128, -74.0060 // New York at login
	resolver := geo.ResolverFunc(func(_ context.Context, _ string) (*models.GeoLocation, error) {
		return &models.GeoLocation{CountryCode: "JP", Latitude: 35.6762, Longitude: 139.6503}, nil // Tokyo now
	})
	stage, rec := newSessionStage(t, &fakeSessionStore{}, resolver, cfg)

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Minute))
		c.LoginLatitude = &lat
		c.LoginLongitude = &lng
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
	})

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want log-only allow", dec, err)
	}
	if len(rec.byType(models.EventGeographicAnomaly)) != 1 {
		t.Error("expected a geographic_anomaly event")
	}
}

func TestSessionSecurityImpossibleTravelTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.TerminateOnImpossibleTravel = true
	lat, lng := 40.7128, -74.0060
	resolver := geo.ResolverFunc(func(_ context.Context, _ string) (*models.GeoLocation, error) {
		return &models.GeoLocation{CountryCode: "JP", Latitude: 35.6762, Longitude: 139.6503}, nil
	})
	store := &fakeSessionStore{session: &models.Session{
		ID: "s1", UserID: "user-7", TokenID: "jti-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	stage, _ := newSessionStage(t, store, resolver, cfg)

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Minute))
		c.LoginLatitude = &lat
		c.LoginLongitude = &lng
	})
	st.TokenID = "jti-1"

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Code != "IMPOSSIBLE_TRAVEL" {
		t.Fatalf("decision = %+v, want IMPOSSIBLE_TRAVEL", dec)
	}
	if len(store.terminated) != 1 || store.terminated[0] != models.TerminationGeoAnomaly {
		t.Errorf("terminations = %v, want [geo_anomaly]", store.terminated)
	}
}

func TestSessionSecurityTravelGracePeriod(t *testing.T) {
	cfg := testConfig()
	cfg.TerminateOnImpossibleTravel = true
	lat, lng := 40.7128, -74.0060
	resolver := geo.ResolverFunc(func(_ context.Context, _ string) (*models.GeoLocation, error) {
		return &models.GeoLocation{Latitude: 35.6762, Longitude: 139.6503}, nil
	})
	stage, _ := newSessionStage(t, &fakeSessionStore{}, resolver, cfg)

	// Token issued 10 seconds ago: inside the minimum interval, no check.
	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-10 * time.Second))
		c.LoginLatitude = &lat
		c.LoginLongitude = &lng
	})

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want allow within grace period", dec, err)
	}
}

func TestSessionSecurityReauthRequired(t *testing.T) {
	cfg := testConfig()
	stage, rec := newSessionStage(t, &fakeSessionStore{}, nil, cfg)

	// Sensitive path, no last_reauth claim.
	r := newRequest("POST", "/api/v1/payments/checkout", "203.0.113.9")
	r.Header.Set("User-Agent", "Mozilla/5.0")
	st := stateFor(r, "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
	})

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Status != http.StatusForbidden || dec.Code != "REAUTH_REQUIRED" {
		t.Fatalf("decision = %+v, want 403 REAUTH_REQUIRED", dec)
	}
	if len(rec.byType(models.EventReauthRequired)) != 1 {
		t.Error("expected a reauth_required event")
	}

	// Fresh reauth passes.
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
		c.LastReauth = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	})
	dec, err = stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("fresh reauth: dec=%+v err=%v, want allow", dec, err)
	}

	// Stale reauth is rejected.
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
		c.LastReauth = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	})
	dec, err = stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictReject || dec.Code != "REAUTH_REQUIRED" {
		t.Fatalf("stale reauth: dec=%+v err=%v, want REAUTH_REQUIRED", dec, err)
	}
}

func TestSessionSecurityTerminatedSessionRejected(t *testing.T) {
	now := time.Now()
	store := &fakeSessionStore{session: &models.Session{
		ID: "s1", UserID: "user-7", TokenID: "jti-1",
		ExpiresAt:    now.Add(time.Hour),
		TerminatedAt: &now, TerminationReason: models.TerminationAdmin,
	}}
	stage, _ := newSessionStage(t, store, nil, testConfig())

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
	})
	st.TokenID = "jti-1"

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Code != "SESSION_TERMINATED" {
		t.Fatalf("decision = %+v, want SESSION_TERMINATED", dec)
	}
}

func TestSessionSecurityIdleSessionTerminated(t *testing.T) {
	store := &fakeSessionStore{session: &models.Session{
		ID: "s1", UserID: "user-7", TokenID: "jti-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		LastActivity: time.Now().Add(-3 * time.Hour),
	}}
	cfg := testConfig()
	cfg.SessionInactivityMin = 120
	stage, _ := newSessionStage(t, store, nil, cfg)

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
	})
	st.TokenID = "jti-1"

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Code != "SESSION_EXPIRED" {
		t.Fatalf("decision = %+v, want SESSION_EXPIRED for idle session", dec)
	}
	if store.session.TerminationReason != models.TerminationInactivity {
		t.Errorf("termination reason = %q, want inactivity", store.session.TerminationReason)
	}
}

func TestSessionSecurityActivityDeferredToCommit(t *testing.T) {
	store := &fakeSessionStore{session: &models.Session{
		ID: "s1", UserID: "user-7", TokenID: "jti-1",
		ExpiresAt: time.Now().Add(time.Hour),
	}}
	stage, _ := newSessionStage(t, store, nil, testConfig())

	st := stateFor(sessionRequest("Mozilla/5.0"), "203.0.113.9")
	st.Claims = loginClaims(func(c *auth.Claims) {
		c.LoginIP = "203.0.113.9"
		c.LoginUserAgent = "Mozilla/5.0"
	})
	st.TokenID = "jti-1"

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want allow", dec, err)
	}
	if store.activityHits != 0 {
		t.Fatal("activity recorded before commit")
	}
	if dec.OnCommit == nil {
		t.Fatal("expected activity commit hook")
	}
	dec.OnCommit(context.Background())
	if store.activityHits != 1 {
		t.Errorf("activity hits = %d after commit, want 1", store.activityHits)
	}
}
