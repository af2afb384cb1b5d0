package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/toolshare/toolshare-backend/internal/auth"
	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/security"
)

// fakeBlacklist is an in-memory blacklist store.
type fakeBlacklist struct {
	revoked map[string]bool
	err     error
	calls   int
}

func (f *fakeBlacklist) IsTokenBlacklisted(_ context.Context, tokenID string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[tokenID], nil
}

func newRevocationStage(c cache.ReputationCache, store *fakeBlacklist) (*TokenRevocationStage, *eventRecorder) {
	cfg := testConfig()
	events, rec := newTestEvents()
	tracker := newTestTracker(c, security.TrackerConfig{DefaultThreshold: 100})
	return NewTokenRevocationStage(c, store, tracker, events, cfg, nil), rec
}

func issueToken(t *testing.T, lc auth.LoginContext) (string, string) {
	t.Helper()
	token, jti, err := auth.IssueAccessToken(testJWTSecret, lc)
	if err != nil {
		t.Fatal(err)
	}
	return token, jti
}

func TestTokenRevocationUnauthenticatedPassesThrough(t *testing.T) {
	stage, _ := newRevocationStage(cache.NewMemoryCache(), &fakeBlacklist{})
	st := stateFor(newRequest("GET", "/api/v1/tools", "203.0.113.9"), "203.0.113.9")

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want allow", dec, err)
	}
	if st.Claims != nil {
		t.Error("claims set for unauthenticated request")
	}
}

func TestTokenRevocationMalformedTokenRejected(t *testing.T) {
	stage, rec := newRevocationStage(cache.NewMemoryCache(), &fakeBlacklist{})
	st := stateFor(newRequest("GET", "/api/v1/tools", "203.0.113.9"), "203.0.113.9")
	st.BearerToken = "not.a.token"

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Status != http.StatusUnauthorized || dec.Code != "TOKEN_INVALID" {
		t.Fatalf("decision = %+v, want 401 TOKEN_INVALID", dec)
	}
	if len(rec.byType(models.EventSuspiciousActivity)) != 1 {
		t.Error("malformed token should log a suspicious_activity event")
	}
}

func TestTokenRevocationExpiredTokenRejected(t *testing.T) {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-7",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			ID:        "expired-jti",
		},
		UserID: "user-7",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}

	stage, _ := newRevocationStage(cache.NewMemoryCache(), &fakeBlacklist{})
	st := stateFor(newRequest("GET", "/api/v1/tools", "203.0.113.9"), "203.0.113.9")
	st.BearerToken = signed

	dec, evalErr := stage.Evaluate(context.Background(), st)
	if evalErr != nil {
		t.Fatalf("Evaluate: %v", evalErr)
	}
	if dec.Verdict != VerdictReject || dec.Code != "TOKEN_EXPIRED" {
		t.Fatalf("decision = %+v, want TOKEN_EXPIRED", dec)
	}
}

func TestTokenRevocationRevokedViaStore(t *testing.T) {
	token, jti := issueToken(t, auth.LoginContext{UserID: "user-7"})
	c := cache.NewMemoryCache()
	store := &fakeBlacklist{revoked: map[string]bool{jti: true}}
	stage, _ := newRevocationStage(c, store)

	st := stateFor(newRequest("GET", "/api/v1/tools", "203.0.113.9"), "203.0.113.9")
	st.BearerToken = token

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if dec.Verdict != VerdictReject || dec.Code != "TOKEN_REVOKED" {
		t.Fatalf("decision = %+v, want TOKEN_REVOKED", dec)
	}

	// The store hit must have been written back to the cache; a second
	// evaluation rejects without another store call.
	calls := store.calls
	st2 := stateFor(newRequest("GET", "/api/v1/tools", "203.0.113.9"), "203.0.113.9")
	st2.BearerToken = token
	dec, err = stage.Evaluate(context.Background(), st2)
	if err != nil || dec.Code != "TOKEN_REVOKED" {
		t.Fatalf("cached rejection: dec=%+v err=%v", dec, err)
	}
	if store.calls != calls {
		t.Error("blacklist store consulted despite cache hit")
	}
}

func TestTokenRevocationValidTokenAnnotatesState(t *testing.T) {
	token, jti := issueToken(t, auth.LoginContext{UserID: "user-7", Role: "member"})
	stage, _ := newRevocationStage(cache.NewMemoryCache(), &fakeBlacklist{})

	st := stateFor(newRequest("GET", "/api/v1/tools", "203.0.113.9"), "203.0.113.9")
	st.BearerToken = token

	dec, err := stage.Evaluate(context.Background(), st)
	if err != nil || dec.Verdict != VerdictAllow {
		t.Fatalf("dec=%+v err=%v, want allow", dec, err)
	}
	if st.Claims == nil || st.Claims.UserID != "user-7" {
		t.Fatalf("claims = %+v, want user-7", st.Claims)
	}
	if st.TokenID != jti {
		t.Errorf("token id = %q, want %q", st.TokenID, jti)
	}
}

func TestTokenRevocationStoreErrorSurfaces(t *testing.T) {
	token, _ := issueToken(t, auth.LoginContext{UserID: "user-7"})
	stage, _ := newRevocationStage(cache.NewMemoryCache(), &fakeBlacklist{err: errors.New("db down")})

	st := stateFor(newRequest("GET", "/api/v1/tools", "203.0.113.9"), "203.0.113.9")
	st.BearerToken = token

	if _, err := stage.Evaluate(context.Background(), st); err == nil {
		t.Fatal("expected error so the orchestrator can apply the failure policy")
	}
}
