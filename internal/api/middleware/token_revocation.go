package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolshare/toolshare-backend/internal/auth"
	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/config"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/security"
)

// BlacklistChecker is the persistence lookup behind the cache.
type BlacklistChecker interface {
	IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error)
}

// TokenRevocationStage validates the bearer token and rejects revoked ones.
// The blacklist is checked cache-first; a database hit is written back to
// the cache with a TTL matching the token's own expiry, after which the
// entry is moot anyway. Unauthenticated requests pass through untouched,
// authentication requirements belong to the route handlers.
type TokenRevocationStage struct {
	cache   cache.ReputationCache
	store   BlacklistChecker
	tracker *security.Tracker
	events  *security.EventLogger
	cfg     *config.Config
	log     *slog.Logger
}

func NewTokenRevocationStage(c cache.ReputationCache, store BlacklistChecker, tracker *security.Tracker, events *security.EventLogger, cfg *config.Config, log *slog.Logger) *TokenRevocationStage {
	if log == nil {
		log = slog.Default()
	}
	return &TokenRevocationStage{cache: c, store: store, tracker: tracker, events: events, cfg: cfg, log: log}
}

func (s *TokenRevocationStage) Name() string   { return "token_revocation" }
func (s *TokenRevocationStage) FailOpen() bool { return s.cfg.TokenRevocationFailOpen }

const blacklistKeyPrefix = "blacklist:"

func (s *TokenRevocationStage) Evaluate(ctx context.Context, st *RequestState) (Decision, error) {
	if st.BearerToken == "" {
		return Allowed, nil
	}

	claims, err := auth.ValidateToken(s.cfg.AuthJWTSecret, st.BearerToken)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return Decision{
				Verdict: VerdictReject,
				Status:  http.StatusUnauthorized,
				Code:    "TOKEN_EXPIRED",
				Message: "Access token has expired.",
			}, nil
		}
		// Malformed tokens are a weak attack signal, not just a client bug.
		if _, _, terr := s.tracker.RecordOccurrence(ctx, st.ClientIP, models.AttackTokenReplay, models.SeverityLow); terr != nil {
			s.log.Warn("failed to record malformed token offense", "client_ip", st.ClientIP, "error", terr)
		}
		s.events.Append(ctx, &models.SecurityEvent{
			EventType:     models.EventSuspiciousActivity,
			IPAddress:     st.ClientIP,
			UserAgent:     st.Request.UserAgent(),
			FailureReason: "malformed token",
			RiskScore:     30,
			Action:        models.ActionBlock,
		})
		return Decision{
			Verdict: VerdictReject,
			Status:  http.StatusUnauthorized,
			Code:    "TOKEN_INVALID",
			Message: "Access token is invalid.",
		}, nil
	}

	if claims.ID != "" {
		revoked, err := s.isRevoked(ctx, claims)
		if err != nil {
			return Allowed, err
		}
		if revoked {
			s.events.Append(ctx, &models.SecurityEvent{
				EventType:     models.EventSuspiciousActivity,
				UserID:        &claims.UserID,
				IPAddress:     st.ClientIP,
				UserAgent:     st.Request.UserAgent(),
				FailureReason: "revoked token presented",
				RiskScore:     50,
				Action:        models.ActionBlock,
			})
			return Decision{
				Verdict: VerdictReject,
				Status:  http.StatusUnauthorized,
				Code:    "TOKEN_REVOKED",
				Message: "Access token has been revoked.",
			}, nil
		}
	}

	st.Claims = claims
	st.TokenID = claims.ID
	return Allowed, nil
}

func (s *TokenRevocationStage) isRevoked(ctx context.Context, claims *auth.Claims) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout())
	defer cancel()

	key := blacklistKeyPrefix + claims.ID
	if _, ok, err := s.cache.Get(cctx, key); err == nil && ok {
		return true, nil
	} else if err != nil {
		s.log.Warn("blacklist cache read failed, falling back to store", "error", err)
	}

	revoked, err := s.store.IsTokenBlacklisted(ctx, claims.ID)
	if err != nil {
		return false, err
	}
	if revoked {
		ttl := time.Hour
		if claims.ExpiresAt != nil {
			if until := time.Until(claims.ExpiresAt.Time); until > 0 {
				ttl = until
			}
		}
		if err := s.cache.Set(ctx, key, "1", ttl); err != nil {
			s.log.Warn("failed to cache blacklist hit", "error", err)
		}
	}
	return revoked, nil
}
