package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toolshare/toolshare-backend/internal/auth"
	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/config"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/pkg/metrics"
	"github.com/toolshare/toolshare-backend/internal/security"
)

// Rate limit violation names, recorded on events and metrics.
const (
	ViolationCooldownActive = "CooldownActive"
	ViolationGlobalIPLimit  = "GlobalIPLimitExceeded"
	ViolationUserLimit      = "UserLimitExceeded"
	ViolationAnonymousLimit = "AnonymousLimitExceeded"
	ViolationEndpointLimit  = "EndpointLimitExceeded"
)

// rateScope is one sliding window applied to a request.
type rateScope struct {
	key       string
	limit     int
	window    time.Duration
	violation string
}

// RateLimitStage enforces layered sliding-window limits: a violation
// cooldown gate, a global per-IP daily cap, a per-user or per-anonymous-IP
// cap, and optional per-endpoint caps. Counters live in the reputation
// cache with TTL equal to the window.
//
// With RecordAfterResponse enabled, counters are checked here but only
// incremented after the request reaches business logic, so rejected and
// short-circuited requests are never charged against the quota.
type RateLimitStage struct {
	cache   cache.ReputationCache
	tracker *security.Tracker
	events  *security.EventLogger
	cfg     *config.Config
	log     *slog.Logger
}

func NewRateLimitStage(c cache.ReputationCache, tracker *security.Tracker, events *security.EventLogger, cfg *config.Config, log *slog.Logger) *RateLimitStage {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimitStage{cache: c, tracker: tracker, events: events, cfg: cfg, log: log}
}

func (s *RateLimitStage) Name() string   { return "rate_limit" }
func (s *RateLimitStage) FailOpen() bool { return s.cfg.RateLimitFailOpen }

func (s *RateLimitStage) Evaluate(ctx context.Context, st *RequestState) (Decision, error) {
	// Identity for user-scoped limits. The token is not validated here;
	// validation is the revocation stage's job and runs after this one.
	// An unverifiable subject just falls back to the anonymous scope.
	userID := auth.PeekSubject(st.BearerToken)
	identity := "ip:" + st.ClientIP
	if userID != "" {
		identity = "user:" + userID
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout())
	defer cancel()

	// Violation cooldown: a recent offender stays rejected for the whole
	// cooldown without touching the counters again.
	cooldownKey := "rl:blocked:" + identity
	if _, ok, err := s.cache.Get(cctx, cooldownKey); err != nil {
		return Allowed, err
	} else if ok {
		retry := s.cfg.ViolationCooldownSec
		if ttl, exists, terr := s.cache.TTL(cctx, cooldownKey); terr == nil && exists && ttl > 0 {
			retry = int(ttl.Seconds()) + 1
		}
		metrics.RateLimitRejectionsTotal.WithLabelValues(ViolationCooldownActive).Inc()
		return s.reject(ViolationCooldownActive, 0, 0, retry), nil
	}

	scopes := s.scopesFor(st, userID, identity)
	remaining := -1
	var tightest rateScope
	for _, sc := range scopes {
		var n int64
		var err error
		if s.cfg.RecordAfterResponse {
			n, err = s.cache.Count(cctx, sc.key)
			n++ // this request
		} else {
			n, err = s.cache.Increment(cctx, sc.key, sc.window)
		}
		if err != nil {
			return Allowed, err
		}
		if int(n) > sc.limit {
			return s.violate(ctx, st, sc, identity), nil
		}
		// Quota headers reflect the tightest remaining scope.
		if left := sc.limit - int(n); remaining < 0 || left < remaining {
			remaining = left
			tightest = sc
		}
	}

	dec := Allowed
	if remaining >= 0 {
		reset := time.Now().Add(tightest.window)
		if ttl, ok, err := s.cache.TTL(cctx, tightest.key); err == nil && ok && ttl > 0 {
			reset = time.Now().Add(ttl)
		}
		dec.Headers = map[string]string{
			"X-RateLimit-Limit":     strconv.Itoa(tightest.limit),
			"X-RateLimit-Remaining": strconv.Itoa(remaining),
			"X-RateLimit-Reset":     strconv.FormatInt(reset.Unix(), 10),
		}
	}
	if s.cfg.RecordAfterResponse && len(scopes) > 0 {
		dec.OnCommit = func(cctx context.Context) {
			for _, sc := range scopes {
				if _, err := s.cache.Increment(cctx, sc.key, sc.window); err != nil {
					s.log.Warn("failed to record rate limit hit", "key", sc.key, "error", err)
				}
			}
		}
	}
	return dec, nil
}

func (s *RateLimitStage) scopesFor(st *RequestState, userID, identity string) []rateScope {
	var scopes []rateScope
	if s.cfg.GlobalIPDailyLimit > 0 {
		scopes = append(scopes, rateScope{
			key:       "rl:ip:" + st.ClientIP + ":day",
			limit:     s.cfg.GlobalIPDailyLimit,
			window:    24 * time.Hour,
			violation: ViolationGlobalIPLimit,
		})
	}
	if userID != "" {
		if s.cfg.UserHourlyLimit > 0 {
			scopes = append(scopes, rateScope{
				key:       "rl:user:" + userID + ":hour",
				limit:     s.cfg.UserHourlyLimit,
				window:    time.Hour,
				violation: ViolationUserLimit,
			})
		}
	} else if s.cfg.AnonymousMinuteLimit > 0 {
		scopes = append(scopes, rateScope{
			key:       "rl:anon:" + st.ClientIP + ":min",
			limit:     s.cfg.AnonymousMinuteLimit,
			window:    time.Minute,
			violation: ViolationAnonymousLimit,
		})
	}
	endpoint := normalizeEndpoint(st.Request.Method, st.Request.URL.Path)
	if limit, ok := s.cfg.EndpointLimits[endpoint]; ok && limit > 0 {
		window := time.Duration(s.cfg.EndpointWindowSec) * time.Second
		if window <= 0 {
			window = time.Minute
		}
		scopes = append(scopes, rateScope{
			key:       "rl:ep:" + identity + ":" + endpoint,
			limit:     limit,
			window:    window,
			violation: ViolationEndpointLimit,
		})
	}
	return scopes
}

func (s *RateLimitStage) violate(ctx context.Context, st *RequestState, sc rateScope, identity string) Decision {
	cooldown := time.Duration(s.cfg.ViolationCooldownSec) * time.Second
	if cooldown > 0 {
		if err := s.cache.Set(ctx, "rl:blocked:"+identity, sc.violation, cooldown); err != nil {
			s.log.Warn("failed to set violation cooldown", "identity", identity, "error", err)
		}
	}
	if _, _, err := s.tracker.RecordOccurrence(ctx, st.ClientIP, models.AttackVelocity, models.SeverityLow); err != nil {
		s.log.Warn("failed to record rate limit offense", "client_ip", st.ClientIP, "error", err)
	}
	s.events.Append(ctx, &models.SecurityEvent{
		EventType:     models.EventRateLimitExceeded,
		IPAddress:     st.ClientIP,
		UserAgent:     st.Request.UserAgent(),
		FailureReason: sc.violation,
		RiskScore:     40,
		Action:        models.ActionBlock,
	})
	metrics.RateLimitRejectionsTotal.WithLabelValues(sc.violation).Inc()

	// Retry-After comes from the violated window's remaining TTL, never
	// from the cooldown; it must not exceed the window itself.
	retry := int(sc.window.Seconds())
	if ttl, ok, terr := s.cache.TTL(ctx, sc.key); terr == nil && ok && ttl > 0 && ttl < sc.window {
		retry = int(ttl.Seconds()) + 1
	}
	return s.reject(sc.violation, sc.limit, int(sc.window.Seconds()), retry)
}

func (s *RateLimitStage) reject(violation string, limit, windowSec, retryAfterSec int) Decision {
	errCtx := map[string]any{"violation": violation}
	if limit > 0 {
		errCtx["limit"] = limit
		errCtx["window_sec"] = windowSec
	}
	return Decision{
		Verdict: VerdictReject,
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMIT_EXCEEDED",
		Message: "Too many requests. Please retry later.",
		Context: errCtx,
		Headers: map[string]string{
			"Retry-After":           strconv.Itoa(retryAfterSec),
			"X-RateLimit-Remaining": "0",
			"X-RateLimit-Reset":     strconv.FormatInt(time.Now().Add(time.Duration(retryAfterSec)*time.Second).Unix(), 10),
		},
	}
}

// normalizeEndpoint collapses identifier path segments so endpoint limits
// key on route shape, not on individual resources. UUIDs, long numbers, and
// long hex strings become ":id".
func normalizeEndpoint(method, path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if isIdentifierSegment(seg) {
			segments[i] = ":id"
		}
	}
	return method + " /" + strings.Join(segments, "/")
}

func isIdentifierSegment(seg string) bool {
	if len(seg) == 0 {
		return false
	}
	if _, err := uuid.Parse(seg); err == nil {
		return true
	}
	digits := true
	for _, r := range seg {
		if r < '0' || r > '9' {
			digits = false
			break
		}
	}
	if digits && len(seg) > 3 {
		return true
	}
	if len(seg) >= 24 {
		hex := true
		for _, r := range seg {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f' || r >= 'A' && r <= 'F') {
				hex = false
				break
			}
		}
		return hex
	}
	return false
}
