package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/config"
	"github.com/toolshare/toolshare-backend/internal/geo"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/pkg/metrics"
	"github.com/toolshare/toolshare-backend/internal/security"
)

// IPReputationStage rejects requests from blocked sources and enforces
// geographic restrictions on sensitive paths. It runs first because a cache
// read is the cheapest possible rejection.
type IPReputationStage struct {
	cache    cache.ReputationCache
	resolver geo.Resolver
	tracker  *security.Tracker
	events   *security.EventLogger
	cfg      *config.Config
	log      *slog.Logger

	blockedCountries map[string]bool
}

func NewIPReputationStage(c cache.ReputationCache, resolver geo.Resolver, tracker *security.Tracker, events *security.EventLogger, cfg *config.Config, log *slog.Logger) *IPReputationStage {
	blocked := make(map[string]bool, len(cfg.BlockedCountries))
	for _, cc := range cfg.BlockedCountries {
		blocked[strings.ToUpper(cc)] = true
	}
	if log == nil {
		log = slog.Default()
	}
	return &IPReputationStage{
		cache:            c,
		resolver:         resolver,
		tracker:          tracker,
		events:           events,
		cfg:              cfg,
		log:              log,
		blockedCountries: blocked,
	}
}

func (s *IPReputationStage) Name() string   { return "ip_reputation" }
func (s *IPReputationStage) FailOpen() bool { return s.cfg.IPReputationFailOpen }

func (s *IPReputationStage) Evaluate(ctx context.Context, st *RequestState) (Decision, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CacheTimeout())
	val, ok, err := s.cache.Get(cctx, security.BlockKey(st.ClientIP))
	cancel()
	if err != nil {
		return Allowed, err
	}
	if ok {
		var rec security.BlockRecord
		if jsonErr := json.Unmarshal([]byte(val), &rec); jsonErr == nil {
			if rec.Until == nil || time.Now().Before(*rec.Until) {
				s.events.Append(ctx, &models.SecurityEvent{
					EventType:     models.EventIPBlocked,
					IPAddress:     st.ClientIP,
					UserAgent:     st.Request.UserAgent(),
					FailureReason: rec.Reason,
					RiskScore:     90,
					Action:        models.ActionBlock,
				})
				return Decision{
					Verdict: VerdictReject,
					Status:  http.StatusForbidden,
					Code:    "IP_BLOCKED",
					Message: "Access from this address is blocked.",
					// blocked_until is null for permanent blocks.
					Context: map[string]any{
						"reason":        rec.Reason,
						"blocked_until": rec.Until,
					},
				}, nil
			}
			// Block expired but the key lingered; clear it.
			_ = s.cache.Delete(ctx, security.BlockKey(st.ClientIP))
		}
	}

	if s.cfg.GeofencingEnabled && len(s.blockedCountries) > 0 && s.sensitivePath(st.Request.URL.Path) {
		loc := resolveGeo(ctx, s.resolver, st, s.cfg.GeoTimeout())
		if loc != nil && s.blockedCountries[strings.ToUpper(loc.CountryCode)] {
			if _, _, terr := s.tracker.RecordOccurrence(ctx, st.ClientIP, models.AttackGeographicAnomaly, models.SeverityMedium); terr != nil {
				s.log.Warn("failed to record geographic restriction offense", "client_ip", st.ClientIP, "error", terr)
			}
			s.events.Append(ctx, &models.SecurityEvent{
				EventType:     models.EventGeographicAnomaly,
				IPAddress:     st.ClientIP,
				UserAgent:     st.Request.UserAgent(),
				FailureReason: "country not permitted: " + loc.CountryCode,
				RiskScore:     60,
				Action:        models.ActionBlock,
			})
			return Decision{
				Verdict: VerdictReject,
				Status:  http.StatusUnavailableForLegalReasons,
				Code:    "GEO_RESTRICTED",
				Message: "This service is not available in your region.",
				Context: map[string]any{"country": loc.CountryCode},
			}, nil
		}
	}

	return Allowed, nil
}

func (s *IPReputationStage) sensitivePath(path string) bool {
	for _, prefix := range s.cfg.SensitivePathPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// resolveGeo looks up the client location once per request and caches the
// outcome on the request state. Lookup failures leave Geo nil; callers must
// treat a nil location as "unknown", never as a rejection.
func resolveGeo(ctx context.Context, resolver geo.Resolver, st *RequestState, timeout time.Duration) *models.GeoLocation {
	if st.GeoResolved {
		return st.Geo
	}
	st.GeoResolved = true
	if resolver == nil {
		return nil
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	loc, err := resolver.Resolve(gctx, st.ClientIP)
	if err != nil {
		metrics.GeoLookupFailuresTotal.Inc()
		return nil
	}
	st.Geo = loc
	return loc
}
