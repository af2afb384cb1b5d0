package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go4.org/netipx"

	"github.com/toolshare/toolshare-backend/internal/auth"
	"github.com/toolshare/toolshare-backend/internal/config"
	"github.com/toolshare/toolshare-backend/internal/geo"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/security"
)

// SessionStore is the session persistence the stage needs.
type SessionStore interface {
	GetSessionByTokenID(ctx context.Context, tokenID string) (*models.Session, error)
	UpdateSessionActivity(ctx context.Context, sessionID string) error
	TerminateSession(ctx context.Context, sessionID, reason string) error
}

// SessionSecurityStage runs the per-session anomaly sub-checks on
// authenticated requests: scanner user agents, device fingerprint drift,
// impossible-travel geo-velocity, hijacking risk scoring, and step-up
// re-authentication for sensitive paths. It runs last; it is the most
// expensive stage and needs the validated claims from the revocation stage.
type SessionSecurityStage struct {
	store    SessionStore
	resolver geo.Resolver
	tracker  *security.Tracker
	events   *security.EventLogger
	cfg      *config.Config
	log      *slog.Logger

	exemptRanges *netipx.IPSet
	suspiciousUA []string
}

func NewSessionSecurityStage(store SessionStore, resolver geo.Resolver, tracker *security.Tracker, events *security.EventLogger, cfg *config.Config, log *slog.Logger) (*SessionSecurityStage, error) {
	var b netipx.IPSetBuilder
	for _, cidr := range cfg.ExemptIPRanges {
		prefix, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid exempt IP range %q: %w", cidr, err)
		}
		b.AddPrefix(prefix)
	}
	exempt, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("failed to build exempt range set: %w", err)
	}
	ua := make([]string, len(cfg.SuspiciousUserAgents))
	for i, s := range cfg.SuspiciousUserAgents {
		ua[i] = strings.ToLower(s)
	}
	if log == nil {
		log = slog.Default()
	}
	return &SessionSecurityStage{
		store:        store,
		resolver:     resolver,
		tracker:      tracker,
		events:       events,
		cfg:          cfg,
		log:          log,
		exemptRanges: exempt,
		suspiciousUA: ua,
	}, nil
}

func (s *SessionSecurityStage) Name() string   { return "session_security" }
func (s *SessionSecurityStage) FailOpen() bool { return s.cfg.SessionSecurityFailOpen }

func (s *SessionSecurityStage) Evaluate(ctx context.Context, st *RequestState) (Decision, error) {
	path := st.Request.URL.Path
	for _, skip := range s.cfg.SessionSkipPaths {
		if path == skip {
			return Allowed, nil
		}
	}
	claims := st.Claims
	if claims == nil {
		return Allowed, nil
	}

	risk := 0
	var reasons []string

	// 1. Scanner and attack tool user agents reject outright, independent
	// of the hijack scoring below. An empty deny list disables the check.
	ua := st.Request.UserAgent()
	if tool := s.matchSuspiciousUA(ua); tool != "" {
		if _, _, err := s.tracker.RecordOccurrence(ctx, st.ClientIP, models.AttackBot, models.SeverityHigh); err != nil {
			s.log.Warn("failed to record scanner offense", "client_ip", st.ClientIP, "error", err)
		}
		s.terminate(ctx, st, models.TerminationSuspiciousActivity)
		s.appendEvent(ctx, st, models.EventSuspiciousActivity, "suspicious user agent: "+tool, 70, models.ActionBlock)
		return s.rejectSession("SUSPICIOUS_USER_AGENT", "Request client is not permitted."), nil
	}

	// 2. Device fingerprint drift.
	if claims.DeviceFingerprint != "" {
		current := auth.FingerprintFromRequest(st.Request)
		if current != claims.DeviceFingerprint {
			if s.cfg.TerminateOnDeviceChange {
				s.terminate(ctx, st, models.TerminationSecurityViolation)
				s.appendEvent(ctx, st, models.EventSessionTerminated, "device fingerprint changed", 80, models.ActionTerminateSession)
				return s.rejectSession("SESSION_DEVICE_CHANGED", "Session terminated: device changed."), nil
			}
			reasons = append(reasons, "device fingerprint changed")
			st.Flag("device_fingerprint_changed")
			s.appendEvent(ctx, st, models.EventSuspiciousActivity, "device fingerprint changed", 40, models.ActionAllow)
		}
	}

	// 3. Impossible travel.
	if dec, rejected := s.checkGeoVelocity(ctx, st); rejected {
		return dec, nil
	}

	// 4. Hijacking risk score from login context drift.
	if claims.LoginIP != "" && claims.LoginIP != st.ClientIP {
		risk += s.cfg.IPMismatchWeight
		reasons = append(reasons, "ip changed since login")
	}
	if claims.LoginUserAgent != "" && claims.LoginUserAgent != ua {
		risk += s.cfg.UAMismatchWeight
		reasons = append(reasons, "user agent changed since login")
	}
	if risk >= s.cfg.TerminateRiskThreshold && s.cfg.TerminateOnHijackRisk {
		reason := strings.Join(reasons, "; ")
		if _, _, err := s.tracker.RecordOccurrence(ctx, st.ClientIP, models.AttackSessionHijack, models.SeverityHigh); err != nil {
			s.log.Warn("failed to record hijack offense", "client_ip", st.ClientIP, "error", err)
		}
		s.terminate(ctx, st, models.TerminationHijacking)
		s.appendEvent(ctx, st, models.EventHijackingAttempt, reason, risk, models.ActionTerminateSession)
		return s.rejectSession("SESSION_HIJACK_SUSPECTED", "Session terminated due to suspicious activity."), nil
	}
	if risk >= s.cfg.SuspiciousRiskThreshold {
		st.Flag("hijack_risk")
		s.appendEvent(ctx, st, models.EventSuspiciousActivity, strings.Join(reasons, "; "), risk, models.ActionAlertAdmin)
	}

	// 5. Step-up re-authentication on sensitive paths.
	if s.reauthRequired(path, claims) {
		s.appendEvent(ctx, st, models.EventReauthRequired, "stale or missing re-authentication", 20, models.ActionRequireReauth)
		return Decision{
			Verdict: VerdictReject,
			Status:  http.StatusForbidden,
			Code:    "REAUTH_REQUIRED",
			Message: "Recent re-authentication is required for this operation.",
		}, nil
	}

	// 6. Session record state and activity accounting.
	return s.checkSession(ctx, st)
}

func (s *SessionSecurityStage) matchSuspiciousUA(ua string) string {
	lower := strings.ToLower(ua)
	for _, tool := range s.suspiciousUA {
		if strings.Contains(lower, tool) {
			return tool
		}
	}
	return ""
}

// checkGeoVelocity compares the login coordinates embedded in the claims
// against the current resolved location. Any resolution gap fails open.
func (s *SessionSecurityStage) checkGeoVelocity(ctx context.Context, st *RequestState) (Decision, bool) {
	claims := st.Claims
	if claims.LoginLatitude == nil || claims.LoginLongitude == nil || claims.IssuedAt == nil {
		return Allowed, false
	}
	elapsed := time.Since(claims.IssuedAt.Time)
	if elapsed < time.Duration(s.cfg.MinTravelIntervalSec)*time.Second {
		return Allowed, false
	}
	if addr, err := netip.ParseAddr(st.ClientIP); err == nil && s.exemptRanges.Contains(addr.Unmap()) {
		return Allowed, false
	}
	loc := resolveGeo(ctx, s.resolver, st, s.cfg.GeoTimeout())
	if loc == nil {
		return Allowed, false
	}
	dist := geo.DistanceKm(*claims.LoginLatitude, *claims.LoginLongitude, loc.Latitude, loc.Longitude)
	speed := geo.ImpliedSpeedKmh(dist, elapsed)
	if speed <= s.cfg.MaxTravelSpeedKmh {
		return Allowed, false
	}

	reason := fmt.Sprintf("implied travel speed %.0f km/h over %.0f km", speed, dist)
	if _, _, err := s.tracker.RecordOccurrence(ctx, st.ClientIP, models.AttackGeographicAnomaly, models.SeverityHigh); err != nil {
		s.log.Warn("failed to record travel anomaly offense", "client_ip", st.ClientIP, "error", err)
	}
	if s.cfg.TerminateOnImpossibleTravel {
		s.terminate(ctx, st, models.TerminationGeoAnomaly)
		s.appendEvent(ctx, st, models.EventGeographicAnomaly, reason, 85, models.ActionTerminateSession)
		return s.rejectSession("IMPOSSIBLE_TRAVEL", "Session terminated: implausible location change."), true
	}
	st.Flag("impossible_travel")
	s.appendEvent(ctx, st, models.EventGeographicAnomaly, reason, 85, models.ActionAlertAdmin)
	return Allowed, false
}

func (s *SessionSecurityStage) reauthRequired(path string, claims *auth.Claims) bool {
	sensitive := false
	for _, prefix := range s.cfg.ReauthPathPrefixes {
		if strings.HasPrefix(path, prefix) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return false
	}
	if claims.LastReauth == nil {
		return true
	}
	maxAge := time.Duration(s.cfg.ReauthTimeoutSec) * time.Second
	return time.Since(claims.LastReauth.Time) > maxAge
}

// checkSession validates the persisted session row, if one exists for the
// token, and defers the activity bump until the request commits.
func (s *SessionSecurityStage) checkSession(ctx context.Context, st *RequestState) (Decision, error) {
	if st.TokenID == "" {
		return Allowed, nil
	}
	session, err := s.store.GetSessionByTokenID(ctx, st.TokenID)
	if err != nil {
		return Allowed, err
	}
	if session == nil {
		return Allowed, nil
	}
	if session.TerminatedAt != nil {
		return s.rejectSession("SESSION_TERMINATED", "Session has been terminated."), nil
	}
	if session.IsExpired() {
		if err := s.store.TerminateSession(ctx, session.ID, models.TerminationExpired); err != nil {
			s.log.Warn("failed to terminate expired session", "session_id", session.ID, "error", err)
		}
		return s.rejectSession("SESSION_EXPIRED", "Session has expired."), nil
	}
	if idle := time.Duration(s.cfg.SessionInactivityMin) * time.Minute; idle > 0 && session.IsInactive(idle) {
		if err := s.store.TerminateSession(ctx, session.ID, models.TerminationInactivity); err != nil {
			s.log.Warn("failed to terminate inactive session", "session_id", session.ID, "error", err)
		}
		return s.rejectSession("SESSION_EXPIRED", "Session expired due to inactivity."), nil
	}

	sessionID := session.ID
	dec := Allowed
	dec.OnCommit = func(cctx context.Context) {
		if err := s.store.UpdateSessionActivity(cctx, sessionID); err != nil {
			s.log.Warn("failed to update session activity", "session_id", sessionID, "error", err)
		}
	}
	return dec, nil
}

func (s *SessionSecurityStage) terminate(ctx context.Context, st *RequestState, reason string) {
	if st.TokenID == "" {
		return
	}
	session, err := s.store.GetSessionByTokenID(ctx, st.TokenID)
	if err != nil || session == nil {
		return
	}
	if err := s.store.TerminateSession(ctx, session.ID, reason); err != nil {
		s.log.Warn("failed to terminate session", "session_id", session.ID, "error", err)
	}
}

func (s *SessionSecurityStage) appendEvent(ctx context.Context, st *RequestState, eventType, reason string, risk int, action string) {
	var userID *string
	if st.Claims != nil && st.Claims.UserID != "" {
		uid := st.Claims.UserID
		userID = &uid
	}
	s.events.Append(ctx, &models.SecurityEvent{
		EventType:     eventType,
		UserID:        userID,
		IPAddress:     st.ClientIP,
		UserAgent:     st.Request.UserAgent(),
		FailureReason: reason,
		RiskScore:     risk,
		Action:        action,
	})
}

func (s *SessionSecurityStage) rejectSession(code, message string) Decision {
	return Decision{
		Verdict: VerdictReject,
		Status:  http.StatusUnauthorized,
		Code:    code,
		Message: message,
	}
}
