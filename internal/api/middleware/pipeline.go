// Package middleware provides the request security pipeline and its
// supporting HTTP middleware: request ID, structured logging, body limits,
// secure headers, and tracing.
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/toolshare/toolshare-backend/internal/auth"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/pkg/metrics"
)

// Verdict is a stage's decision for one request.
type Verdict int

const (
	VerdictAllow Verdict = iota
	VerdictReject
)

// Decision is the outcome of one stage evaluation. An allowing decision may
// carry response headers (rate limit quota) and an OnCommit hook that the
// orchestrator runs after the request reaches business logic.
type Decision struct {
	Verdict Verdict
	Status  int
	Code    string
	Message string
	Context map[string]any // extra fields in the rejection error object
	Headers map[string]string
	// OnCommit runs after the downstream handler returns, only if no stage
	// rejected the request. Used to defer side effects (counter increments,
	// session activity) so rejected requests are not charged.
	OnCommit func(ctx context.Context)
}

// Allowed is the zero-cost allowing decision.
var Allowed = Decision{Verdict: VerdictAllow}

// RequestState is the per-request scratchpad shared across stages. Stages
// annotate it (resolved geo, validated claims) so later stages and the
// downstream handler do not repeat work.
type RequestState struct {
	Request  *http.Request
	ClientIP string

	BearerToken string
	Claims      *auth.Claims
	TokenID     string

	Geo         *models.GeoLocation
	GeoResolved bool // a lookup was attempted, Geo may still be nil

	// RiskFlags collects anomalies that were logged but not rejected, for
	// downstream business logic (step-up prompts, manual review queues).
	RiskFlags []string
}

// Flag records a log-only anomaly on the request.
func (st *RequestState) Flag(flag string) {
	st.RiskFlags = append(st.RiskFlags, flag)
}

// Stage is one check in the security pipeline.
type Stage interface {
	Name() string
	// FailOpen reports how an evaluation error resolves: true lets the
	// request proceed, false rejects it.
	FailOpen() bool
	Evaluate(ctx context.Context, st *RequestState) (Decision, error)
}

// SecurityPipeline runs the stages in order, short-circuiting on the first
// rejection. Stage panics and errors resolve per the stage's failure policy.
// The whole pipeline plus downstream handler run under the request timeout;
// expiry during stage evaluation yields a 408.
func SecurityPipeline(stages []Stage, ips *ClientIPResolver, requestTimeout time.Duration, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if requestTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, requestTimeout)
				defer cancel()
			}

			clientIP := ips.ClientIP(r)
			if ips.Exempt(clientIP) {
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			st := &RequestState{
				Request:     r,
				ClientIP:    clientIP,
				BearerToken: auth.ExtractBearer(r),
			}

			var commits []func(context.Context)
			for _, stage := range stages {
				dec, err := runStage(ctx, stage, st)
				if ctx.Err() != nil {
					writeRejection(w, Decision{
						Verdict: VerdictReject,
						Status:  http.StatusRequestTimeout,
						Code:    "REQUEST_TIMEOUT",
						Message: "Request processing exceeded the allowed time.",
					})
					metrics.SecurityDecisionsTotal.WithLabelValues(stage.Name(), "reject", "REQUEST_TIMEOUT").Inc()
					return
				}
				if err != nil {
					if stage.FailOpen() {
						metrics.StageFailuresTotal.WithLabelValues(stage.Name(), "open").Inc()
						log.Warn("security stage failed open",
							"stage", stage.Name(), "client_ip", clientIP, "error", err)
						continue
					}
					metrics.StageFailuresTotal.WithLabelValues(stage.Name(), "closed").Inc()
					log.Error("security stage failed closed",
						"stage", stage.Name(), "client_ip", clientIP, "error", err)
					writeRejection(w, Decision{
						Verdict: VerdictReject,
						Status:  http.StatusForbidden,
						Code:    "SECURITY_CHECK_FAILED",
						Message: "Request could not be verified.",
					})
					return
				}
				if dec.Verdict == VerdictReject {
					metrics.SecurityDecisionsTotal.WithLabelValues(stage.Name(), "reject", dec.Code).Inc()
					writeRejection(w, dec)
					return
				}
				metrics.SecurityDecisionsTotal.WithLabelValues(stage.Name(), "allow", "").Inc()
				for k, v := range dec.Headers {
					w.Header().Set(k, v)
				}
				if dec.OnCommit != nil {
					commits = append(commits, dec.OnCommit)
				}
			}

			if st.Claims != nil {
				ctx = auth.WithClaims(ctx, st.Claims)
			}
			info := &ClientInfo{IP: st.ClientIP, RiskFlags: st.RiskFlags}
			if st.Geo != nil {
				info.Country = st.Geo.CountryCode
				info.City = st.Geo.City
				info.IsVPN = st.Geo.IsVPN
				info.IsProxy = st.Geo.IsProxy
			}
			ctx = WithClientInfo(ctx, info)
			next.ServeHTTP(w, r.WithContext(ctx))

			if len(commits) > 0 {
				// Detached from the request lifetime; the response is already
				// on its way out.
				bg := context.WithoutCancel(ctx)
				go func() {
					cctx, cancel := context.WithTimeout(bg, 5*time.Second)
					defer cancel()
					for _, commit := range commits {
						commit(cctx)
					}
				}()
			}
		})
	}
}

func runStage(ctx context.Context, s Stage, st *RequestState) (dec Decision, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stage %s panicked: %v", s.Name(), p)
		}
	}()
	return s.Evaluate(ctx, st)
}

// writeRejection emits the stable rejection envelope:
// {"success": false, "message": ..., "error": {"code": ..., context}}.
func writeRejection(w http.ResponseWriter, dec Decision) {
	for k, v := range dec.Headers {
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dec.Status)

	errObj := map[string]interface{}{"code": dec.Code}
	for k, v := range dec.Context {
		errObj[k] = v
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": dec.Message,
		"error":   errObj,
	})
}
