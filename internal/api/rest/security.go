// Package rest provides the admin REST surface of the security pipeline:
// audit queries, attack pattern management, and token revocation.
package rest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/toolshare/toolshare-backend/internal/auth"
	"github.com/toolshare/toolshare-backend/internal/cache"
	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/repository"
	"github.com/toolshare/toolshare-backend/internal/security"
)

// SecurityHandler handles /api/v1/security/* endpoints. Admin role required
// on every route.
type SecurityHandler struct {
	store   repository.SecurityStore
	cache   cache.ReputationCache
	tracker *security.Tracker
	events  *security.EventLogger
	log     *slog.Logger
}

func NewSecurityHandler(store repository.SecurityStore, c cache.ReputationCache, tracker *security.Tracker, events *security.EventLogger, log *slog.Logger) *SecurityHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SecurityHandler{store: store, cache: c, tracker: tracker, events: events, log: log}
}

// RegisterRoutes registers security routes on the API subrouter.
func (h *SecurityHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/security/events", h.ListSecurityEvents).Methods("GET")
	router.HandleFunc("/security/patterns", h.ListAttackPatterns).Methods("GET")
	router.HandleFunc("/security/patterns/{id}/resolve", h.ResolveAttackPattern).Methods("POST")
	router.HandleFunc("/security/tokens/revoke", h.RevokeToken).Methods("POST")
	router.HandleFunc("/security/ip/{ipAddress}/unblock", h.UnblockIP).Methods("POST")
}

func (h *SecurityHandler) requireAdmin(w http.ResponseWriter, r *http.Request) *auth.Claims {
	claims := auth.ClaimsFromContext(r.Context())
	if claims == nil || claims.Role != "admin" {
		respondError(w, http.StatusForbidden, ErrCodeForbidden, "Admin access required")
		return nil
	}
	return claims
}

// ListSecurityEvents handles GET /security/events with event_type,
// ip_address, since (RFC3339), and limit query filters.
func (h *SecurityHandler) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}

	var filter repository.SecurityEventFilter
	if v := r.URL.Query().Get("event_type"); v != "" {
		filter.EventType = &v
	}
	if v := r.URL.Query().Get("ip_address"); v != "" {
		filter.IPAddress = &v
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "since must be RFC3339")
			return
		}
		filter.Since = &since
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	events, err := h.store.ListSecurityEvents(r.Context(), filter)
	if err != nil {
		h.log.Error("failed to list security events", "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list security events")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ListAttackPatterns handles GET /security/patterns?active=true&limit=N.
func (h *SecurityHandler) ListAttackPatterns(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}

	onlyActive := r.URL.Query().Get("active") == "true"
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	patterns, err := h.store.ListAttackPatterns(r.Context(), onlyActive, limit)
	if err != nil {
		h.log.Error("failed to list attack patterns", "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to list attack patterns")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": patterns,
		"count":    len(patterns),
	})
}

type resolvePatternRequest struct {
	Note     string `json:"note"`
	SourceID string `json:"source_id,omitempty"`
}

// ResolveAttackPattern handles POST /security/patterns/{id}/resolve. A
// resolved pattern stays resolved; fresh signals from the same source open
// a new pattern. When source_id is provided, the cached block is cleared too.
func (h *SecurityHandler) ResolveAttackPattern(w http.ResponseWriter, r *http.Request) {
	claims := h.requireAdmin(w, r)
	if claims == nil {
		return
	}
	id := mux.Vars(r)["id"]

	var req resolvePatternRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid request body")
		return
	}

	if err := h.store.ResolveAttackPattern(r.Context(), id, claims.UserID, req.Note); err != nil {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "Attack pattern not found or already resolved")
		return
	}
	if req.SourceID != "" {
		if err := h.tracker.Unblock(r.Context(), req.SourceID); err != nil {
			h.log.Warn("failed to clear cached block", "source_id", req.SourceID, "error", err)
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "Attack pattern resolved"})
}

type revokeTokenRequest struct {
	TokenID   string     `json:"token_id"`
	UserID    *string    `json:"user_id,omitempty"`
	Reason    string     `json:"reason"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RevokeToken handles POST /security/tokens/revoke. The entry is written to
// the blacklist table and mirrored into the cache so the revocation stage
// rejects the token on the very next request.
func (h *SecurityHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	claims := h.requireAdmin(w, r)
	if claims == nil {
		return
	}

	var req revokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "token_id is required")
		return
	}

	expiresAt := time.Now().Add(auth.AccessTokenExpiry)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}
	entry := &models.TokenBlacklistEntry{
		TokenID:   req.TokenID,
		UserID:    req.UserID,
		Reason:    req.Reason,
		CreatedBy: claims.UserID,
		ExpiresAt: expiresAt,
	}
	if err := h.store.CreateTokenBlacklistEntry(r.Context(), entry); err != nil {
		h.log.Error("failed to blacklist token", "token_id", req.TokenID, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to revoke token")
		return
	}
	if ttl := time.Until(expiresAt); ttl > 0 {
		if err := h.cache.Set(r.Context(), "blacklist:"+req.TokenID, "1", ttl); err != nil {
			h.log.Warn("failed to cache revoked token", "token_id", req.TokenID, "error", err)
		}
	}
	h.events.Append(r.Context(), &models.SecurityEvent{
		EventType:     models.EventTokenBlacklisted,
		UserID:        req.UserID,
		FailureReason: req.Reason,
		Action:        models.ActionBlacklistToken,
		Success:       true,
	})
	respondJSON(w, http.StatusOK, map[string]string{"message": "Token revoked"})
}

// UnblockIP handles POST /security/ip/{ipAddress}/unblock, clearing the
// cached block so the next request from the address is evaluated fresh.
// The underlying pattern row stays for the audit trail.
func (h *SecurityHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	if h.requireAdmin(w, r) == nil {
		return
	}
	ip := mux.Vars(r)["ipAddress"]

	if err := h.tracker.Unblock(r.Context(), ip); err != nil {
		h.log.Error("failed to unblock ip", "ip_address", ip, "error", err)
		respondError(w, http.StatusInternalServerError, ErrCodeInternalError, "Failed to unblock IP")
		return
	}
	h.events.Append(r.Context(), &models.SecurityEvent{
		EventType: models.EventSuspiciousActivity,
		IPAddress: ip,
		Action:    models.ActionAllow,
		Success:   true,
		Details:   `{"operation":"manual_unblock"}`,
	})
	respondJSON(w, http.StatusOK, map[string]string{"message": "IP unblocked"})
}
