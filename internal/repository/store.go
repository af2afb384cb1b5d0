package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/toolshare/toolshare-backend/internal/models"
)

// Store implements SecurityStore on top of sqlx. Queries are written with
// `?` placeholders and rebound per driver, so SQLite and PostgreSQL share
// one implementation.
type Store struct {
	db *sqlx.DB
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunMigrations executes schema migration SQL.
func (s *Store) RunMigrations(migrationSQL string) error {
	_, err := s.db.Exec(migrationSQL)
	return err
}

// --- Security events ---

func (s *Store) CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	query := s.db.Rebind(`
		INSERT INTO security_events (id, event_type, user_id, email, ip_address, user_agent, success, failure_reason, risk_score, action, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.EventType, event.UserID, event.Email, event.IPAddress, event.UserAgent,
		event.Success, event.FailureReason, event.RiskScore, event.Action, event.Details, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

func (s *Store) ListSecurityEvents(ctx context.Context, filter SecurityEventFilter) ([]*models.SecurityEvent, error) {
	var conds []string
	var args []interface{}
	if filter.EventType != nil {
		conds = append(conds, "event_type = ?")
		args = append(args, *filter.EventType)
	}
	if filter.IPAddress != nil {
		conds = append(conds, "ip_address = ?")
		args = append(args, *filter.IPAddress)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	query := "SELECT * FROM security_events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	var events []*models.SecurityEvent
	if err := s.db.SelectContext(ctx, &events, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list security events: %w", err)
	}
	return events, nil
}

// --- Attack patterns ---

func (s *Store) GetActiveAttackPattern(ctx context.Context, sourceID string, attackType models.AttackType) (*models.AttackPattern, error) {
	query := s.db.Rebind(`
		SELECT * FROM attack_patterns
		WHERE source_id = ? AND attack_type = ? AND is_active = ?
		ORDER BY first_seen DESC LIMIT 1
	`)
	var pattern models.AttackPattern
	err := s.db.GetContext(ctx, &pattern, query, sourceID, attackType, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attack pattern: %w", err)
	}
	return &pattern, nil
}

func (s *Store) CreateAttackPattern(ctx context.Context, pattern *models.AttackPattern) error {
	if pattern.ID == "" {
		pattern.ID = uuid.New().String()
	}
	query := s.db.Rebind(`
		INSERT INTO attack_patterns (id, source_id, attack_type, severity, occurrence_count, first_seen, last_seen, risk_score, is_active, is_blocked, blocked_until, resolved_at, resolved_by, resolution_note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		pattern.ID, pattern.SourceID, pattern.AttackType, pattern.Severity, pattern.OccurrenceCount,
		pattern.FirstSeen, pattern.LastSeen, pattern.RiskScore, pattern.IsActive, pattern.IsBlocked,
		pattern.BlockedUntil, pattern.ResolvedAt, pattern.ResolvedBy, pattern.ResolutionNote,
	)
	if err != nil {
		return fmt.Errorf("failed to create attack pattern: %w", err)
	}
	return nil
}

func (s *Store) UpdateAttackPattern(ctx context.Context, pattern *models.AttackPattern) error {
	query := s.db.Rebind(`
		UPDATE attack_patterns
		SET severity = ?, occurrence_count = ?, first_seen = ?, last_seen = ?, risk_score = ?,
		    is_active = ?, is_blocked = ?, blocked_until = ?, resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE id = ?
	`)
	_, err := s.db.ExecContext(ctx, query,
		pattern.Severity, pattern.OccurrenceCount, pattern.FirstSeen, pattern.LastSeen, pattern.RiskScore,
		pattern.IsActive, pattern.IsBlocked, pattern.BlockedUntil, pattern.ResolvedAt, pattern.ResolvedBy,
		pattern.ResolutionNote, pattern.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update attack pattern: %w", err)
	}
	return nil
}

func (s *Store) ListAttackPatterns(ctx context.Context, onlyActive bool, limit int) ([]*models.AttackPattern, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT * FROM attack_patterns"
	var args []interface{}
	if onlyActive {
		query += " WHERE is_active = ?"
		args = append(args, true)
	}
	query += " ORDER BY last_seen DESC LIMIT ?"
	args = append(args, limit)

	var patterns []*models.AttackPattern
	if err := s.db.SelectContext(ctx, &patterns, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list attack patterns: %w", err)
	}
	return patterns, nil
}

func (s *Store) ResolveAttackPattern(ctx context.Context, id, resolvedBy, note string) error {
	query := s.db.Rebind(`
		UPDATE attack_patterns
		SET is_active = ?, is_blocked = ?, resolved_at = ?, resolved_by = ?, resolution_note = ?
		WHERE id = ? AND is_active = ?
	`)
	res, err := s.db.ExecContext(ctx, query, false, false, time.Now(), resolvedBy, note, id, true)
	if err != nil {
		return fmt.Errorf("failed to resolve attack pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("attack pattern %s not found or already resolved", id)
	}
	return nil
}

func (s *Store) DeactivateExpiredBlocks(ctx context.Context, now time.Time) (int64, error) {
	query := s.db.Rebind(`
		UPDATE attack_patterns
		SET is_blocked = ?
		WHERE is_blocked = ? AND blocked_until IS NOT NULL AND blocked_until < ?
	`)
	res, err := s.db.ExecContext(ctx, query, false, true, now)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate expired blocks: %w", err)
	}
	return res.RowsAffected()
}

// --- Token blacklist ---

func (s *Store) CreateTokenBlacklistEntry(ctx context.Context, entry *models.TokenBlacklistEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.RevokedAt.IsZero() {
		entry.RevokedAt = time.Now()
	}
	query := s.db.Rebind(`
		INSERT INTO token_blacklist (id, token_id, user_id, reason, created_by, revoked_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.TokenID, entry.UserID, entry.Reason, entry.CreatedBy, entry.RevokedAt, entry.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create token blacklist entry: %w", err)
	}
	return nil
}

func (s *Store) IsTokenBlacklisted(ctx context.Context, tokenID string) (bool, error) {
	query := s.db.Rebind(`SELECT COUNT(*) FROM token_blacklist WHERE token_id = ? AND expires_at > ?`)
	var count int
	if err := s.db.GetContext(ctx, &count, query, tokenID, time.Now()); err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return count > 0, nil
}

func (s *Store) PurgeExpiredBlacklist(ctx context.Context, before time.Time) (int64, error) {
	query := s.db.Rebind(`DELETE FROM token_blacklist WHERE expires_at < ?`)
	res, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to purge token blacklist: %w", err)
	}
	return res.RowsAffected()
}

// --- Sessions ---

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	if session.LastActivity.IsZero() {
		session.LastActivity = session.CreatedAt
	}
	query := s.db.Rebind(`
		INSERT INTO sessions (id, user_id, token_id, device_fingerprint, ip_address, user_agent, country, city, created_at, last_activity, expires_at, risk_score, is_suspicious, activity_count, terminated_at, termination_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.UserID, session.TokenID, session.DeviceFingerprint, session.IPAddress,
		session.UserAgent, session.Country, session.City, session.CreatedAt, session.LastActivity,
		session.ExpiresAt, session.RiskScore, session.IsSuspicious, session.ActivityCount,
		session.TerminatedAt, session.TerminationReason,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *Store) GetSessionByTokenID(ctx context.Context, tokenID string) (*models.Session, error) {
	query := s.db.Rebind(`SELECT * FROM sessions WHERE token_id = ?`)
	var session models.Session
	err := s.db.GetContext(ctx, &session, query, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

func (s *Store) UpdateSessionActivity(ctx context.Context, sessionID string) error {
	query := s.db.Rebind(`
		UPDATE sessions SET last_activity = ?, activity_count = activity_count + 1
		WHERE id = ? AND terminated_at IS NULL
	`)
	_, err := s.db.ExecContext(ctx, query, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session activity: %w", err)
	}
	return nil
}

func (s *Store) TerminateSession(ctx context.Context, sessionID, reason string) error {
	query := s.db.Rebind(`
		UPDATE sessions SET terminated_at = ?, termination_reason = ?, is_suspicious = ?
		WHERE id = ? AND terminated_at IS NULL
	`)
	suspicious := reason == models.TerminationHijacking ||
		reason == models.TerminationGeoAnomaly ||
		reason == models.TerminationSuspiciousActivity ||
		reason == models.TerminationSecurityViolation
	_, err := s.db.ExecContext(ctx, query, time.Now(), reason, suspicious, sessionID)
	if err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	return nil
}
