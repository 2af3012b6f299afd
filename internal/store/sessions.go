package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

type sessionRow struct {
	ID            string     `db:"id"`
	ProfileID     string     `db:"profile_id"`
	SystemUser    string     `db:"system_user"`
	StartTime     time.Time  `db:"start_time"`
	EndTime       *time.Time `db:"end_time"`
	EndReason     string     `db:"end_reason"`
	ScreenSeconds int64      `db:"screen_seconds"`
	ActiveSeconds int64      `db:"active_seconds"`
	IdleSeconds   int64      `db:"idle_seconds"`
}

func (r sessionRow) toDomain() *domain.Session {
	return &domain.Session{
		ID: r.ID, ProfileID: r.ProfileID, SystemUser: r.SystemUser,
		StartTime: r.StartTime, EndTime: r.EndTime, EndReason: domain.EndReason(r.EndReason),
		ScreenSeconds: r.ScreenSeconds, ActiveSeconds: r.ActiveSeconds, IdleSeconds: r.IdleSeconds,
	}
}

// OpenSession starts a new session. The unique partial index on
// (profile_id) WHERE end_time IS NULL enforces "at most one open session
// per profile" at the database level; a violation surfaces as a wrapped
// sqlite3 constraint error, which callers should treat as
// CodeInvariantViolation.
func (s *Store) OpenSession(ctx context.Context, sess *domain.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, profile_id, system_user, start_time, screen_seconds, active_seconds, idle_seconds)
		VALUES (?, ?, ?, ?, 0, 0, 0)`,
		sess.ID, sess.ProfileID, sess.SystemUser, sess.StartTime)
	if err != nil {
		return errs.Wrap(errs.CodeInvariantViolation, "opening session: profile may already have an open session", err)
	}
	if s.graph != nil {
		_ = s.graph.UpsertProfile(sess.ProfileID, "")
		_ = s.graph.RecordSession(sess.ProfileID, sess.ID)
	}
	return nil
}

// OpenSessionForProfile returns the open (end_time IS NULL) session for a
// profile, if any.
func (s *Store) OpenSessionForProfile(ctx context.Context, profileID string) (*domain.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM sessions WHERE profile_id = ? AND end_time IS NULL`, profileID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying open session", err)
	}
	return row.toDomain(), nil
}

// CloseSession closes an open session with the accumulated accounting
// totals and the reason it ended, within a single transaction so a
// process crash between computing totals and persisting them cannot leave
// a session half-closed.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endTime time.Time, reason domain.EndReason, screen, active, idle int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET end_time = ?, end_reason = ?, screen_seconds = ?, active_seconds = ?, idle_seconds = ?
			WHERE id = ? AND end_time IS NULL`,
			endTime, reason, screen, active, idle, sessionID)
		if err != nil {
			return errs.Wrap(errs.CodeStoreUnavailable, "closing session", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return errs.New(errs.CodeInvariantViolation, "session "+sessionID+" is not open")
		}
		return nil
	})
}

// UpdateSessionAccounting updates the running totals of an open session
// without closing it, called periodically by the engine's tick.
func (s *Store) UpdateSessionAccounting(ctx context.Context, sessionID string, screen, active, idle int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET screen_seconds = ?, active_seconds = ?, idle_seconds = ?
		WHERE id = ? AND end_time IS NULL`,
		screen, active, idle, sessionID)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "updating session accounting", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.CodeInvariantViolation, "session "+sessionID+" is not open")
	}
	return nil
}

// ListSessions returns sessions for a profile, most recent first, capped
// at limit. When the graph index is available, the set of session ids is
// resolved there first (the query list-sessions/query-activity are meant
// to exercise, per SPEC_FULL.md §4.2) and only the resulting rows are
// fetched from SQLite; SQLite remains the source of every field beyond
// the id, and any graph failure falls back to the SQLite-only path.
func (s *Store) ListSessions(ctx context.Context, profileID string, limit int) ([]*domain.Session, error) {
	if s.graph != nil {
		ids, err := s.graph.SessionIDsForProfile(profileID)
		if err != nil {
			s.log.Warn("graph session lookup failed, falling back to sqlite", "error", err)
		} else if len(ids) > 0 {
			sessions, err := s.sessionsByIDs(ctx, ids, limit)
			if err != nil {
				s.log.Warn("resolving graph session ids failed, falling back to sqlite", "error", err)
			} else {
				return sessions, nil
			}
		}
	}
	return s.listSessionsFromSQLite(ctx, profileID, limit)
}

func (s *Store) listSessionsFromSQLite(ctx context.Context, profileID string, limit int) ([]*domain.Session, error) {
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM sessions WHERE profile_id = ? ORDER BY start_time DESC LIMIT ?`, profileID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "listing sessions", err)
	}
	out := make([]*domain.Session, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// sessionsByIDs fetches rows for exactly the ids the graph index
// returned, most recent first, capped at limit.
func (s *Store) sessionsByIDs(ctx context.Context, ids []string, limit int) ([]*domain.Session, error) {
	query, args, err := sqlx.In(`SELECT * FROM sessions WHERE id IN (?) ORDER BY start_time DESC LIMIT ?`, ids, limit)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "building graph-resolved session query", err)
	}
	query = s.db.Rebind(query)
	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "fetching graph-resolved sessions", err)
	}
	out := make([]*domain.Session, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// ReopenCrashedSessions is run once at daemon startup: any session left
// open from a previous process lifetime (the daemon crashed without a
// clean shutdown) is closed with EndCrash so accounting never silently
// straddles a restart.
func (s *Store) ReopenCrashedSessions(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET end_time = ?, end_reason = ?
		WHERE end_time IS NULL`, at, domain.EndCrash)
	if err != nil {
		return 0, errs.Wrap(errs.CodeStoreUnavailable, "closing crashed sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
