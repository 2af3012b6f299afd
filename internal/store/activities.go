package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

type activityRow struct {
	SessionID    string    `db:"session_id"`
	ProfileID    string    `db:"profile_id"`
	StartTime    time.Time `db:"start_time"`
	DurationSecs int64     `db:"duration_secs"`
	AppKey       string    `db:"app_key"`
	WindowTitle  string    `db:"window_title"`
}

func (r activityRow) toDomain() *domain.Activity {
	return &domain.Activity{
		SessionID: r.SessionID, ProfileID: r.ProfileID, StartTime: r.StartTime,
		DurationSecs: r.DurationSecs, AppKey: r.AppKey, WindowTitle: r.WindowTitle,
	}
}

// AppendActivity records a closed focus interval. Callers are responsible
// for the non-overlapping/ordered-by-start invariant — the engine only
// ever appends the just-ended activity for a session's current focus
// change, never back-fills earlier ones.
func (s *Store) AppendActivity(ctx context.Context, a *domain.Activity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (session_id, profile_id, start_time, duration_secs, app_key, window_title)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.SessionID, a.ProfileID, a.StartTime, a.DurationSecs, a.AppKey, a.WindowTitle)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "appending activity", err)
	}
	if s.graph != nil {
		_ = s.graph.RecordActivity(a.SessionID, uuid.NewString(), a.AppKey, a.DurationSecs)
	}
	return nil
}

// ActivitiesForSession returns every recorded activity in a session,
// ordered by start time.
func (s *Store) ActivitiesForSession(ctx context.Context, sessionID string) ([]*domain.Activity, error) {
	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM activities WHERE session_id = ? ORDER BY start_time ASC`, sessionID); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying session activities", err)
	}
	out := make([]*domain.Activity, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// ActivitiesInRange answers query-activity: every recorded activity for
// profileID whose session started within [fromDate, toDate] ("YYYY-MM-DD",
// inclusive). When the graph index is available, the candidate session ids
// come from there first (the edges RecordSession/RecordActivity write,
// per SPEC_FULL.md §4.2) and only those sessions' activities are read from
// SQLite, narrowed further by the date range; any graph miss or error falls
// back to resolving the range against SQLite alone.
func (s *Store) ActivitiesInRange(ctx context.Context, profileID, fromDate, toDate string) ([]*domain.Activity, error) {
	if s.graph != nil {
		ids, err := s.graph.SessionIDsForProfile(profileID)
		if err != nil {
			s.log.Warn("graph session lookup failed, falling back to sqlite", "error", err)
		} else if len(ids) > 0 {
			activities, err := s.activitiesForSessionIDsInRange(ctx, ids, fromDate, toDate)
			if err != nil {
				s.log.Warn("resolving graph-scoped activities failed, falling back to sqlite", "error", err)
			} else {
				return activities, nil
			}
		}
	}
	return s.activitiesInRangeFromSQLite(ctx, profileID, fromDate, toDate)
}

func (s *Store) activitiesInRangeFromSQLite(ctx context.Context, profileID, fromDate, toDate string) ([]*domain.Activity, error) {
	var rows []activityRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT activities.* FROM activities
		JOIN sessions ON sessions.id = activities.session_id
		WHERE activities.profile_id = ? AND date(sessions.start_time) >= ? AND date(sessions.start_time) <= ?
		ORDER BY activities.start_time ASC`,
		profileID, fromDate, toDate)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying activities in range", err)
	}
	out := make([]*domain.Activity, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// activitiesForSessionIDsInRange narrows the graph's candidate session ids
// by the requested date range and fetches their activities in one query.
func (s *Store) activitiesForSessionIDsInRange(ctx context.Context, sessionIDs []string, fromDate, toDate string) ([]*domain.Activity, error) {
	query, args, err := sqlx.In(`
		SELECT activities.* FROM activities
		JOIN sessions ON sessions.id = activities.session_id
		WHERE sessions.id IN (?) AND date(sessions.start_time) >= ? AND date(sessions.start_time) <= ?
		ORDER BY activities.start_time ASC`,
		sessionIDs, fromDate, toDate)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "building graph-resolved activity query", err)
	}
	query = s.db.Rebind(query)
	var rows []activityRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "fetching graph-resolved activities", err)
	}
	out := make([]*domain.Activity, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}
