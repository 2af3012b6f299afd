package store

import (
	"context"
	"time"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

type dailySummaryRow struct {
	ProfileID     string `db:"profile_id"`
	Date          string `db:"date"`
	ScreenSeconds int64  `db:"screen_seconds"`
	ActiveSeconds int64  `db:"active_seconds"`
	IdleSeconds   int64  `db:"idle_seconds"`
	SessionCount  int    `db:"session_count"`
	BlockCount    int    `db:"block_count"`
	WarningCount  int    `db:"warning_count"`
}

func (r dailySummaryRow) toDomain() *domain.DailySummary {
	return &domain.DailySummary{
		ProfileID: r.ProfileID, Date: r.Date,
		ScreenSeconds: r.ScreenSeconds, ActiveSeconds: r.ActiveSeconds, IdleSeconds: r.IdleSeconds,
		SessionCount: r.SessionCount, BlockCount: r.BlockCount, WarningCount: r.WarningCount,
	}
}

// UpsertDailySummary writes the pre-aggregated counters for profile/date,
// replacing any existing row — the retention job calls this before
// archiving the detail rows it was computed from, so reports remain
// available past the archive cutoff.
func (s *Store) UpsertDailySummary(ctx context.Context, sum *domain.DailySummary) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_summaries (profile_id, date, screen_seconds, active_seconds, idle_seconds, session_count, block_count, warning_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (profile_id, date) DO UPDATE SET
			screen_seconds = excluded.screen_seconds,
			active_seconds = excluded.active_seconds,
			idle_seconds   = excluded.idle_seconds,
			session_count  = excluded.session_count,
			block_count    = excluded.block_count,
			warning_count  = excluded.warning_count`,
		sum.ProfileID, sum.Date, sum.ScreenSeconds, sum.ActiveSeconds, sum.IdleSeconds,
		sum.SessionCount, sum.BlockCount, sum.WarningCount)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "upserting daily summary", err)
	}
	return nil
}

// DailySummaries returns the summaries for profileID with date in
// [fromDate, toDate] (inclusive, lexical YYYY-MM-DD comparison), ordered
// chronologically.
func (s *Store) DailySummaries(ctx context.Context, profileID, fromDate, toDate string) ([]*domain.DailySummary, error) {
	var rows []dailySummaryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM daily_summaries WHERE profile_id = ? AND date >= ? AND date <= ? ORDER BY date ASC`,
		profileID, fromDate, toDate)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying daily summaries", err)
	}
	out := make([]*domain.DailySummary, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// preAggregateDaily rolls closed sessions and events older than cutoff into
// daily_summaries before the retention job archives and deletes their
// source rows, so reporting callers can still answer range queries that
// span the archive boundary.
func (s *Store) preAggregateDaily(ctx context.Context, cutoff time.Time) error {
	var rows []dailySummaryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT
			sess.profile_id AS profile_id,
			date(sess.start_time) AS date,
			COALESCE(SUM(sess.screen_seconds), 0) AS screen_seconds,
			COALESCE(SUM(sess.active_seconds), 0) AS active_seconds,
			COALESCE(SUM(sess.idle_seconds), 0) AS idle_seconds,
			COUNT(*) AS session_count,
			(SELECT COUNT(*) FROM events ev
			   WHERE ev.profile_id = sess.profile_id AND date(ev.at) = date(sess.start_time)
			     AND ev.kind IN ('app-blocked', 'web-blocked', 'command-blocked', 'time-limit-hit', 'window-closed')) AS block_count,
			(SELECT COUNT(*) FROM events ev
			   WHERE ev.profile_id = sess.profile_id AND date(ev.at) = date(sess.start_time)
			     AND ev.kind = 'time-warning') AS warning_count
		FROM sessions sess
		WHERE sess.end_time IS NOT NULL AND sess.end_time < ?
		GROUP BY sess.profile_id, date(sess.start_time)`,
		cutoff)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "aggregating daily summaries", err)
	}
	for _, r := range rows {
		if err := s.UpsertDailySummary(ctx, r.toDomain()); err != nil {
			return err
		}
	}
	return nil
}
