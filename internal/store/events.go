package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

type eventRow struct {
	ID        string    `db:"id"`
	ProfileID string    `db:"profile_id"`
	SessionID string    `db:"session_id"`
	Kind      string    `db:"kind"`
	At        time.Time `db:"at"`
	Detail    []byte    `db:"detail"`
}

func (r eventRow) toDomain() *domain.Event {
	return &domain.Event{
		ID: r.ID, ProfileID: r.ProfileID, SessionID: r.SessionID,
		Kind: domain.EventKind(r.Kind), At: r.At, Detail: string(r.Detail),
	}
}

// AppendEvent records a durable event. It writes through the store's own
// connection and cannot join a WithTx transaction, so the event is not
// atomic with any session-closing/accounting update it's paired with
// (e.g. time-limit-hit alongside CloseSession).
func (s *Store) AppendEvent(ctx context.Context, e *domain.Event) error {
	if e.Detail != "" && !json.Valid([]byte(e.Detail)) {
		return errs.New(errs.CodeStoreUnavailable, "event detail is not valid JSON")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, profile_id, session_id, kind, at, detail)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProfileID, e.SessionID, e.Kind, e.At, []byte(e.Detail))
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "appending event", err)
	}
	if s.graph != nil {
		_ = s.graph.UpsertProfile(e.ProfileID, "")
	}
	return nil
}

// EventFilter narrows a QueryEvents call. Any zero-valued field is
// unconstrained. DetailPath/DetailValue, when both set, match using a
// gjson path expression against the stored JSON detail blob instead of a
// bespoke filter parser.
type EventFilter struct {
	ProfileID   string
	Kind        domain.EventKind
	Since       time.Time
	Until       time.Time
	DetailPath  string
	DetailValue string
	Limit       int
}

// QueryEvents returns events matching filter, most recent first.
func (s *Store) QueryEvents(ctx context.Context, filter EventFilter) ([]*domain.Event, error) {
	query := `SELECT * FROM events WHERE 1=1`
	var args []interface{}
	if filter.ProfileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, filter.ProfileID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if !filter.Since.IsZero() {
		query += ` AND at >= ?`
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		query += ` AND at <= ?`
		args = append(args, filter.Until)
	}
	query += ` ORDER BY at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying events", err)
	}

	events := make([]*domain.Event, 0, len(rows))
	for _, r := range rows {
		if filter.DetailPath != "" {
			v := gjson.GetBytes(r.Detail, filter.DetailPath)
			if !v.Exists() || v.String() != filter.DetailValue {
				continue
			}
		}
		events = append(events, r.toDomain())
	}
	return events, nil
}
