package store

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

type exceptionRow struct {
	ID                    string    `db:"id"`
	ProfileID             string    `db:"profile_id"`
	Kind                  string    `db:"kind"`
	Target                string    `db:"target"`
	GrantedAt             time.Time `db:"granted_at"`
	ValidUntil            time.Time `db:"valid_until"`
	ExtraSecondsRemaining int64     `db:"extra_seconds_remaining"`
	GrantedBy             string    `db:"granted_by"`
}

func (r exceptionRow) toDomain() *domain.Exception {
	return &domain.Exception{
		ID: r.ID, ProfileID: r.ProfileID, Kind: domain.ExceptionKind(r.Kind), Target: r.Target,
		GrantedAt: r.GrantedAt, ValidUntil: r.ValidUntil,
		ExtraSecondsRemaining: r.ExtraSecondsRemaining, GrantedBy: r.GrantedBy,
	}
}

// GrantException persists a new parent-granted exception.
func (s *Store) GrantException(ctx context.Context, e *domain.Exception) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO exceptions (id, profile_id, kind, target, granted_at, valid_until, extra_seconds_remaining, granted_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProfileID, e.Kind, e.Target, e.GrantedAt, e.ValidUntil, e.ExtraSecondsRemaining, e.GrantedBy)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "granting exception", err)
	}
	return nil
}

// ActiveExceptions returns every exception for a profile still valid at
// asOf (ValidUntil >= asOf), including consuming grants with zero balance
// remaining — callers apply domain.Exception.Active for the full
// predicate, since a zero-balance ExtraTime grant is expired in effect
// but still useful for audit display.
func (s *Store) ActiveExceptions(ctx context.Context, profileID string, asOf time.Time) ([]*domain.Exception, error) {
	var rows []exceptionRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM exceptions WHERE profile_id = ? AND valid_until >= ? ORDER BY granted_at ASC`,
		profileID, asOf)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying active exceptions", err)
	}
	out := make([]*domain.Exception, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// RevokeException ends an exception immediately by setting its
// valid-until to the current time, rather than deleting the row — the
// audit trail of what was granted and when it was revoked is retained.
func (s *Store) RevokeException(ctx context.Context, exceptionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE exceptions SET valid_until = ? WHERE id = ?`, at, exceptionID)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "revoking exception", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.CodeProfileNotFound, "no such exception")
	}
	return nil
}

// ConsumeExtraTime decrements an ExtraTime exception's remaining balance
// by secondsSpent, clamped at zero, within a transaction so concurrent
// engine ticks for the same profile cannot double-spend the grant.
func (s *Store) ConsumeExtraTime(ctx context.Context, exceptionID string, secondsSpent int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var remaining int64
		if err := tx.GetContext(ctx, &remaining,
			`SELECT extra_seconds_remaining FROM exceptions WHERE id = ?`, exceptionID); err != nil {
			return errs.Wrap(errs.CodeStoreUnavailable, "reading exception balance", err)
		}
		remaining -= secondsSpent
		if remaining < 0 {
			remaining = 0
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE exceptions SET extra_seconds_remaining = ? WHERE id = ?`, remaining, exceptionID); err != nil {
			return errs.Wrap(errs.CodeStoreUnavailable, "updating exception balance", err)
		}
		return nil
	})
}
