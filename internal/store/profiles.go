package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

type profileRow struct {
	ID         string    `db:"id"`
	Name       string    `db:"name"`
	AgeBand    string    `db:"age_band"`
	SystemUser string    `db:"system_user"`
	State      string    `db:"state"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r profileRow) toDomain() *domain.Profile {
	return &domain.Profile{
		ID:         r.ID,
		Name:       r.Name,
		AgeBand:    domain.AgeBand(r.AgeBand),
		SystemUser: r.SystemUser,
		State:      domain.ProfileState(r.State),
		CreatedAt:  r.CreatedAt,
	}
}

// CreateProfile inserts a new profile. SystemUser must be unique across
// all profiles and never equal domain.ReservedSystemUser.
func (s *Store) CreateProfile(ctx context.Context, p *domain.Profile) error {
	if p.SystemUser == domain.ReservedSystemUser {
		return errs.New(errs.CodeInvariantViolation, "system user \"parent\" is reserved and cannot back a profile")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (id, name, age_band, system_user, state, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.AgeBand, p.SystemUser, p.State, p.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "inserting profile", err)
	}
	return nil
}

// GetProfile returns the profile with the given id.
func (s *Store) GetProfile(ctx context.Context, id string) (*domain.Profile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM profiles WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeProfileNotFound, "no profile with id "+id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying profile", err)
	}
	return row.toDomain(), nil
}

// GetProfileBySystemUser resolves the profile bound to a Linux account
// name; callers must special-case domain.ReservedSystemUser themselves.
func (s *Store) GetProfileBySystemUser(ctx context.Context, systemUser string) (*domain.Profile, error) {
	var row profileRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM profiles WHERE system_user = ?`, systemUser)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodeProfileNotFound, "no profile for system user "+systemUser)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying profile by system user", err)
	}
	return row.toDomain(), nil
}

// ListActiveProfiles returns every profile currently in the active state.
func (s *Store) ListActiveProfiles(ctx context.Context) ([]*domain.Profile, error) {
	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM profiles WHERE state = ?`, domain.ProfileActive); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "listing active profiles", err)
	}
	out := make([]*domain.Profile, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// SetProfileState transitions a profile's lifecycle state.
func (s *Store) SetProfileState(ctx context.Context, id string, state domain.ProfileState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE profiles SET state = ? WHERE id = ?`, state, id)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "updating profile state", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.CodeProfileNotFound, "no profile with id "+id)
	}
	return nil
}
