package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

// maxPolicyBytes bounds a single encoded policy document; a hostile or
// buggy admin client submitting an unbounded windows/rules list should not
// be able to balloon the database or the engine's compiled snapshot.
const maxPolicyBytes = 256 * 1024

type policyRow struct {
	ProfileID    string    `db:"profile_id"`
	Version      int64     `db:"version"`
	BudgetJSON   []byte    `db:"budget_json"`
	WindowsJSON  []byte    `db:"windows_json"`
	AppsJSON     []byte    `db:"apps_json"`
	WebJSON      []byte    `db:"web_json"`
	TerminalJSON []byte    `db:"terminal_json"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r policyRow) toDomain() (*domain.Policy, error) {
	p := &domain.Policy{ProfileID: r.ProfileID, Version: r.Version}
	if err := json.Unmarshal(r.BudgetJSON, &p.Budget); err != nil {
		return nil, errs.Wrap(errs.CodeStoreCorrupt, "decoding policy budget", err)
	}
	if err := json.Unmarshal(r.WindowsJSON, &p.Windows); err != nil {
		return nil, errs.Wrap(errs.CodeStoreCorrupt, "decoding policy windows", err)
	}
	if err := json.Unmarshal(r.AppsJSON, &p.Apps); err != nil {
		return nil, errs.Wrap(errs.CodeStoreCorrupt, "decoding policy apps rule", err)
	}
	if err := json.Unmarshal(r.WebJSON, &p.Web); err != nil {
		return nil, errs.Wrap(errs.CodeStoreCorrupt, "decoding policy web rule", err)
	}
	if err := json.Unmarshal(r.TerminalJSON, &p.Terminal); err != nil {
		return nil, errs.Wrap(errs.CodeStoreCorrupt, "decoding policy terminal rule", err)
	}
	return p, nil
}

// PutPolicy inserts a new policy version. Versions must be strictly
// increasing per profile; PutPolicy enforces this within the same
// transaction that reads the current maximum version, preventing a race
// between concurrent admin-API writers.
func (s *Store) PutPolicy(ctx context.Context, p *domain.Policy) error {
	if err := p.Validate(); err != nil {
		return errs.Wrap(errs.CodePolicyInvalid, "validating policy before persist", err)
	}

	budget, err := json.Marshal(p.Budget)
	if err != nil {
		return errs.Wrap(errs.CodePolicyInvalid, "encoding budget", err)
	}
	windows, err := json.Marshal(p.Windows)
	if err != nil {
		return errs.Wrap(errs.CodePolicyInvalid, "encoding windows", err)
	}
	apps, err := json.Marshal(p.Apps)
	if err != nil {
		return errs.Wrap(errs.CodePolicyInvalid, "encoding apps rule", err)
	}
	web, err := json.Marshal(p.Web)
	if err != nil {
		return errs.Wrap(errs.CodePolicyInvalid, "encoding web rule", err)
	}
	terminal, err := json.Marshal(p.Terminal)
	if err != nil {
		return errs.Wrap(errs.CodePolicyInvalid, "encoding terminal rule", err)
	}
	total := len(budget) + len(windows) + len(apps) + len(web) + len(terminal)
	if total > maxPolicyBytes {
		return errs.New(errs.CodePolicyTooLarge, "encoded policy exceeds size limit")
	}

	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var current sql.NullInt64
		if err := tx.GetContext(ctx, &current, `SELECT MAX(version) FROM policies WHERE profile_id = ?`, p.ProfileID); err != nil {
			return errs.Wrap(errs.CodeStoreUnavailable, "reading current policy version", err)
		}
		if current.Valid && p.Version <= current.Int64 {
			return errs.New(errs.CodePolicyInvalid, "policy version must be strictly greater than the current version")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO policies (profile_id, version, budget_json, windows_json, apps_json, web_json, terminal_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ProfileID, p.Version, budget, windows, apps, web, terminal, time.Now())
		if err != nil {
			return errs.Wrap(errs.CodeStoreUnavailable, "inserting policy", err)
		}
		return nil
	})
}

// CurrentPolicy returns the highest-versioned policy for profileID.
func (s *Store) CurrentPolicy(ctx context.Context, profileID string) (*domain.Policy, error) {
	var row policyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM policies WHERE profile_id = ? ORDER BY version DESC LIMIT 1`, profileID)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.CodePolicyInvalid, "no policy exists for profile "+profileID)
	}
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying current policy", err)
	}
	return row.toDomain()
}

// PolicyVersions lists every historical policy version for a profile,
// newest first, read directly from SQLite.
func (s *Store) PolicyVersions(ctx context.Context, profileID string) ([]int64, error) {
	var versions []int64
	if err := s.db.SelectContext(ctx, &versions,
		`SELECT version FROM policies WHERE profile_id = ? ORDER BY version DESC`, profileID); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "listing policy versions", err)
	}
	return versions, nil
}
