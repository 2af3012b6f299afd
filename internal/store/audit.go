package store

import (
	"context"
	"time"

	"github.com/childguard/daemon/internal/domain"
	"github.com/childguard/daemon/internal/errs"
)

type auditRow struct {
	ID         string    `db:"id"`
	At         time.Time `db:"at"`
	Caller     string    `db:"caller"`
	Operation  string    `db:"operation"`
	ParamsHash string    `db:"params_hash"`
	Success    bool      `db:"success"`
	OldVersion int64     `db:"old_version"`
	NewVersion int64     `db:"new_version"`
}

func (r auditRow) toDomain() *domain.AuditRecord {
	return &domain.AuditRecord{
		ID: r.ID, At: r.At, Caller: r.Caller, Operation: r.Operation,
		ParamsHash: r.ParamsHash, Success: r.Success,
		OldVersion: r.OldVersion, NewVersion: r.NewVersion,
	}
}

// AppendAudit records an immutable audit entry for one admin operation.
// It writes through the store's own connection and cannot join a WithTx
// transaction, so the audit row is not atomic with the operation's write.
func (s *Store) AppendAudit(ctx context.Context, a *domain.AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, at, caller, operation, params_hash, success, old_version, new_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.At, a.Caller, a.Operation, a.ParamsHash, a.Success, a.OldVersion, a.NewVersion)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "appending audit record", err)
	}
	return nil
}

// QueryAudit returns the most recent audit records, newest first.
func (s *Store) QueryAudit(ctx context.Context, limit int) ([]*domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT * FROM audit_records ORDER BY at DESC LIMIT ?`), limit); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "querying audit records", err)
	}
	out := make([]*domain.AuditRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}
