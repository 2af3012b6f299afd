package domain

import "time"

// AuditRecord is the immutable trail of every admin operation, per
// spec.md §6: time, caller identity, operation, a hash of parameters
// (never the raw parameters — a policy body or passphrase must never be
// replayed verbatim from the audit log), success/failure, and for policy
// updates the old->new version pair.
type AuditRecord struct {
	ID         string
	At         time.Time
	Caller     string
	Operation  string
	ParamsHash string
	Success    bool
	OldVersion int64
	NewVersion int64
}
