package store

import (
	"context"
	"crypto/subtle"
	"database/sql"

	"golang.org/x/crypto/argon2"

	"github.com/childguard/daemon/internal/errs"
)

const adminUsername = "parent"

// SetParentPassword (re)sets the single admin password, hashed with
// Argon2id under a freshly generated per-call salt. There is exactly one
// admin account, named after domain.ReservedSystemUser.
func (s *Store) SetParentPassword(ctx context.Context, passphrase string) error {
	salt, err := newSalt()
	if err != nil {
		return err
	}
	hash := argon2.IDKey([]byte(passphrase), salt, s.cfg.KDFIterations, s.cfg.KDFMemoryKiB, s.cfg.KDFParallelism, argonKeyLen)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admin_users (username, password_hash, salt) VALUES (?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash, salt = excluded.salt`,
		adminUsername, hash, salt)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "setting parent password", err)
	}
	return nil
}

// VerifyParentPassword checks passphrase against the stored hash using a
// constant-time comparison.
func (s *Store) VerifyParentPassword(ctx context.Context, passphrase string) (bool, error) {
	var hash, salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT password_hash, salt FROM admin_users WHERE username = ?`, adminUsername).
		Scan(&hash, &salt)
	if err == sql.ErrNoRows {
		return false, errs.New(errs.CodeNotAuthenticated, "no parent password has been set")
	}
	if err != nil {
		return false, errs.Wrap(errs.CodeStoreUnavailable, "reading parent password", err)
	}
	candidate := argon2.IDKey([]byte(passphrase), salt, s.cfg.KDFIterations, s.cfg.KDFMemoryKiB, s.cfg.KDFParallelism, argonKeyLen)
	return subtle.ConstantTimeCompare(hash, candidate) == 1, nil
}
