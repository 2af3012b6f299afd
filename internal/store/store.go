// Package store is the system of record: a SQLite database accessed
// through sqlx, with schema migrations managed by golang-migrate and a
// derived graph secondary index written alongside it. A key is derived
// from the install passphrase at Open, but no table or column is
// encrypted with it: the database file is stored unencrypted. No
// component outside this package touches the database directly,
// mirroring the teacher's single-SQLiteDB-owner pattern.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"

	"github.com/childguard/daemon/internal/config"
	"github.com/childguard/daemon/internal/errs"
	"github.com/childguard/daemon/internal/store/graph"
	"github.com/childguard/daemon/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the single SQLite connection, the derived encryption key and
// the background retention job. All profile/policy/session/activity/
// event/exception operations are methods on *Store.
type Store struct {
	db     *sqlx.DB
	cfg    config.StoreConfig
	log    logger.Logger
	mu     sync.RWMutex
	key    [32]byte
	cron   *cron.Cron
	graph  *graph.GraphIndex
}

// Open connects to (creating if absent) the SQLite database at
// cfg.Path, running pending migrations, and starts the retention cron job.
// passphrase is the install-level secret the derived key is rooted in; it
// is never persisted.
func Open(ctx context.Context, cfg config.StoreConfig, passphrase string, log logger.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "creating store directory", err)
	}

	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "opening sqlite database", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 + WAL: single writer, serialize through one conn like the teacher does

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "pinging sqlite database", err)
	}

	if err := runMigrations(db.DB, cfg.Path); err != nil {
		db.Close()
		return nil, err
	}

	salt, err := loadOrCreateSalt(filepath.Join(filepath.Dir(cfg.Path), "kdf.salt"))
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:   db,
		cfg:  cfg,
		log:  log.With("store"),
		key:  deriveKey(passphrase, salt, cfg.KDFMemoryKiB, cfg.KDFIterations, cfg.KDFParallelism),
		cron: cron.New(),
	}

	gi, err := graph.OpenGraph(cfg.GraphPath, s.log)
	if err != nil {
		// The graph index is a derived, rebuildable secondary index, not the
		// system of record — failing to open it should not prevent the
		// primary store from serving writes and reads.
		s.log.Warn("graph index unavailable, continuing without it", "error", err)
	} else {
		s.graph = gi
	}

	if _, err := s.cron.AddFunc(cfg.ArchiveCron, s.runRetention); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.CodeConfigInvalid, "invalid archive_cron expression", err)
	}
	s.cron.Start()

	return s, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "persisting kdf salt", err)
	}
	return salt, nil
}

func runMigrations(db *sql.DB, path string) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return errs.Wrap(errs.CodeSchemaMismatch, "constructing migration driver", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errs.Wrap(errs.CodeSchemaMismatch, "reading embedded migrations", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errs.Wrap(errs.CodeSchemaMismatch, "constructing migrator", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return errs.Wrap(errs.CodeSchemaMismatch, "applying migrations to "+path, err)
	}
	return nil
}

// WithTx runs fn inside a single transaction, rolling back on any error or
// panic and committing otherwise — the teacher's transaction helper,
// carried over unchanged in shape.
func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "beginning transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "committing transaction", err)
	}
	return nil
}

// Ping reports whether the store is reachable, for admin health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "store ping failed", err)
	}
	return nil
}

// Close stops the retention cron, the graph index and the connection.
func (s *Store) Close() error {
	ctx := s.cron.Stop()
	<-ctx.Done()
	if s.graph != nil {
		s.graph.Close()
	}
	if err := s.db.Close(); err != nil {
		return errs.Wrap(errs.CodeStoreUnavailable, "closing store", err)
	}
	return nil
}

// runRetention copies the whole database into a dated archive file and
// then deletes events older than cfg.RetentionDays (except those of a
// profile with an open session), following the teacher's
// archive-then-delete pattern. Sessions and activities are not deleted.
func (s *Store) runRetention() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)
	archivePath := filepath.Join(s.cfg.ArchivePath, fmt.Sprintf("archive-%s.db", time.Now().Format("2006-01")))
	if err := os.MkdirAll(s.cfg.ArchivePath, 0o750); err != nil {
		s.log.Error("retention: creating archive directory", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := s.preAggregateDaily(ctx, cutoff); err != nil {
		s.log.Error("retention: pre-aggregating daily summaries", "error", err)
		return
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", archivePath); err != nil {
		s.log.Error("retention: archiving snapshot", "error", err)
		return
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE at < ? AND profile_id NOT IN (SELECT profile_id FROM sessions WHERE end_time IS NULL)`,
		cutoff)
	if err != nil {
		s.log.Error("retention: deleting expired events", "error", err)
		return
	}
	n, _ := res.RowsAffected()
	s.log.Info("retention cycle complete", "archived_to", archivePath, "events_deleted", n, "cutoff", cutoff)
}
