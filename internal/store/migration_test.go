package store

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/childguard/daemon/internal/errs"
)

func TestRunMigrationsWrapsDriverFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// sqlmock has no real sqlite3 behind it, so constructing the
	// golang-migrate sqlite3 driver against it fails immediately — this
	// exercises the CodeSchemaMismatch wrapping path without needing a
	// corrupt on-disk database fixture.
	mock.MatchExpectationsInOrder(false)

	err = runMigrations(db, "mock.db")
	assert.Error(t, err)
	assert.Equal(t, errs.CodeSchemaMismatch, errs.CodeOf(err))
}
