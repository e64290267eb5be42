// Package db tests for database migration management.
package db

import (
	"database/sql"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
)

func memoryDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"V1__widgets.up.sql":   {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
		"V1__widgets.down.sql": {Data: []byte("DROP TABLE widgets;")},
		"V2__gadgets.up.sql":   {Data: []byte("CREATE TABLE gadgets (id TEXT PRIMARY KEY);")},
		"V2__gadgets.down.sql": {Data: []byte("DROP TABLE gadgets;")},
		"README.md":            {Data: []byte("not a migration")},
		"Vx__broken.up.sql":    {Data: []byte("ignored")},
	}
}

func tableExists(t *testing.T, db *sql.DB, name string) bool {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n))
	return n == 1
}

// TestUp_appliesInOrder verifies pending migrations are applied and recorded.
func TestUp_appliesInOrder(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())

	require.NoError(t, m.Up())
	assert.True(t, tableExists(t, db, "widgets"))
	assert.True(t, tableExists(t, db, "gadgets"))

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	applied, err := m.GetAppliedMigrations()
	require.NoError(t, err)
	require.Len(t, applied, 2)
	assert.Equal(t, "widgets", applied[0].Description)
	assert.Len(t, applied[0].Checksum, 64)

	require.NoError(t, m.Up(), "re-running is a no-op")
}

// TestUp_noMigrations verifies Up succeeds when no migrations exist.
func TestUp_noMigrations(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, fstest.MapFS{})

	require.NoError(t, m.Up())
	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
}

// TestUp_detectsModifiedMigration verifies checksum drift is rejected.
func TestUp_detectsModifiedMigration(t *testing.T) {
	db := memoryDB(t)
	files := testMigrations()
	require.NoError(t, NewMigrator(db, files).Up())

	files["V1__widgets.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT);")}
	err := NewMigrator(db, files).Up()
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))
}

// TestUp_failedMigrationIsNotRecorded verifies a broken migration leaves no record.
func TestUp_failedMigrationIsNotRecorded(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, fstest.MapFS{
		"V1__bad.up.sql": {Data: []byte("CREATE TABLE oops (")},
	})

	err := m.Up()
	assert.True(t, apperrors.Is(err, apperrors.ErrMigration))

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Zero(t, version)
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, testMigrations())
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "gadgets"))
	assert.True(t, tableExists(t, db, "widgets"))

	version, err := m.CurrentVersion()
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

// TestDown_noMigrations verifies error when no migrations to rollback.
func TestDown_noMigrations(t *testing.T) {
	m := NewMigrator(memoryDB(t), testMigrations())
	assert.Error(t, m.Down())
}

// TestEmbeddedMigrations verifies the shipped schema applies cleanly.
func TestEmbeddedMigrations(t *testing.T) {
	db := memoryDB(t)
	m := NewMigrator(db, Migrations())

	require.NoError(t, m.Up())
	assert.True(t, tableExists(t, db, "sync_queue"))
	assert.True(t, tableExists(t, db, "read_cache"))

	require.NoError(t, m.Down())
	require.NoError(t, m.Down())
	assert.False(t, tableExists(t, db, "sync_queue"))
}
