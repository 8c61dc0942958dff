package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSqliteDB_Memory_Defaults(t *testing.T) {
	database, err := NewSqliteDB()
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT);")
	require.NoError(t, err)
}

func TestNewSqliteDB_File_CreatesParent(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "nested", "state.db")

	database, err := NewSqliteDB(WithPath(dbPath))
	require.NoError(t, err)
	defer database.Close()

	assert.DirExists(t, filepath.Dir(dbPath))
}

func TestNewSqliteDB_CustomPragmas_AllowsOverride(t *testing.T) {
	database, err := NewSqliteDB(WithPragmas("PRAGMA journal_mode=WAL;"))
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE t2 (id INTEGER PRIMARY KEY);")
	assert.NoError(t, err)
}

func TestNewSqliteDB_SingleWriter(t *testing.T) {
	tmp := t.TempDir()
	database, err := NewSqliteDB(
		WithPath(filepath.Join(tmp, "state.db")),
		WithMaxOpenConns(1),
	)
	require.NoError(t, err)
	defer database.Close()

	_, err = database.Exec("CREATE TABLE files (id TEXT PRIMARY KEY, state TEXT);")
	require.NoError(t, err)
	_, err = database.Exec("INSERT INTO files (id, state) VALUES ('a', 'synced');")
	require.NoError(t, err)

	var state string
	err = database.Get(&state, "SELECT state FROM files WHERE id = 'a'")
	require.NoError(t, err)
	assert.Equal(t, "synced", state)
}
