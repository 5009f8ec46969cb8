package db_test

import (
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vrsandeep/pplx-kit/internal/db"
	"github.com/vrsandeep/pplx-kit/internal/testutil"
)

func TestKVStoreTableExists(t *testing.T) {
	database := testutil.SetupTestDB(t)

	_, err := database.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "plugin:a:enabled", "true")
	require.NoError(t, err)

	var value string
	require.NoError(t, database.QueryRow("SELECT value FROM kv_store WHERE key = ?", "plugin:a:enabled").Scan(&value))
	assert.Equal(t, "true", value)

	// Keys are unique.
	_, err = database.Exec("INSERT INTO kv_store (key, value) VALUES (?, ?)", "plugin:a:enabled", "false")
	assert.Error(t, err)
}

func TestMigrate_FileDatabaseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pplx.db")
	database, err := db.Open(path)
	require.NoError(t, err)
	defer database.Close()

	first, err := db.Migrate(database, nil)
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	second, err := db.Migrate(database, nil)
	require.NoError(t, err, "second run should be a no-op")
	assert.Equal(t, first, second)
	assert.FileExists(t, path)
}

func TestMigrateFrom_BrokenMigration(t *testing.T) {
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	defer database.Close()

	fsys := fstest.MapFS{
		"m/000001_broken.up.sql":   {Data: []byte("CREATE TABLE oops (")},
		"m/000001_broken.down.sql": {Data: []byte("")},
	}
	_, err = db.MigrateFrom(database, fsys, "m", nil)
	assert.ErrorContains(t, err, "applying migrations")
}
