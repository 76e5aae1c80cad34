package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openRawSQLite(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := sql.Open("sqlite", t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func TestMigrate(t *testing.T) {
	t.Run("fresh database applies all migrations", func(t *testing.T) {
		conn := openRawSQLite(t)
		require.NoError(t, Migrate(conn))

		rows, err := conn.Query("SELECT version FROM schema_migrations ORDER BY version")
		require.NoError(t, err)
		defer rows.Close()
		versions := []int{}
		for rows.Next() {
			var v int
			require.NoError(t, rows.Scan(&v))
			versions = append(versions, v)
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, []int{1, 2}, versions)
	})

	t.Run("idempotent - re-running is safe", func(t *testing.T) {
		conn := openRawSQLite(t)
		require.NoError(t, Migrate(conn))
		require.NoError(t, Migrate(conn))

		var count int
		require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count))
		assert.Equal(t, len(migrations), count)
	})

	t.Run("creates tables and indexes", func(t *testing.T) {
		conn := openRawSQLite(t)
		require.NoError(t, Migrate(conn))

		for _, table := range []string{"vm_collections", "vm_events"} {
			var count int
			err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "table %s should exist", table)
		}
		for _, index := range []string{"idx_vm_collections_expires", "idx_vm_events_vm", "idx_vm_events_ts"} {
			var count int
			err := conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", index).Scan(&count)
			require.NoError(t, err)
			assert.Equal(t, 1, count, "index %s should exist", index)
		}
	})

	t.Run("unknown applied version is rejected", func(t *testing.T) {
		conn := openRawSQLite(t)
		require.NoError(t, Migrate(conn))
		_, err := conn.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (99, 'future', datetime('now'))")
		require.NoError(t, err)
		assert.EqualError(t, Migrate(conn), "unknown schema migration version 99")
	})

	t.Run("nil db", func(t *testing.T) {
		assert.EqualError(t, Migrate(nil), "db is nil")
	})
}

func TestPartialMigration(t *testing.T) {
	conn := openRawSQLite(t)
	_, err := conn.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	first := migrations[0]
	for _, stmt := range first.statements {
		_, err = conn.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = conn.Exec("INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, datetime('now'))", first.version, first.name)
	require.NoError(t, err)

	require.NoError(t, Migrate(conn))

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='vm_events'").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestMigrationDefinitions(t *testing.T) {
	require.NoError(t, validateMigrations())
	for i, m := range migrations {
		assert.Equal(t, i+1, m.version, "migration %d should have version %d", i, i+1)
		assert.NotEmpty(t, m.name, "migration %d should have a name", m.version)
		assert.NotEmpty(t, m.statements, "migration %d should have statements", m.version)
	}
}
