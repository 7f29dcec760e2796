// Package storetest opens throwaway databases for tests.
package storetest

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zuri-labs/zuri/internal/store"
)

// Open returns a migrated database in a temp dir, closed on test cleanup.
func Open(t testing.TB) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "zuri.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}
