package pipeline

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/pkg/store"
)

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// sqlite in-memory DBs are per-connection.
	db.SetMaxOpenConns(1)

	s, err := store.NewWithDB(db, "sqlite")
	require.NoError(t, err)
	return s
}
