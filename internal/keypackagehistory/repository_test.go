package keypackagehistory_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/keypackagehistory"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE key_package_history (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			installation_id TEXT NOT NULL,
			hash_ref        BLOB NOT NULL,
			created_at_ns   INTEGER NOT NULL,
			consumed        INTEGER NOT NULL DEFAULT 0
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestMarkConsumedForInstallation_ConsumesOldestFirst(t *testing.T) {
	db := openTestDB(t)
	repo := keypackagehistory.NewRepository()
	ctx := context.Background()

	_, err := repo.Insert(ctx, db, "inst-1", []byte("older"), 10)
	require.NoError(t, err)
	_, err = repo.Insert(ctx, db, "inst-1", []byte("newer"), 20)
	require.NoError(t, err)

	ok, err := repo.MarkConsumedForInstallation(ctx, db, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)

	entries, err := repo.ListForInstallation(ctx, db, "inst-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].Consumed)
	require.Equal(t, []byte("older"), entries[0].HashRef)
	require.False(t, entries[1].Consumed)
}

func TestMarkConsumedForInstallation_NoUnconsumedReturnsFalse(t *testing.T) {
	db := openTestDB(t)
	repo := keypackagehistory.NewRepository()
	ctx := context.Background()

	ok, err := repo.MarkConsumedForInstallation(ctx, db, "inst-missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkConsumedForInstallation_DoesNotDoubleConsume(t *testing.T) {
	db := openTestDB(t)
	repo := keypackagehistory.NewRepository()
	ctx := context.Background()

	_, err := repo.Insert(ctx, db, "inst-1", []byte("only"), 10)
	require.NoError(t, err)

	ok, err := repo.MarkConsumedForInstallation(ctx, db, "inst-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.MarkConsumedForInstallation(ctx, db, "inst-1")
	require.NoError(t, err)
	require.False(t, ok)
}
