package cursor_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE refresh_state (
		entity_id TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		originator_id INTEGER NOT NULL,
		sequence_id INTEGER NOT NULL,
		PRIMARY KEY (entity_id, entity_kind, originator_id)
	)`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestGetLastCursor_InsertsDefaultOnFirstRead(t *testing.T) {
	db := openTestDB(t)
	m := cursor.New(cursor.NewRepository())
	ctx := context.Background()

	c, err := m.GetLastCursor(ctx, db, "group-1", model.EntityCommitMessage, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(0), c.SequenceID)

	// A second read must observe the same persisted default, not insert
	// a duplicate or error on the primary key.
	c2, err := m.GetLastCursor(ctx, db, "group-1", model.EntityCommitMessage, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(0), c2.SequenceID)
}

func TestUpdateCursor_OnlyAppliesWhenStrictlyGreater(t *testing.T) {
	db := openTestDB(t)
	m := cursor.New(cursor.NewRepository())
	ctx := context.Background()

	applied, err := m.UpdateCursor(ctx, db, model.Cursor{EntityID: "g1", EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 5})
	require.NoError(t, err)
	require.True(t, applied)

	// Equal sequence_id must not apply.
	applied, err = m.UpdateCursor(ctx, db, model.Cursor{EntityID: "g1", EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 5})
	require.NoError(t, err)
	require.False(t, applied)

	// Lesser sequence_id must not apply.
	applied, err = m.UpdateCursor(ctx, db, model.Cursor{EntityID: "g1", EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 3})
	require.NoError(t, err)
	require.False(t, applied)

	// Strictly greater applies.
	applied, err = m.UpdateCursor(ctx, db, model.Cursor{EntityID: "g1", EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 9})
	require.NoError(t, err)
	require.True(t, applied)

	got, err := m.GetLastCursor(ctx, db, "g1", model.EntityCommitMessage, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(9), got.SequenceID)
}

func TestGetLastCursorForOriginators_PreservesInputOrder(t *testing.T) {
	db := openTestDB(t)
	m := cursor.New(cursor.NewRepository())
	ctx := context.Background()

	_, err := m.UpdateCursor(ctx, db, model.Cursor{EntityID: "g1", EntityKind: model.EntityWelcomeMessage, OriginatorID: 2, SequenceID: 42})
	require.NoError(t, err)

	got, err := m.GetLastCursorForOriginators(ctx, db, "g1", model.EntityWelcomeMessage, []uint32{3, 2, 1})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint32(3), got[0].OriginatorID)
	require.Equal(t, uint64(0), got[0].SequenceID)
	require.Equal(t, uint32(2), got[1].OriginatorID)
	require.Equal(t, uint64(42), got[1].SequenceID)
	require.Equal(t, uint32(1), got[2].OriginatorID)
	require.Equal(t, uint64(0), got[2].SequenceID)
}

func TestGetLastCursorForIDs_MergesAcrossChunks(t *testing.T) {
	db := openTestDB(t)
	m := cursor.New(cursor.NewRepository())
	ctx := context.Background()

	ids := make([]string, 0, 1200)
	for i := 0; i < 1200; i++ {
		id := "group-" + string(rune('a'+i%26)) + string(rune('A'+(i/26)%26))
		ids = append(ids, id)
	}

	_, err := m.UpdateCursor(ctx, db, model.Cursor{EntityID: ids[0], EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 10})
	require.NoError(t, err)
	_, err = m.UpdateCursor(ctx, db, model.Cursor{EntityID: ids[1100], EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 20})
	require.NoError(t, err)

	result, err := m.GetLastCursorForIDs(ctx, db, ids, []model.EntityKind{model.EntityCommitMessage})
	require.NoError(t, err)
	require.Equal(t, uint64(10), result[ids[0]][1])
	require.Equal(t, uint64(20), result[ids[1100]][1])
}

func distinctIDs(n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := "group-" + string(rune('a'+i%26)) + string(rune('A'+(i/26)%26)) + string(rune('0'+(i/676)%10))
		ids = append(ids, id)
	}

	return ids
}

// TestGetLastCursorForIDs_ChunkBoundaries exercises id counts that land
// exactly on and just past a MaxChunkBindings boundary (900), plus a count
// that spans two full chunks, to catch off-by-one errors in chunkStrings.
func TestGetLastCursorForIDs_ChunkBoundaries(t *testing.T) {
	for _, n := range []int{900, 901, 1800, 2000} {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			db := openTestDB(t)
			m := cursor.New(cursor.NewRepository())
			ctx := context.Background()

			ids := distinctIDs(n)

			first, last := ids[0], ids[n-1]
			_, err := m.UpdateCursor(ctx, db, model.Cursor{EntityID: first, EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 10})
			require.NoError(t, err)
			_, err = m.UpdateCursor(ctx, db, model.Cursor{EntityID: last, EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 20})
			require.NoError(t, err)

			result, err := m.GetLastCursorForIDs(ctx, db, ids, []model.EntityKind{model.EntityCommitMessage})
			require.NoError(t, err)
			require.Equal(t, uint64(10), result[first][1])
			require.Equal(t, uint64(20), result[last][1])
		})
	}
}

func TestLatestCursorForID_TakesMaxAcrossKinds(t *testing.T) {
	db := openTestDB(t)
	m := cursor.New(cursor.NewRepository())
	ctx := context.Background()

	_, err := m.UpdateCursor(ctx, db, model.Cursor{EntityID: "g1", EntityKind: model.EntityCommitMessage, OriginatorID: 1, SequenceID: 5})
	require.NoError(t, err)
	_, err = m.UpdateCursor(ctx, db, model.Cursor{EntityID: "g1", EntityKind: model.EntityWelcomeMessage, OriginatorID: 1, SequenceID: 11})
	require.NoError(t, err)

	got, err := m.LatestCursorForID(ctx, db, "g1", []model.EntityKind{model.EntityCommitMessage, model.EntityWelcomeMessage}, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(11), got[1])
}
