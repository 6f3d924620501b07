package intentstore_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/intentstore"
	"github.com/meshline/groupcore/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE group_intents (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id            TEXT NOT NULL,
			kind                TEXT NOT NULL,
			data                BLOB NOT NULL,
			state               TEXT NOT NULL,
			payload_hash        BLOB,
			post_commit_data    BLOB,
			staged_commit       BLOB,
			published_in_epoch  INTEGER,
			publish_attempts    INTEGER NOT NULL DEFAULT 0,
			should_push         INTEGER NOT NULL DEFAULT 0,
			sequence_id         INTEGER,
			originator_id       INTEGER
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestQueue_InsertsToPublish(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	id, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("data"), true)
	require.NoError(t, err)
	require.NotZero(t, id)

	found, err := repo.FindByStates(ctx, db, "group-1", []model.IntentState{model.IntentToPublish})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, model.IntentSendMessage, found[0].Kind)
	require.True(t, found[0].ShouldPush)
}

func TestSetPublished_RequiresToPublish(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	id, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("data"), false)
	require.NoError(t, err)

	require.NoError(t, repo.SetPublished(ctx, db, id, []byte("hash"), []byte("pcd"), []byte("staged"), 7))

	err = repo.SetPublished(ctx, db, id, []byte("hash"), []byte("pcd"), []byte("staged"), 7)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrIntentWrongState))
}

func TestSetCommitted_AdvancesPublishedIntent(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	id, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("data"), false)
	require.NoError(t, err)
	require.NoError(t, repo.SetPublished(ctx, db, id, []byte("hash"), nil, nil, 1))

	require.NoError(t, repo.SetCommitted(ctx, db, id, 42, 9))

	found, err := repo.FindByPayloadHash(ctx, db, "group-1", []byte("hash"))
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, model.IntentCommitted, found.State)
	require.Equal(t, uint64(42), *found.SequenceID)
	require.Equal(t, uint32(9), *found.OriginatorID)
}

func TestSetToPublish_ClearsArtifactsWhenPublished(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	id, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("data"), false)
	require.NoError(t, err)
	require.NoError(t, repo.SetPublished(ctx, db, id, []byte("hash"), []byte("pcd"), []byte("staged"), 3))

	require.NoError(t, repo.SetToPublish(ctx, db, id))

	found, err := repo.FindByStates(ctx, db, "group-1", []model.IntentState{model.IntentToPublish})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, model.IntentToPublish, found[0].State)
	require.Nil(t, found[0].PayloadHash)
	require.Nil(t, found[0].PostCommitData)
	require.Nil(t, found[0].StagedCommit)
	require.Nil(t, found[0].PublishedInEpoch)
}

func TestSetToPublish_NotFoundWhenNotPublished(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	id, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("data"), false)
	require.NoError(t, err)

	// still ToPublish: a set_group_intent_to_publish here is the
	// round-trip violation spec.md §8 names as a NotFound-shaped error.
	err = repo.SetToPublish(ctx, db, id)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrIntentNotFound))

	require.NoError(t, repo.SetPublished(ctx, db, id, []byte("hash"), nil, nil, 1))
	require.NoError(t, repo.SetCommitted(ctx, db, id, 1, 1))

	// Committed is also not Published: still a NotFound-shaped error.
	err = repo.SetToPublish(ctx, db, id)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrIntentNotFound))

	require.NoError(t, repo.SetProcessed(ctx, db, id))

	err = repo.SetToPublish(ctx, db, id)
	require.Error(t, err)
	require.True(t, errors.Is(err, apperr.ErrIntentNotFound))
}

func TestSetError_MovesFromAnyState(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	id, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("data"), false)
	require.NoError(t, err)

	require.NoError(t, repo.SetError(ctx, db, id))

	found, err := repo.FindByStates(ctx, db, "group-1", []model.IntentState{model.IntentError})
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestIncrementPublishAttempts_ReturnsRunningCount(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	id, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("data"), false)
	require.NoError(t, err)

	n, err := repo.IncrementPublishAttempts(ctx, db, id)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = repo.IncrementPublishAttempts(ctx, db, id)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestFindByPayloadHash_NoMatchReturnsNil(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	found, err := repo.FindByPayloadHash(ctx, db, "group-1", []byte("missing"))
	require.NoError(t, err)
	require.Nil(t, found)
}

func TestListStuckIntents_FiltersByAttemptsAndState(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	freshID, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("fresh"), false)
	require.NoError(t, err)

	stuckID, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("stuck"), false)
	require.NoError(t, err)
	_, err = repo.IncrementPublishAttempts(ctx, db, stuckID)
	require.NoError(t, err)
	_, err = repo.IncrementPublishAttempts(ctx, db, stuckID)
	require.NoError(t, err)

	erroredID, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("errored"), false)
	require.NoError(t, err)
	_, err = repo.IncrementPublishAttempts(ctx, db, erroredID)
	require.NoError(t, err)
	require.NoError(t, repo.SetError(ctx, db, erroredID))

	exhaustedID, err := repo.Queue(ctx, db, "group-1", model.IntentSendMessage, []byte("exhausted"), false)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err = repo.IncrementPublishAttempts(ctx, db, exhaustedID)
		require.NoError(t, err)
	}

	stuck, err := repo.ListStuckIntents(ctx, db, "group-1", 10)
	require.NoError(t, err)

	var ids []int64
	for _, in := range stuck {
		ids = append(ids, in.ID)
	}

	require.NotContains(t, ids, freshID)
	require.Contains(t, ids, stuckID)
	require.NotContains(t, ids, erroredID)
	require.NotContains(t, ids, exhaustedID)
}
