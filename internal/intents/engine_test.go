package intents_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/depresolver"
	"github.com/meshline/groupcore/internal/grouplock"
	"github.com/meshline/groupcore/internal/intents"
	"github.com/meshline/groupcore/internal/intentstore"
	"github.com/meshline/groupcore/internal/mlog"
	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/retry"
	"github.com/meshline/groupcore/internal/transport"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE group_intents (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			group_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			data BLOB NOT NULL,
			state TEXT NOT NULL,
			payload_hash BLOB,
			post_commit_data BLOB,
			staged_commit BLOB,
			published_in_epoch INTEGER,
			publish_attempts INTEGER NOT NULL DEFAULT 0,
			should_push INTEGER NOT NULL DEFAULT 0,
			sequence_id INTEGER,
			originator_id INTEGER
		);
		CREATE TABLE refresh_state (
			entity_id TEXT NOT NULL,
			entity_kind TEXT NOT NULL,
			originator_id INTEGER NOT NULL,
			sequence_id INTEGER NOT NULL,
			PRIMARY KEY (entity_id, entity_kind, originator_id)
		);
		CREATE TABLE intent_dependencies (
			payload_hash BLOB NOT NULL,
			group_id TEXT NOT NULL,
			commit_cursor INTEGER NOT NULL
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

type fakeBuilder struct {
	n int
}

func (f *fakeBuilder) Build(_ context.Context, in model.Intent) (intents.BuildResult, error) {
	f.n++
	return intents.BuildResult{
		PayloadBytes:     []byte("payload"),
		PayloadHash:      []byte{byte(f.n)},
		PublishedInEpoch: 1,
	}, nil
}

type fakeTransport struct {
	published  [][]byte
	alwaysFail bool
}

func (f *fakeTransport) Publish(_ context.Context, _ transport.Topic, payload []byte) (transport.Ack, error) {
	if f.alwaysFail {
		return transport.Ack{}, context.DeadlineExceeded
	}

	f.published = append(f.published, payload)
	return transport.Ack{}, nil
}

func (f *fakeTransport) Query(context.Context, transport.Topic, *uint64) ([]transport.Envelope, error) {
	return nil, nil
}

func (f *fakeTransport) Subscribe(context.Context, transport.Topic, *uint64) (transport.Stream, error) {
	return nil, nil
}

func testPublishConfig() retry.Config {
	return retry.Config{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		JitterFactor:   0,
	}
}

func TestQueueIntent_InsertsToPublish(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()

	e := intents.New(db, repo, cursor.New(cursor.NewRepository()), depresolver.New(), &fakeTransport{}, grouplock.New(), &fakeBuilder{}, testPublishConfig(), mlog.Nop{})

	id, err := e.QueueIntent(context.Background(), "group-1", model.IntentSendMessage, []byte("hi"), true)
	require.NoError(t, err)
	require.Positive(t, id)

	rows, err := repo.FindByStates(context.Background(), db, "group-1", []model.IntentState{model.IntentToPublish})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, model.IntentSendMessage, rows[0].Kind)
}

func TestPublishGroup_PublishesAndAdvancesState(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	tport := &fakeTransport{}

	e := intents.New(db, repo, cursor.New(cursor.NewRepository()), depresolver.New(), tport, grouplock.New(), &fakeBuilder{}, testPublishConfig(), mlog.Nop{})

	id, err := e.QueueIntent(context.Background(), "group-1", model.IntentSendMessage, []byte("hi"), true)
	require.NoError(t, err)

	require.NoError(t, e.PublishGroup(context.Background(), "group-1"))
	require.Len(t, tport.published, 1)

	rows, err := repo.FindByStates(context.Background(), db, "group-1", []model.IntentState{model.IntentPublished})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.EqualValues(t, id, rows[0].ID)
	require.NotEmpty(t, rows[0].PayloadHash)
}

func TestPublishGroup_TransientTransmitFailureKeepsPublishedState(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	tport := &fakeTransport{alwaysFail: true}

	e := intents.New(db, repo, cursor.New(cursor.NewRepository()), depresolver.New(), tport, grouplock.New(), &fakeBuilder{}, testPublishConfig(), mlog.Nop{})

	_, err := e.QueueIntent(context.Background(), "group-1", model.IntentSendMessage, []byte("hi"), true)
	require.NoError(t, err)

	require.NoError(t, e.PublishGroup(context.Background(), "group-1"))

	rows, err := repo.FindByStates(context.Background(), db, "group-1", []model.IntentState{model.IntentPublished})
	require.NoError(t, err)
	require.Len(t, rows, 1, "a transient transmit failure must not revert the intent out of Published")
}

func TestOnEnvelopeCommittedThenProcessed(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	tport := &fakeTransport{}

	e := intents.New(db, repo, cursor.New(cursor.NewRepository()), depresolver.New(), tport, grouplock.New(), &fakeBuilder{}, testPublishConfig(), mlog.Nop{})

	id, err := e.QueueIntent(context.Background(), "group-1", model.IntentSendMessage, []byte("hi"), true)
	require.NoError(t, err)
	require.NoError(t, e.PublishGroup(context.Background(), "group-1"))

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, e.OnEnvelopeCommitted(context.Background(), tx, id, 7, 1))
	require.NoError(t, e.OnEnvelopeProcessed(context.Background(), tx, id))
	require.NoError(t, tx.Commit())

	rows, err := repo.FindByStates(context.Background(), db, "group-1", []model.IntentState{model.IntentProcessed})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
