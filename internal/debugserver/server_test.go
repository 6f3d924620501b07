package debugserver_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/assoccache"
	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/debugserver"
	"github.com/meshline/groupcore/internal/groupstore"
	"github.com/meshline/groupcore/internal/iceboxstore"
	"github.com/meshline/groupcore/internal/identity"
	"github.com/meshline/groupcore/internal/intentstore"
	"github.com/meshline/groupcore/internal/mlog"
	"github.com/meshline/groupcore/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	_, err = db.Exec(`
		CREATE TABLE groups (
			id TEXT PRIMARY KEY,
			conversation_type TEXT NOT NULL,
			membership_state TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL,
			welcome_id INTEGER UNIQUE,
			added_by_inbox_id TEXT NOT NULL,
			dm_id TEXT,
			rotated_at_ns INTEGER NOT NULL DEFAULT 0,
			installations_last_checked INTEGER NOT NULL DEFAULT 0,
			message_disappear_from_ns INTEGER,
			message_disappear_in_ns INTEGER,
			paused_for_version TEXT
		);
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
		CREATE TABLE icebox (
			group_id TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			envelope BLOB NOT NULL,
			PRIMARY KEY (group_id, cursor)
		);
		CREATE TABLE icebox_dependencies (
			group_id TEXT NOT NULL,
			cursor INTEGER NOT NULL,
			dep_group_id TEXT NOT NULL,
			dep_entity_kind TEXT NOT NULL,
			dep_originator_id INTEGER NOT NULL,
			dep_sequence_id INTEGER NOT NULL
		);
		CREATE TABLE refresh_state (
			entity_id TEXT NOT NULL,
			entity_kind TEXT NOT NULL,
			originator_id INTEGER NOT NULL,
			sequence_id INTEGER NOT NULL,
			PRIMARY KEY (entity_id, entity_kind, originator_id)
		);
	`)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	return db
}

type fakeIdentity struct{}

func (fakeIdentity) GetAssociationState(context.Context, model.InboxID, uint64) (model.AssociationState, error) {
	return model.AssociationState{}, nil
}

func (fakeIdentity) GetInstallationDiff(context.Context, string, map[model.InboxID]uint64, map[model.InboxID]uint64) (model.InstallationDiff, error) {
	return model.InstallationDiff{}, nil
}

var _ identity.Port = fakeIdentity{}

func newServer(t *testing.T, db *sql.DB, cache *assoccache.Cache) *debugserver.Server {
	t.Helper()

	return debugserver.New(
		":0",
		db,
		groupstore.NewRepository(),
		intentstore.NewRepository(),
		iceboxstore.NewRepository(),
		cursor.New(cursor.NewRepository()),
		cache,
		mlog.Nop{},
	)
}

func TestGroupsGet_NotFoundMapsTo404(t *testing.T) {
	db := openTestDB(t)
	srv := newServer(t, db, nil)

	req := httptest.NewRequest("GET", "/groups/missing", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}

func TestGroupsGet_ReturnsCreatedGroup(t *testing.T) {
	db := openTestDB(t)
	repo := groupstore.NewRepository()
	require.NoError(t, repo.Create(context.Background(), db, model.Group{
		ID:               "group-1",
		ConversationType: model.ConversationGroup,
		MembershipState:  model.MembershipAllowed,
		AddedByInboxID:   "inbox-1",
	}))

	srv := newServer(t, db, nil)

	req := httptest.NewRequest("GET", "/groups/group-1", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "group-1")
}

func TestCachePurge_NilCacheIs404(t *testing.T) {
	db := openTestDB(t)
	srv := newServer(t, db, nil)

	req := httptest.NewRequest("POST", "/cache/purge", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 404, resp.StatusCode)
}

func TestCachePurge_ReportsPriorEntryCount(t *testing.T) {
	db := openTestDB(t)

	cache, err := assoccache.New(fakeIdentity{}, assoccache.DefaultSize)
	require.NoError(t, err)
	_, err = cache.GetAssociationState(context.Background(), "inbox-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Len())

	srv := newServer(t, db, cache)

	req := httptest.NewRequest("POST", "/cache/purge", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 0, cache.Len())
}

func TestIntentsStuck_FiltersOutFreshAndErrored(t *testing.T) {
	db := openTestDB(t)
	repo := intentstore.NewRepository()
	ctx := context.Background()

	_, err := repo.Queue(ctx, db, "group-1", model.IntentApplicationMessage, []byte("fresh"), false)
	require.NoError(t, err)

	stuck, err := repo.Queue(ctx, db, "group-1", model.IntentApplicationMessage, []byte("stuck"), false)
	require.NoError(t, err)
	_, err = repo.IncrementPublishAttempts(ctx, db, stuck)
	require.NoError(t, err)

	errored, err := repo.Queue(ctx, db, "group-1", model.IntentApplicationMessage, []byte("errored"), false)
	require.NoError(t, err)
	_, err = repo.IncrementPublishAttempts(ctx, db, errored)
	require.NoError(t, err)
	require.NoError(t, repo.SetError(ctx, db, errored))

	srv := newServer(t, db, nil)

	req := httptest.NewRequest("GET", "/groups/group-1/intents/stuck", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var got []model.Intent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 1)
	require.Equal(t, stuck, got[0].ID)
}

func TestGroupsCursors_DefaultsToZero(t *testing.T) {
	db := openTestDB(t)
	repo := groupstore.NewRepository()
	require.NoError(t, repo.Create(context.Background(), db, model.Group{
		ID:               "group-1",
		ConversationType: model.ConversationGroup,
		MembershipState:  model.MembershipAllowed,
		AddedByInboxID:   "inbox-1",
	}))

	srv := newServer(t, db, nil)

	req := httptest.NewRequest("GET", "/groups/group-1/cursors", nil)
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var got map[model.EntityKind]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 5)
	for kind, seq := range got {
		require.Zero(t, seq, string(kind))
	}
}
