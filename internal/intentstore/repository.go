// Package intentstore persists the Intent lifecycle (spec 4.3) against the
// group_intents table, in the same repository-over-squirrel idiom as
// internal/cursor.
package intentstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/squirrel"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/model"
)

// Queryer is satisfied by both *sql.DB and *sql.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides the Intent lifecycle's storage operations.
//
//go:generate mockgen --destination=repository.mock.go --package=intentstore . Repository
type Repository interface {
	// Queue inserts a new intent in state ToPublish, returning its id.
	Queue(ctx context.Context, q Queryer, groupID string, kind model.IntentKind, data []byte, shouldPush bool) (int64, error)
	// FindByStates returns every intent for groupID whose state is in
	// states, in ascending id order (the tie-break spec 4.3 names for
	// intents with no dependency).
	FindByStates(ctx context.Context, q Queryer, groupID string, states []model.IntentState) ([]model.Intent, error)
	// SetPublished performs set_group_intent_published, conditional on
	// the row currently being in ToPublish; reports apperr.ErrIntentWrongState
	// if a racing caller already advanced it.
	SetPublished(ctx context.Context, q Queryer, id int64, payloadHash, postCommitData, stagedCommit []byte, epoch uint64) error
	// SetCommitted performs the Published -> Committed transition,
	// recording the observed (sequence_id, originator_id).
	SetCommitted(ctx context.Context, q Queryer, id int64, sequenceID uint64, originatorID uint32) error
	// SetProcessed performs the transition to Processed from Committed, or
	// directly from Published.
	SetProcessed(ctx context.Context, q Queryer, id int64) error
	// SetError moves the intent to Error regardless of its current
	// state (used once publish_attempts is exhausted).
	SetError(ctx context.Context, q Queryer, id int64) error
	// SetToPublish performs set_group_intent_to_publish: clears the
	// published artifacts and returns the intent to ToPublish, conditional
	// on the row currently being in Published. Reports
	// apperr.ErrIntentNotFound if the intent is not in Published (spec.md
	// §3: "to ToPublish-revert requires Published; violation returns a
	// NotFound-shaped error").
	SetToPublish(ctx context.Context, q Queryer, id int64) error
	// ListStuckIntents returns every intent for groupID with at least one
	// failed publish attempt that has not yet reached errorThreshold,
	// excluding intents already in Error, for operator visibility into
	// what the publish loop is silently retrying.
	ListStuckIntents(ctx context.Context, q Queryer, groupID string, errorThreshold int) ([]model.Intent, error)
	// IncrementPublishAttempts bumps publish_attempts and returns the
	// new count.
	IncrementPublishAttempts(ctx context.Context, q Queryer, id int64) (int, error)
	// FindByPayloadHash looks up the single intent with the given
	// group_id and payload_hash, if any (used by the Envelope Processor
	// to match an inbound envelope back to a local intent).
	FindByPayloadHash(ctx context.Context, q Queryer, groupID string, payloadHash []byte) (*model.Intent, error)
}

type sqliteRepository struct {
	tableName string
}

// NewRepository returns the sqlite-backed Repository.
func NewRepository() Repository {
	return &sqliteRepository{tableName: "group_intents"}
}

func (r *sqliteRepository) Queue(ctx context.Context, q Queryer, groupID string, kind model.IntentKind, data []byte, shouldPush bool) (int64, error) {
	insertQ, args, err := squirrel.Insert(r.tableName).
		Columns("group_id", "kind", "data", "state", "should_push", "publish_attempts").
		Values(groupID, string(kind), data, string(model.IntentToPublish), shouldPush, 0).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("intentstore: build insert: %w", err)
	}

	res, err := q.ExecContext(ctx, insertQ, args...)
	if err != nil {
		return 0, fmt.Errorf("intentstore: insert: %w", err)
	}

	return res.LastInsertId()
}

func (r *sqliteRepository) FindByStates(ctx context.Context, q Queryer, groupID string, states []model.IntentState) ([]model.Intent, error) {
	stateStrs := make([]string, len(states))
	for i, s := range states {
		stateStrs[i] = string(s)
	}

	selectQ, args, err := squirrel.Select(intentColumns...).
		From(r.tableName).
		Where(squirrel.Eq{"group_id": groupID, "state": stateStrs}).
		OrderBy("id ASC").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("intentstore: build find: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("intentstore: find: %w", err)
	}
	defer rows.Close()

	var out []model.Intent

	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, intent)
	}

	return out, rows.Err()
}

func (r *sqliteRepository) SetPublished(ctx context.Context, q Queryer, id int64, payloadHash, postCommitData, stagedCommit []byte, epoch uint64) error {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("state", string(model.IntentPublished)).
		Set("payload_hash", payloadHash).
		Set("post_commit_data", postCommitData).
		Set("staged_commit", stagedCommit).
		Set("published_in_epoch", epoch).
		Where(squirrel.Eq{"id": id, "state": string(model.IntentToPublish)}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("intentstore: build set-published: %w", err)
	}

	return r.execConditional(ctx, q, updateQ, args, id)
}

func (r *sqliteRepository) SetCommitted(ctx context.Context, q Queryer, id int64, sequenceID uint64, originatorID uint32) error {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("state", string(model.IntentCommitted)).
		Set("sequence_id", sequenceID).
		Set("originator_id", originatorID).
		Where(squirrel.Eq{"id": id, "state": string(model.IntentPublished)}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("intentstore: build set-committed: %w", err)
	}

	return r.execConditional(ctx, q, updateQ, args, id)
}

func (r *sqliteRepository) SetProcessed(ctx context.Context, q Queryer, id int64) error {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("state", string(model.IntentProcessed)).
		Where(squirrel.Eq{"id": id}).
		Where(squirrel.Eq{"state": []string{string(model.IntentCommitted), string(model.IntentPublished)}}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("intentstore: build set-processed: %w", err)
	}

	return r.execConditional(ctx, q, updateQ, args, id)
}

func (r *sqliteRepository) SetError(ctx context.Context, q Queryer, id int64) error {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("state", string(model.IntentError)).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("intentstore: build set-error: %w", err)
	}

	res, err := q.ExecContext(ctx, updateQ, args...)
	if err != nil {
		return fmt.Errorf("intentstore: set-error: %w", err)
	}

	return requireRowAffected(res, id)
}

func (r *sqliteRepository) SetToPublish(ctx context.Context, q Queryer, id int64) error {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("state", string(model.IntentToPublish)).
		Set("payload_hash", nil).
		Set("post_commit_data", nil).
		Set("staged_commit", nil).
		Set("published_in_epoch", nil).
		Where(squirrel.Eq{"id": id, "state": string(model.IntentPublished)}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return fmt.Errorf("intentstore: build set-to-publish: %w", err)
	}

	res, err := q.ExecContext(ctx, updateQ, args...)
	if err != nil {
		return fmt.Errorf("intentstore: set-to-publish: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("intentstore: rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("intent %d: %w", id, apperr.ErrIntentNotFound)
	}

	return nil
}

func (r *sqliteRepository) ListStuckIntents(ctx context.Context, q Queryer, groupID string, errorThreshold int) ([]model.Intent, error) {
	selectQ, args, err := squirrel.Select(intentColumns...).
		From(r.tableName).
		Where(squirrel.Eq{"group_id": groupID}).
		Where(squirrel.Gt{"publish_attempts": 0}).
		Where(squirrel.Lt{"publish_attempts": errorThreshold}).
		Where(squirrel.NotEq{"state": string(model.IntentError)}).
		OrderBy("id ASC").
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("intentstore: build list-stuck: %w", err)
	}

	rows, err := q.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, fmt.Errorf("intentstore: list-stuck: %w", err)
	}
	defer rows.Close()

	var out []model.Intent

	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, intent)
	}

	return out, rows.Err()
}

func (r *sqliteRepository) IncrementPublishAttempts(ctx context.Context, q Queryer, id int64) (int, error) {
	updateQ, args, err := squirrel.Update(r.tableName).
		Set("publish_attempts", squirrel.Expr("publish_attempts + 1")).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("intentstore: build increment: %w", err)
	}

	if _, err := q.ExecContext(ctx, updateQ, args...); err != nil {
		return 0, fmt.Errorf("intentstore: increment: %w", err)
	}

	selectQ, sargs, err := squirrel.Select("publish_attempts").
		From(r.tableName).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("intentstore: build read-back: %w", err)
	}

	var attempts int
	if err := q.QueryRowContext(ctx, selectQ, sargs...).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("intentstore: read-back: %w", err)
	}

	return attempts, nil
}

func (r *sqliteRepository) FindByPayloadHash(ctx context.Context, q Queryer, groupID string, payloadHash []byte) (*model.Intent, error) {
	selectQ, args, err := squirrel.Select(intentColumns...).
		From(r.tableName).
		Where(squirrel.Eq{"group_id": groupID, "payload_hash": payloadHash}).
		PlaceholderFormat(squirrel.Question).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("intentstore: build find-by-hash: %w", err)
	}

	row := q.QueryRowContext(ctx, selectQ, args...)

	intent, err := scanIntentRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &intent, nil
}

func (r *sqliteRepository) execConditional(ctx context.Context, q Queryer, query string, args []any, id int64) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("intentstore: exec: %w", err)
	}

	return requireRowAffected(res, id)
}

func requireRowAffected(res sql.Result, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("intentstore: rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("intent %v: %w", id, apperr.ErrIntentWrongState)
	}

	return nil
}

var intentColumns = []string{
	"id", "group_id", "kind", "data", "state", "payload_hash",
	"post_commit_data", "staged_commit", "published_in_epoch",
	"publish_attempts", "should_push", "sequence_id", "originator_id",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(rows *sql.Rows) (model.Intent, error) {
	return scanIntentRow(rows)
}

func scanIntentRow(s rowScanner) (model.Intent, error) {
	var (
		intent         model.Intent
		kind           string
		state          string
		shouldPush     int
		publishedEpoch sql.NullInt64
		sequenceID     sql.NullInt64
		originatorID   sql.NullInt64
	)

	err := s.Scan(
		&intent.ID, &intent.GroupID, &kind, &intent.Data, &state, &intent.PayloadHash,
		&intent.PostCommitData, &intent.StagedCommit, &publishedEpoch,
		&intent.PublishAttempts, &shouldPush, &sequenceID, &originatorID,
	)
	if err != nil {
		return model.Intent{}, err
	}

	intent.Kind = model.IntentKind(kind)
	intent.State = model.IntentState(state)
	intent.ShouldPush = shouldPush != 0

	if publishedEpoch.Valid {
		v := uint64(publishedEpoch.Int64)
		intent.PublishedInEpoch = &v
	}

	if sequenceID.Valid {
		v := uint64(sequenceID.Int64)
		intent.SequenceID = &v
	}

	if originatorID.Valid {
		v := uint32(originatorID.Int64)
		intent.OriginatorID = &v
	}

	return intent, nil
}
