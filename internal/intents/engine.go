// Package intents implements the Intent Lifecycle Engine (spec 4.3):
// enqueue, publish, confirm, recover, retry, and garbage-collect intents,
// serialized per group through internal/grouplock.
package intents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/depresolver"
	"github.com/meshline/groupcore/internal/grouplock"
	"github.com/meshline/groupcore/internal/intentstore"
	"github.com/meshline/groupcore/internal/mlog"
	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/retry"
	"github.com/meshline/groupcore/internal/storage"
	"github.com/meshline/groupcore/internal/telemetry"
	"github.com/meshline/groupcore/internal/transport"
)

// BuildResult is the wire artifact an intent's Builder produces for one
// publish attempt.
type BuildResult struct {
	PayloadBytes     []byte
	PayloadHash      []byte
	StagedCommit     []byte
	PostCommitData   []byte
	PublishedInEpoch uint64
}

// Builder is the injected MLS collaborator that turns a queued Intent into
// a wire artifact: a commit, a proposal-by-reference, a key update, or an
// encrypted application message. The actual cryptography is out of this
// module's scope (spec section 1); Engine only orchestrates state around
// whatever Builder produces.
//
//go:generate mockgen --destination=builder.mock.go --package=intents . Builder
type Builder interface {
	Build(ctx context.Context, intent model.Intent) (BuildResult, error)
}

// Engine drives the Intent lifecycle for a store of groups.
type Engine struct {
	db         *sql.DB
	repo       intentstore.Repository
	cursors    *cursor.Manager
	resolver   *depresolver.Resolver
	transport  transport.Port
	lock       *grouplock.Manager
	builder    Builder
	publishCfg retry.Config
	log        mlog.Logger
}

// New builds an Engine.
func New(db *sql.DB, repo intentstore.Repository, cursors *cursor.Manager, resolver *depresolver.Resolver, tport transport.Port, lock *grouplock.Manager, builder Builder, publishCfg retry.Config, log mlog.Logger) *Engine {
	return &Engine{
		db:         db,
		repo:       repo,
		cursors:    cursors,
		resolver:   resolver,
		transport:  tport,
		lock:       lock,
		builder:    builder,
		publishCfg: publishCfg,
		log:        log,
	}
}

// QueueIntent performs queue_intent: inserts a new intent in ToPublish
// inside its own transaction, so it is durable before any MLS state it
// might depend on.
func (e *Engine) QueueIntent(ctx context.Context, groupID string, kind model.IntentKind, data []byte, shouldPush bool) (int64, error) {
	ctx, span := telemetry.Tracer("intents").Start(ctx, "intents.queue")
	defer span.End()

	var id int64

	err := storage.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		var err error
		id, err = e.repo.Queue(ctx, tx, groupID, kind, data, shouldPush)
		return err
	})
	if err != nil {
		telemetry.HandleSpanError(&span, "queue intent", err)
		return 0, err
	}

	return id, nil
}

// PublishGroup runs one pass of the publish loop for groupID, serialized
// via the Group Lock (spec 4.8): builds and transmits every ToPublish
// intent, and re-stages any Published intent whose staged dependency has
// gone stale.
func (e *Engine) PublishGroup(ctx context.Context, groupID string) error {
	return e.lock.WithLock(ctx, groupID, func(ctx context.Context) error {
		ctx, span := telemetry.Tracer("intents").Start(ctx, "intents.publish_group")
		defer span.End()

		intentsToProcess, err := e.repo.FindByStates(ctx, e.db, groupID, []model.IntentState{model.IntentToPublish, model.IntentPublished})
		if err != nil {
			telemetry.HandleSpanError(&span, "load group intents", err)
			return err
		}

		for _, intent := range intentsToProcess {
			if intent.State != model.IntentToPublish {
				continue
			}

			if err := e.publishOne(ctx, intent); err != nil {
				if apperr.Classify(err) != apperr.KindTransient {
					telemetry.HandleSpanError(&span, "publish intent", err)
					return err
				}
				// Transient transmission failures do not revert intent
				// state (spec 4.3 step 2b): the envelope may still land,
				// and re-delivery is driven by the matching payload hash.
				e.log.WithFields("intent_id", intent.ID, "group_id", groupID).Warnf("transmit failed, will retry: %v", err)
			}
		}

		// Step 3: any intent already Published whose staged dependency
		// has gone stale is reverted to ToPublish here, to be rebuilt
		// and republished on the next call to PublishGroup.
		if err := e.reconcileStaleCommits(ctx, groupID, intentsToProcess); err != nil {
			telemetry.HandleSpanError(&span, "reconcile stale commits", err)
			return err
		}

		return nil
	})
}

// publishOne executes spec 4.3 step 2: build the wire artifact, record it
// conditional on ToPublish, then transmit.
func (e *Engine) publishOne(ctx context.Context, intent model.Intent) error {
	built, err := e.builder.Build(ctx, intent)
	if err != nil {
		return fmt.Errorf("intents: build artifact for intent %d: %w", intent.ID, err)
	}

	commitCursor, err := e.latestCommitCursor(ctx, intent.GroupID)
	if err != nil {
		return fmt.Errorf("intents: read commit cursor: %w", err)
	}

	err = storage.WithTx(ctx, e.db, func(tx *sql.Tx) error {
		if err := e.repo.SetPublished(ctx, tx, intent.ID, built.PayloadHash, built.PostCommitData, built.StagedCommit, built.PublishedInEpoch); err != nil {
			return err
		}

		return e.resolver.RecordDependency(ctx, tx, built.PayloadHash, intent.GroupID, commitCursor)
	})
	if err != nil {
		if errors.Is(err, apperr.ErrIntentWrongState) {
			// A racing task already published this intent; the loser
			// proceeds to the next one (spec 5's ordering guarantees).
			return nil
		}

		return err
	}

	topic := transport.Topic{Kind: transport.TopicGroupMessages, ID: intent.GroupID}

	_, err = retryTransmit(ctx, e.publishCfg, func(ctx context.Context) error {
		_, err := e.transport.Publish(ctx, topic, built.PayloadBytes)
		return err
	})
	if err != nil {
		return e.exhaustPublish(ctx, intent.ID, err)
	}

	return nil
}

// exhaustPublish performs increment_intent_publish_attempt_count; once the
// count reaches publishCfg.MaxRetries, falls through to
// set_group_intent_error. It does not change the delivery status of any
// stored message; only the intent row moves to Error.
func (e *Engine) exhaustPublish(ctx context.Context, intentID int64, cause error) error {
	attempts, incErr := e.repo.IncrementPublishAttempts(ctx, e.db, intentID)
	if incErr != nil {
		return fmt.Errorf("intents: increment publish attempts: %w", incErr)
	}

	if attempts < e.publishCfg.MaxRetries {
		return apperr.New(apperr.KindTransient, "intent", "transmit_failed", "Transmit Failed", "transport publish failed; will retry", cause)
	}

	if err := e.repo.SetError(ctx, e.db, intentID); err != nil {
		return fmt.Errorf("intents: set error: %w", err)
	}

	return apperr.New(apperr.KindTransient, "intent", "intent_publish_exhausted", "Publish Attempts Exhausted", "exceeded maximum publish attempts", apperr.ErrIntentPublishExhausted)
}

// reconcileStaleCommits performs spec 4.3 step 3: any Published intent
// whose dependency cursor has since advanced beyond its staged epoch is
// reverted to ToPublish for rebuilding, because MLS commits are bound to a
// specific epoch.
func (e *Engine) reconcileStaleCommits(ctx context.Context, groupID string, candidates []model.Intent) error {
	var published []model.Intent
	var hashes [][]byte

	for _, in := range candidates {
		if in.State == model.IntentPublished && len(in.PayloadHash) > 0 {
			published = append(published, in)
			hashes = append(hashes, in.PayloadHash)
		}
	}

	if len(published) == 0 {
		return nil
	}

	deps, err := e.resolver.ResolveDependencies(ctx, e.db, hashes)
	if err != nil {
		return err
	}

	latestCommitCursor, err := e.latestCommitCursor(ctx, groupID)
	if err != nil {
		return err
	}

	for _, in := range published {
		dep, ok := deps[string(in.PayloadHash)]
		if !ok {
			continue
		}

		if !depresolver.IsStale(dep, latestCommitCursor) {
			continue
		}

		err := storage.WithTx(ctx, e.db, func(tx *sql.Tx) error {
			if err := e.resolver.ClearDependency(ctx, tx, in.PayloadHash); err != nil {
				return err
			}

			return e.repo.SetToPublish(ctx, tx, in.ID)
		})
		if err != nil && !errors.Is(err, apperr.ErrIntentNotFound) {
			// A racing task already moved this intent out of Published
			// (e.g. OnEnvelopeCommitted landed first); the loser moves on
			// to the next candidate rather than failing the whole pass.
			return err
		}
	}

	return nil
}

// OnEnvelopeCommitted performs the Published -> Committed transition spec
// 4.3 describes the Envelope Processor driving once it matches an inbound
// envelope to a local intent by payload_hash.
func (e *Engine) OnEnvelopeCommitted(ctx context.Context, tx *sql.Tx, intentID int64, sequenceID uint64, originatorID uint32) error {
	return e.repo.SetCommitted(ctx, tx, intentID, sequenceID, originatorID)
}

// OnEnvelopeProcessed performs the Committed -> Processed transition once
// post-commit actions for the matching intent have been applied.
func (e *Engine) OnEnvelopeProcessed(ctx context.Context, tx *sql.Tx, intentID int64) error {
	return e.repo.SetProcessed(ctx, tx, intentID)
}

// latestCommitCursor returns the highest CommitMessage sequence_id observed
// for groupID across every originator, the value a staged dependency's
// cursor is compared against to decide staleness.
func (e *Engine) latestCommitCursor(ctx context.Context, groupID string) (uint64, error) {
	byOriginator, err := e.cursors.LatestCursorForID(ctx, e.db, groupID, []model.EntityKind{model.EntityCommitMessage}, nil)
	if err != nil {
		return 0, err
	}

	var max uint64
	for _, seq := range byOriginator {
		if seq > max {
			max = seq
		}
	}

	return max, nil
}

func retryTransmit(ctx context.Context, cfg retry.Config, fn func(ctx context.Context) error) (bool, error) {
	err := retry.Do(ctx, cfg, func(ctx context.Context, attempt int) (bool, error) {
		err := fn(ctx)
		return err != nil, err
	})

	return err == nil, err
}
