// Package envelope implements the Envelope Processor (spec 4.4): the
// ingestion path that classifies every inbound Welcome, Commit, and
// Application envelope, checks it against the Refresh Cursor Manager for
// idempotent replay, and applies its effect transactionally with the
// cursor advance so a crash before the advance is always safely replayable
// on restart.
package envelope

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meshline/groupcore/internal/apperr"
	"github.com/meshline/groupcore/internal/commitlogstore"
	"github.com/meshline/groupcore/internal/commitvalidation"
	"github.com/meshline/groupcore/internal/cursor"
	"github.com/meshline/groupcore/internal/grouplock"
	"github.com/meshline/groupcore/internal/groupstore"
	"github.com/meshline/groupcore/internal/iceboxstore"
	"github.com/meshline/groupcore/internal/intents"
	"github.com/meshline/groupcore/internal/intentstore"
	"github.com/meshline/groupcore/internal/keypackagehistory"
	"github.com/meshline/groupcore/internal/messagestore"
	"github.com/meshline/groupcore/internal/mlog"
	"github.com/meshline/groupcore/internal/model"
	"github.com/meshline/groupcore/internal/pendingremove"
	"github.com/meshline/groupcore/internal/retry"
	"github.com/meshline/groupcore/internal/storage"
	"github.com/meshline/groupcore/internal/telemetry"
	"github.com/meshline/groupcore/internal/transport"
)

// Processor is the Envelope Processor.
type Processor struct {
	db            *sql.DB
	groups        groupstore.Repository
	messages      messagestore.Repository
	commitlog     commitlogstore.Repository
	icebox        iceboxstore.Repository
	intentRepo    intentstore.Repository
	pendingRemove pendingremove.Repository
	keyPkgHistory keypackagehistory.Repository
	cursors       *cursor.Manager
	validator     *commitvalidation.Pipeline
	policies      PolicyLoader
	crypto        Crypto
	intents       *intents.Engine
	lock          *grouplock.Manager
	transport     transport.Port
	dispatchCfg   retry.Config
	log           mlog.Logger
}

// New builds a Processor.
func New(
	db *sql.DB,
	groups groupstore.Repository,
	messages messagestore.Repository,
	commitlog commitlogstore.Repository,
	icebox iceboxstore.Repository,
	intentRepo intentstore.Repository,
	pendingRemove pendingremove.Repository,
	keyPkgHistory keypackagehistory.Repository,
	cursors *cursor.Manager,
	validator *commitvalidation.Pipeline,
	policies PolicyLoader,
	crypto Crypto,
	intentsEngine *intents.Engine,
	lock *grouplock.Manager,
	tport transport.Port,
	dispatchCfg retry.Config,
	log mlog.Logger,
) *Processor {
	return &Processor{
		db:            db,
		groups:        groups,
		messages:      messages,
		commitlog:     commitlog,
		icebox:        icebox,
		intentRepo:    intentRepo,
		pendingRemove: pendingRemove,
		keyPkgHistory: keyPkgHistory,
		cursors:       cursors,
		validator:     validator,
		policies:      policies,
		crypto:        crypto,
		intents:       intentsEngine,
		lock:          lock,
		transport:     tport,
		dispatchCfg:   dispatchCfg,
		log:           log,
	}
}

// Process classifies and applies one inbound envelope. It is idempotent:
// an envelope whose sequence_id has already been observed for its
// (topic, originator) is dropped silently rather than reprocessed.
func (p *Processor) Process(ctx context.Context, env transport.Envelope) error {
	return p.lock.WithLock(ctx, env.Topic.ID, func(ctx context.Context) error {
		return p.processLocked(ctx, env)
	})
}

func (p *Processor) processLocked(ctx context.Context, env transport.Envelope) error {
	ctx, span := telemetry.Tracer("envelope").Start(ctx, "envelope.process")
	defer span.End()

	cur, err := p.cursors.GetLastCursor(ctx, p.db, env.Topic.ID, entityKindFor(env.Kind), env.OriginatorID)
	if err != nil {
		telemetry.HandleSpanError(&span, "load cursor", err)
		return err
	}

	if env.SequenceID <= cur.SequenceID {
		// Already observed; a no-op replay (spec 4.4's idempotence
		// gate), not an error.
		return nil
	}

	switch env.Kind {
	case transport.MessageKindWelcome:
		err = p.processWelcome(ctx, env)
	case transport.MessageKindCommit:
		err = p.processCommit(ctx, env)
	default:
		err = p.processApplication(ctx, env)
	}

	if err != nil {
		telemetry.HandleSpanError(&span, "dispatch envelope", err)
	}

	return err
}

// processWelcome implements spec 4.4's Welcome branch: decrypt, create the
// Group (tolerating a duplicate welcome_id as a benign replay), advance the
// cursor.
func (p *Processor) processWelcome(ctx context.Context, env transport.Envelope) error {
	decrypted, err := p.crypto.DecryptWelcome(ctx, env.Payload)
	if err != nil {
		return fmt.Errorf("envelope: decrypt welcome: %w", err)
	}

	return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		welcomeID := env.SequenceID

		g := model.Group{
			ID:               decrypted.GroupID,
			ConversationType: decrypted.ConversationType,
			MembershipState:  model.MembershipAllowed,
			CreatedAtNS:      model.NowNS(),
			WelcomeID:        &welcomeID,
			AddedByInboxID:   decrypted.AddedByInboxID,
			DMID:             decrypted.DMID,
		}

		if err := g.Validate(); err != nil {
			return fmt.Errorf("envelope: welcome group invariant: %w", err)
		}

		if err := p.groups.Create(ctx, tx, g); err != nil && !errors.Is(err, apperr.ErrDuplicateWelcomeID) {
			return fmt.Errorf("envelope: create group from welcome: %w", err)
		}

		_, err := p.cursors.UpdateCursor(ctx, tx, model.Cursor{
			EntityID: env.Topic.ID, EntityKind: model.EntityWelcomeMessage,
			OriginatorID: env.OriginatorID, SequenceID: env.SequenceID,
		})

		return err
	})
}

// processCommit implements spec 4.4's Commit branch and 4.4 step 3's
// icebox interaction: decode, park if a cross-originator dependency is
// unmet, otherwise validate and, on acceptance, atomically apply the
// commit, log it, advance the cursor, match it to a local intent, and
// rescan the icebox for now-satisfied entries.
func (p *Processor) processCommit(ctx context.Context, env transport.Envelope) error {
	groupID := env.Topic.ID

	decoded, err := p.crypto.DecodeCommit(ctx, groupID, env.Payload)
	if err != nil {
		return fmt.Errorf("envelope: decode commit: %w", err)
	}

	if len(decoded.MissingDependencies) > 0 {
		return p.park(ctx, env, decoded.MissingDependencies)
	}

	policy, err := p.policies.LoadPolicy(ctx, groupID)
	if err != nil {
		return fmt.Errorf("envelope: load permission policy: %w", err)
	}

	vc, err := p.validator.Validate(ctx, p.db, decoded.Staged, policy)
	if err != nil {
		// A rejected commit is local-fatal only to itself: the offending
		// cursor still advances so the group's wire order keeps moving,
		// and the rejection is recorded for operator visibility rather
		// than silently dropped.
		return p.recordRejectedCommit(ctx, env, err)
	}

	var matchedIntentID *int64
	var freed []model.IceboxEntry

	txErr := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if err := p.crypto.ApplyCommit(ctx, tx, groupID, decoded.Staged, vc); err != nil {
			return fmt.Errorf("envelope: apply staged commit: %w", err)
		}

		if _, err := p.commitlog.Append(ctx, tx, model.CommitLogLocal, model.CommitLogEntry{
			GroupID:            groupID,
			CommitSequenceID:   env.SequenceID,
			CommitType:         vc.DebugCommitType(),
			AppliedEpochNumber: vc.Epoch,
		}); err != nil {
			return fmt.Errorf("envelope: append commit log: %w", err)
		}

		if _, err := p.cursors.UpdateCursor(ctx, tx, model.Cursor{
			EntityID: groupID, EntityKind: model.EntityCommitMessage,
			OriginatorID: env.OriginatorID, SequenceID: env.SequenceID,
		}); err != nil {
			return fmt.Errorf("envelope: advance commit cursor: %w", err)
		}

		matched, err := p.intentRepo.FindByPayloadHash(ctx, tx, groupID, payloadHash(env.Payload))
		if err != nil {
			return fmt.Errorf("envelope: match payload hash: %w", err)
		}

		if matched != nil && matched.State == model.IntentPublished {
			if err := p.intents.OnEnvelopeCommitted(ctx, tx, matched.ID, env.SequenceID, env.OriginatorID); err != nil {
				return fmt.Errorf("envelope: mark intent committed: %w", err)
			}

			id := matched.ID
			matchedIntentID = &id
		}

		if err := p.recordPendingRemoves(ctx, tx, groupID, vc); err != nil {
			return err
		}

		p.consumeKeyPackages(ctx, tx, groupID, decoded.Staged)

		var releaseErr error

		freed, releaseErr = p.releaseUnblockedIcebox(ctx, tx, groupID)

		return releaseErr
	})
	if txErr != nil {
		return txErr
	}

	if matchedIntentID != nil {
		p.dispatchPostCommit(ctx, groupID, *matchedIntentID)
	}

	for _, entry := range freed {
		if err := p.replay(ctx, entry); err != nil {
			p.log.WithFields("group_id", groupID, "cursor", entry.Cursor).Errorf("replay parked envelope: %v", err)
		}
	}

	return nil
}

// recordRejectedCommit writes the rejection into the local commit log at
// the offending cursor and advances the cursor anyway, so a validation
// failure never stalls the group's wire order.
func (p *Processor) recordRejectedCommit(ctx context.Context, env transport.Envelope, cause error) error {
	groupID := env.Topic.ID
	msg := cause.Error()

	return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if _, err := p.commitlog.Append(ctx, tx, model.CommitLogLocal, model.CommitLogEntry{
			GroupID:          groupID,
			CommitSequenceID: env.SequenceID,
			CommitType:       model.CommitTypeUnknown,
			Error:            &msg,
		}); err != nil {
			return fmt.Errorf("envelope: log rejected commit: %w", err)
		}

		_, err := p.cursors.UpdateCursor(ctx, tx, model.Cursor{
			EntityID: groupID, EntityKind: model.EntityCommitMessage,
			OriginatorID: env.OriginatorID, SequenceID: env.SequenceID,
		})

		return err
	})
}

// processApplication implements spec 4.4's Application-message branch:
// decrypt, persist, advance the cursor, and match a locally authored
// message intent through to Processed.
func (p *Processor) processApplication(ctx context.Context, env transport.Envelope) error {
	groupID := env.Topic.ID

	decrypted, err := p.crypto.DecryptApplication(ctx, groupID, env.Payload)
	if err != nil {
		return fmt.Errorf("envelope: decrypt application message: %w", err)
	}

	return storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		if _, err := p.messages.Insert(ctx, tx, model.StoredGroupMessage{
			GroupID:              groupID,
			Kind:                 string(env.Kind),
			SequenceID:           env.SequenceID,
			OriginatorID:         env.OriginatorID,
			SenderInboxID:        decrypted.SenderInboxID,
			SenderInstallationID: decrypted.SenderInstallationID,
			Content:              decrypted.Content,
			SentAtNS:             model.NowNS(),
			DeliveryStatus:       model.DeliveryPublished,
			ContentType:          decrypted.ContentType,
			ReferenceID:          decrypted.ReferenceID,
		}); err != nil {
			return fmt.Errorf("envelope: store application message: %w", err)
		}

		if _, err := p.cursors.UpdateCursor(ctx, tx, model.Cursor{
			EntityID: groupID, EntityKind: model.EntityApplicationMessage,
			OriginatorID: env.OriginatorID, SequenceID: env.SequenceID,
		}); err != nil {
			return fmt.Errorf("envelope: advance application cursor: %w", err)
		}

		matched, err := p.intentRepo.FindByPayloadHash(ctx, tx, groupID, payloadHash(env.Payload))
		if err != nil {
			return fmt.Errorf("envelope: match payload hash: %w", err)
		}

		if matched != nil && matched.State == model.IntentPublished {
			if err := p.intents.OnEnvelopeCommitted(ctx, tx, matched.ID, env.SequenceID, env.OriginatorID); err != nil {
				return fmt.Errorf("envelope: mark intent committed: %w", err)
			}

			if err := p.intents.OnEnvelopeProcessed(ctx, tx, matched.ID); err != nil {
				return fmt.Errorf("envelope: mark intent processed: %w", err)
			}
		}

		return nil
	})
}

// dispatchPostCommit delivers the intent's Welcome artifacts to every
// newly added installation, with bounded retry. Delivery failure is
// logged and does not block the intent's lifecycle: the commit already
// landed, and a missed Welcome only delays a new member's first sync
// rather than corrupting group state.
func (p *Processor) dispatchPostCommit(ctx context.Context, groupID string, intentID int64) {
	intent, err := p.intentRepo.FindByStates(ctx, p.db, groupID, []model.IntentState{model.IntentCommitted})
	if err != nil {
		p.log.WithFields("group_id", groupID, "intent_id", intentID).Errorf("load committed intent for dispatch: %v", err)
		return
	}

	var postCommitData []byte

	for _, in := range intent {
		if in.ID == intentID {
			postCommitData = in.PostCommitData
			break
		}
	}

	if len(postCommitData) == 0 {
		p.markProcessed(ctx, intentID)
		return
	}

	welcomes, err := p.crypto.SplitPostCommitWelcomes(ctx, postCommitData)
	if err != nil {
		p.log.WithFields("group_id", groupID, "intent_id", intentID).Errorf("split post-commit welcomes: %v", err)
		p.markProcessed(ctx, intentID)

		return
	}

	for _, w := range welcomes {
		topic := transport.Topic{Kind: transport.TopicWelcomeMessages, ID: w.InstallationTopic}

		err := retry.Do(ctx, p.dispatchCfg, func(ctx context.Context, _ int) (bool, error) {
			_, err := p.transport.Publish(ctx, topic, w.Payload)
			return err != nil, err
		})
		if err != nil {
			p.log.WithFields("group_id", groupID, "intent_id", intentID, "installation_topic", w.InstallationTopic).
				Warnf("post-commit welcome dispatch exhausted: %v", err)
		}
	}

	p.markProcessed(ctx, intentID)
}

func (p *Processor) markProcessed(ctx context.Context, intentID int64) {
	err := storage.WithTx(ctx, p.db, func(tx *sql.Tx) error {
		return p.intents.OnEnvelopeProcessed(ctx, tx, intentID)
	})
	if err != nil {
		p.log.WithFields("intent_id", intentID).Errorf("mark intent processed: %v", err)
	}
}

// park implements spec 4.4 step 3: a commit whose validation requires a
// prior commit from a different originator that has not yet been observed
// is set aside rather than rejected, to be re-fed once every dependency is
// satisfied.
func (p *Processor) park(ctx context.Context, env transport.Envelope, deps []model.IceboxDependency) error {
	encoded, err := msgpack.Marshal(env)
	if err != nil {
		return fmt.Errorf("envelope: encode parked envelope: %w", err)
	}

	return p.icebox.Park(ctx, p.db, model.IceboxEntry{
		GroupID:      env.Topic.ID,
		Cursor:       env.SequenceID,
		Envelope:     encoded,
		Dependencies: deps,
	})
}

// recordPendingRemoves keeps pending_remove in step with this commit: a
// freshly self-removed inbox becomes pending, and any inbox whose departure
// this commit actually observed (left or removed outright) is no longer
// pending.
func (p *Processor) recordPendingRemoves(ctx context.Context, tx *sql.Tx, groupID string, vc model.ValidatedCommit) error {
	for _, inbox := range vc.PendingSelfRemove {
		if err := p.pendingRemove.Upsert(ctx, tx, groupID, inbox, vc.Epoch); err != nil {
			return fmt.Errorf("envelope: record pending self-remove: %w", err)
		}
	}

	for _, inbox := range vc.LeftInboxes {
		if err := p.pendingRemove.Resolve(ctx, tx, groupID, inbox); err != nil {
			return fmt.Errorf("envelope: resolve pending self-remove: %w", err)
		}
	}

	for _, inbox := range vc.RemovedInboxes {
		if err := p.pendingRemove.Resolve(ctx, tx, groupID, inbox); err != nil {
			return fmt.Errorf("envelope: resolve pending self-remove: %w", err)
		}
	}

	return nil
}

// consumeKeyPackages marks the key package behind every Add proposal in sc
// consumed. A miss (no unconsumed history entry for that installation) is
// logged rather than failing the commit: the key package history this
// module owns is a diagnostic trail over identity-layer state it doesn't
// control, not a prerequisite for applying the commit.
func (p *Processor) consumeKeyPackages(ctx context.Context, tx *sql.Tx, groupID string, sc model.StagedCommit) {
	for _, prop := range sc.Proposals {
		if prop.Kind != model.ProposalAdd {
			continue
		}

		ok, err := p.keyPkgHistory.MarkConsumedForInstallation(ctx, tx, prop.InstallationID)
		if err != nil {
			p.log.WithFields("group_id", groupID, "installation_id", prop.InstallationID).Errorf("mark key package consumed: %v", err)
			continue
		}

		if !ok {
			p.log.WithFields("group_id", groupID, "installation_id", prop.InstallationID).Warnf("add proposal referenced an unknown or already-consumed key package")
		}
	}
}

// releaseUnblockedIcebox scans groupID's parked entries and releases every
// one whose dependency set is now satisfied, returning the freed entries
// for the caller to re-feed once the enclosing transaction has committed.
func (p *Processor) releaseUnblockedIcebox(ctx context.Context, tx *sql.Tx, groupID string) ([]model.IceboxEntry, error) {
	entries, err := p.icebox.ListForGroup(ctx, tx, groupID)
	if err != nil {
		return nil, fmt.Errorf("envelope: list parked entries: %w", err)
	}

	var freed []model.IceboxEntry

	for _, entry := range entries {
		reached, err := p.reachedCursors(ctx, tx, entry)
		if err != nil {
			return nil, err
		}

		if !entry.Satisfied(reached) {
			continue
		}

		if err := p.icebox.Release(ctx, tx, entry.GroupID, entry.Cursor); err != nil {
			return nil, fmt.Errorf("envelope: release parked entry: %w", err)
		}

		freed = append(freed, entry)
	}

	return freed, nil
}

func (p *Processor) reachedCursors(ctx context.Context, tx *sql.Tx, entry model.IceboxEntry) (map[model.CursorKey]uint64, error) {
	reached := make(map[model.CursorKey]uint64, len(entry.Dependencies))

	for _, dep := range entry.Dependencies {
		c, err := p.cursors.GetLastCursor(ctx, tx, dep.GroupID, dep.EntityKind, dep.OriginatorID)
		if err != nil {
			return nil, fmt.Errorf("envelope: read dependency cursor: %w", err)
		}

		reached[c.Key()] = c.SequenceID
	}

	return reached, nil
}

// replay decodes a freed icebox entry back into an Envelope and re-feeds
// it through Process, outside the transaction that released it.
func (p *Processor) replay(ctx context.Context, entry model.IceboxEntry) error {
	var env transport.Envelope
	if err := msgpack.Unmarshal(entry.Envelope, &env); err != nil {
		return fmt.Errorf("envelope: decode parked envelope: %w", err)
	}

	return p.Process(ctx, env)
}

func payloadHash(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	return sum[:]
}

func entityKindFor(k transport.MessageKind) model.EntityKind {
	switch k {
	case transport.MessageKindWelcome:
		return model.EntityWelcomeMessage
	case transport.MessageKindCommit:
		return model.EntityCommitMessage
	default:
		return model.EntityApplicationMessage
	}
}
