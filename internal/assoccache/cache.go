// Package assoccache memoizes the Identity port's resolved AssociationState
// lookups (spec 4.5 rule 6) behind a bounded in-memory LRU. The Commit
// Validation Pipeline re-resolves the acting inbox's association state on
// every commit it validates, including every re-validation of a commit
// released from the icebox once its dependency clears; for a busy group this
// means the same (inboxID, atSequenceID) pair is asked for repeatedly in a
// short window. A redis-backed cache would be the natural choice in a
// networked deployment, but this core runs on-device with no cache server to
// talk to, so an in-process LRU stands in for it (spec section 3 domain
// stack).
package assoccache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/meshline/groupcore/internal/identity"
	"github.com/meshline/groupcore/internal/model"
)

// DefaultSize is the number of resolved association states kept in memory
// when the embedding application does not override it.
const DefaultSize = 4096

type key struct {
	inboxID    model.InboxID
	sequenceID uint64
}

// Cache wraps an identity.Port, memoizing GetAssociationState by the exact
// (inboxID, atSequenceID) pair it was asked for. Caching on the exact pair
// rather than "newest known state" is deliberate: the port's contract is to
// fail closed with apperr.ErrStaleIdentityView when its log has not reached
// atSequenceID yet, and a cache keyed on anything looser would risk serving
// a stale success where the uncached port would correctly refuse. A
// successful resolution for a given sequence_id never changes, so caching
// the exact pair is always safe to reuse.
//
// GetInstallationDiff is not cached: it is resolved once per commit against
// the specific membership delta in that commit, and two commits rarely
// share an identical delta, so memoizing it would mostly miss while still
// paying the lookup-key cost.
type Cache struct {
	inner identity.Port
	cache *lru.Cache[key, model.AssociationState]
}

// New wraps inner with an LRU of the given size. size must be positive.
func New(inner identity.Port, size int) (*Cache, error) {
	c, err := lru.New[key, model.AssociationState](size)
	if err != nil {
		return nil, fmt.Errorf("assoccache: %w", err)
	}

	return &Cache{inner: inner, cache: c}, nil
}

var _ identity.Port = (*Cache)(nil)

// GetAssociationState implements identity.Port, serving from the LRU when
// the exact (inboxID, atSequenceID) pair has already been resolved.
func (c *Cache) GetAssociationState(ctx context.Context, inboxID model.InboxID, atSequenceID uint64) (model.AssociationState, error) {
	k := key{inboxID: inboxID, sequenceID: atSequenceID}

	if state, ok := c.cache.Get(k); ok {
		return state, nil
	}

	state, err := c.inner.GetAssociationState(ctx, inboxID, atSequenceID)
	if err != nil {
		return model.AssociationState{}, err
	}

	c.cache.Add(k, state)

	return state, nil
}

// GetInstallationDiff passes through uncached; see the Cache doc comment.
func (c *Cache) GetInstallationDiff(ctx context.Context, groupID string, oldMembership, newMembership map[model.InboxID]uint64) (model.InstallationDiff, error) {
	return c.inner.GetInstallationDiff(ctx, groupID, oldMembership, newMembership)
}

// Purge drops every cached entry, used by tests and by the debug server's
// operator-triggered cache reset.
func (c *Cache) Purge() {
	c.cache.Purge()
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int {
	return c.cache.Len()
}
