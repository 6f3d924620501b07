package transport

import (
	"context"

	"github.com/meshline/groupcore/internal/circuitbreaker"
)

// Resilient wraps a Port with a circuit breaker guarding Publish, so a
// flapping network log trips open instead of letting the Intent Lifecycle
// Engine's publish loop and the post-commit Welcome dispatch spin against a
// dependency that is already failing (spec section 2.5). Query and
// Subscribe pass through unguarded: they are read paths the refresh flow
// already retries at a higher level, and a long-lived Subscribe stream is
// not the kind of call a breaker's short trial window fits.
type Resilient struct {
	inner   Port
	breaker *circuitbreaker.Breaker
}

// NewResilient wraps inner with breaker.
func NewResilient(inner Port, breaker *circuitbreaker.Breaker) *Resilient {
	return &Resilient{inner: inner, breaker: breaker}
}

var _ Port = (*Resilient)(nil)

// Publish runs inner.Publish through the breaker, short-circuiting with the
// breaker's own error (gobreaker.ErrOpenState/ErrTooManyRequests, classified
// apperr.KindTransient by the caller) while the dependency is tripped.
func (r *Resilient) Publish(ctx context.Context, topic Topic, payload []byte) (Ack, error) {
	var ack Ack

	err := r.breaker.Execute(ctx, func() error {
		var innerErr error
		ack, innerErr = r.inner.Publish(ctx, topic, payload)
		return innerErr
	})

	return ack, err
}

// Query passes through to inner unguarded.
func (r *Resilient) Query(ctx context.Context, topic Topic, sinceCursor *uint64) ([]Envelope, error) {
	return r.inner.Query(ctx, topic, sinceCursor)
}

// Subscribe passes through to inner unguarded.
func (r *Resilient) Subscribe(ctx context.Context, topic Topic, sinceCursor *uint64) (Stream, error) {
	return r.inner.Subscribe(ctx, topic, sinceCursor)
}
