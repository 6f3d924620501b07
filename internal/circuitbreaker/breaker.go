// Package circuitbreaker wraps sony/gobreaker with the teacher's
// StateChangeListener pattern (pkg/mcircuitbreaker), so callers that need to
// log or trace state transitions don't depend directly on gobreaker's types.
package circuitbreaker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// State mirrors gobreaker.State as its own type so listeners don't import
// gobreaker directly.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
	StateUnknown
)

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateUnknown
	}
}

// Counts mirrors gobreaker.Counts.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeEvent is delivered to a StateChangeListener on every transition.
type StateChangeEvent struct {
	ServiceName string
	FromState   State
	ToState     State
	Counts      Counts
}

// StateChangeListener receives circuit breaker transitions, e.g. to log a
// warning when a dependency trips open.
type StateChangeListener interface {
	OnCircuitBreakerStateChange(event StateChangeEvent)
}

// Breaker wraps a gobreaker.CircuitBreaker scoped to one named dependency
// (e.g. "transport.publish" or "identity.resolve").
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

// Settings configures a Breaker. MaxHalfOpenRequests is the number of trial
// requests allowed through while half-open; OpenTimeout is how long the
// breaker stays open before probing again; FailureRatio and MinRequests
// gate when a closed breaker trips.
type Settings struct {
	MaxHalfOpenRequests uint32
	OpenTimeout         time.Duration
	FailureRatio        float64
	MinRequests         uint32
	Listener            StateChangeListener
}

// DefaultSettings is tuned for a flaky remote transport: a handful of
// trial requests, a short cooldown, and a majority-failure trip threshold.
func DefaultSettings() Settings {
	return Settings{
		MaxHalfOpenRequests: 3,
		OpenTimeout:         30 * time.Second,
		FailureRatio:        0.5,
		MinRequests:         5,
	}
}

// New builds a named Breaker.
func New(name string, settings Settings) *Breaker {
	b := &Breaker{name: name}

	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: settings.MaxHalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < settings.MinRequests {
				return false
			}

			failureRatio := float64(c.TotalFailures) / float64(c.Requests)

			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if settings.Listener == nil {
				return
			}

			counts := b.cb.Counts()

			settings.Listener.OnCircuitBreakerStateChange(StateChangeEvent{
				ServiceName: name,
				FromState:   convertState(from),
				ToState:     convertState(to),
				Counts: Counts{
					Requests:             counts.Requests,
					TotalSuccesses:       counts.TotalSuccesses,
					TotalFailures:        counts.TotalFailures,
					ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
					ConsecutiveFailures:  counts.ConsecutiveFailures,
				},
			})
		},
	})

	return b
}

// Execute runs fn through the breaker, short-circuiting with
// gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests when tripped.
func (b *Breaker) Execute(_ context.Context, fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})

	return err
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string {
	return b.name
}
