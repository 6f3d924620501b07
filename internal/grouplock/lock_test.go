package grouplock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshline/groupcore/internal/grouplock"
)

func TestWithLock_SerializesSameGroup(t *testing.T) {
	m := grouplock.New()

	var active int32
	var maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_ = m.WithLock(context.Background(), "group-1", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&maxActive) {
					atomic.StoreInt32(&maxActive, n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}

	wg.Wait()
	require.EqualValues(t, 1, maxActive)
}

func TestWithLock_DifferentGroupsRunConcurrently(t *testing.T) {
	m := grouplock.New()

	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make(chan time.Duration, 2)

	for _, group := range []string{"group-a", "group-b"} {
		wg.Add(1)
		go func(groupID string) {
			defer wg.Done()
			<-start

			began := time.Now()
			_ = m.WithLock(context.Background(), groupID, func(ctx context.Context) error {
				time.Sleep(20 * time.Millisecond)
				return nil
			})
			results <- time.Since(began)
		}(group)
	}

	close(start)
	wg.Wait()
	close(results)

	for d := range results {
		require.Less(t, d, 40*time.Millisecond)
	}
}

func TestWithLock_ReentrantWithinSameContext(t *testing.T) {
	m := grouplock.New()

	done := make(chan struct{})

	err := m.WithLock(context.Background(), "group-1", func(ctx context.Context) error {
		go func() {
			// A nested WithLock call for the same group using a context
			// derived from the outer one re-enters instead of deadlocking.
			_ = m.WithLock(ctx, "group-1", func(ctx context.Context) error {
				close(done)
				return nil
			})
		}()

		select {
		case <-done:
			return nil
		case <-time.After(time.Second):
			t.Fatal("nested WithLock deadlocked")
			return nil
		}
	})

	require.NoError(t, err)
}
