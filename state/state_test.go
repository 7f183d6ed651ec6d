package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneration(t *testing.T) {
	var g Generation

	assert.False(t, Ticket{}.Live(), "zero ticket is never live")

	first := g.Next()
	require.True(t, first.Live())
	assert.True(t, g.Current().Live())

	second := g.Next()
	assert.False(t, first.Live(), "a new generation makes older tickets stale")
	assert.True(t, second.Live())

	g.Invalidate()
	assert.False(t, second.Live())
	assert.True(t, g.Current().Live())
	assert.False(t, AllLive(g.Current(), second))
}

func TestInFlight(t *testing.T) {
	var f InFlight

	release, ok := f.TryAcquire("stake")
	require.True(t, ok)
	assert.True(t, f.Busy("stake"))

	_, ok = f.TryAcquire("stake")
	assert.False(t, ok, "a second request for a pending action is rejected, not queued")

	other, ok := f.TryAcquire("withdraw")
	require.True(t, ok, "different actions do not block each other")
	assert.ElementsMatch(t, []string{"stake", "withdraw"}, f.Pending())

	release()
	release()
	other()
	assert.False(t, f.Busy("stake"))

	_, ok = f.TryAcquire("stake")
	assert.True(t, ok, "flag is cleared once released")
}

func TestInFlight_Concurrent(t *testing.T) {
	var f InFlight
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := f.TryAcquire("harvest"); ok {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, acquired)
}

func TestPhase(t *testing.T) {
	testCases := []struct {
		phase   Phase
		name    string
		settled bool
	}{
		{PhaseIdle, "idle", false},
		{PhaseLoading, "loading", false},
		{PhaseUnavailable, "unavailable", true},
		{PhaseNotStarted, "not_started", true},
		{PhaseReady, "ready", true},
		{PhaseFailed, "failed", true},
		{Phase(42), "phase(42)", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.name, tc.phase.String())
			assert.Equal(t, tc.settled, tc.phase.Settled())
			text, err := tc.phase.MarshalText()
			require.NoError(t, err)
			assert.Equal(t, tc.name, string(text))
		})
	}
}

func TestSettle(t *testing.T) {
	t.Run("Happy Path - result returned and flag released", func(t *testing.T) {
		var f InFlight
		release, ok := f.TryAcquire("stake")
		require.True(t, ok)

		boom := errors.New("reverted")
		err := Settle(context.Background(), context.Background(), release, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, f.Busy("stake"), "released before the result is returned")
	})

	t.Run("Edge Case - caller gives up while the wait goes on", func(t *testing.T) {
		var f InFlight
		release, ok := f.TryAcquire("stake")
		require.True(t, ok)

		mined := make(chan struct{})
		var sawLifetime atomic.Bool
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := Settle(ctx, context.Background(), release, func(lifetime context.Context) error {
			<-mined
			sawLifetime.Store(lifetime.Err() == nil)
			return nil
		})
		assert.ErrorIs(t, err, ErrDetached)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.True(t, f.Busy("stake"), "flag held until the wait settles")

		close(mined)
		assert.Eventually(t, func() bool { return !f.Busy("stake") }, time.Second, time.Millisecond)
		assert.True(t, sawLifetime.Load())
	})
}
