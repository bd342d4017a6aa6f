package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProbeReportsUpOnFirstSuccessfulPing(t *testing.T) {
	var attempts atomic.Int32
	ping := func(ctx context.Context) error {
		n := attempts.Add(1)
		if n >= 3 {
			return nil
		}
		return errors.New("still down")
	}

	var up atomic.Bool
	err := Probe(context.Background(), time.Millisecond, 200*time.Millisecond, ping, func() { up.Store(true) })
	require.NoError(t, err)
	require.True(t, up.Load())
	require.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestProbeStopsOnContextCancel(t *testing.T) {
	ping := func(ctx context.Context) error { return errors.New("never up") }
	ctx, cancel := context.WithCancel(context.Background())

	var up atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- Probe(ctx, time.Millisecond, time.Second, ping, func() { up.Store(true) })
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("probe did not stop after cancel")
	}
	require.False(t, up.Load())
}

func TestProbeDelayIsCappedByUpperBound(t *testing.T) {
	// With a tiny upperBound, maxN collapses to 0 so every sleep is a
	// flat `step`; this just verifies Probe converges quickly rather
	// than growing its backoff unbounded.
	var attempts atomic.Int32
	ping := func(ctx context.Context) error {
		if attempts.Add(1) >= 2 {
			return nil
		}
		return errors.New("down")
	}

	start := time.Now()
	err := Probe(context.Background(), 0, 50*time.Millisecond, ping, func() {})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
}
