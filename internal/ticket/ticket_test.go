package ticket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetMarkAvailableConservation(t *testing.T) {
	p := New(3)
	ctx := context.Background()

	seen := map[int]bool{}
	for i := 0; i < 3; i++ {
		id, err := p.Get(ctx)
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
	require.Len(t, seen, 3)

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := p.Get(ctx2)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.MarkAvailable(1)
	id, err := p.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, id)
}

func TestCloseFailsWaiters(t *testing.T) {
	p := New(1)
	ctx := context.Background()
	_, err := p.Get(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Get(ctx)
		errs <- err
	}()

	time.Sleep(10 * time.Millisecond)
	sentinel := context.Canceled
	p.Close(sentinel)

	wg.Wait()
	require.ErrorIs(t, <-errs, sentinel)

	_, err = p.Get(ctx)
	require.ErrorIs(t, err, sentinel)
}

func TestCloseIdempotent(t *testing.T) {
	p := New(1)
	p.Close(nil)
	p.Close(nil)
	_, err := p.Get(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestBlocksUntilReturnedNotFail(t *testing.T) {
	p := New(1)
	ctx := context.Background()
	id, err := p.Get(ctx)
	require.NoError(t, err)

	resultCh := make(chan int, 1)
	go func() {
		id, err := p.Get(context.Background())
		require.NoError(t, err)
		resultCh <- id
	}()

	select {
	case <-resultCh:
		t.Fatal("expected blocking, not failure, while exhausted")
	case <-time.After(20 * time.Millisecond):
	}

	p.MarkAvailable(id)
	select {
	case got := <-resultCh:
		require.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for id to be delivered")
	}
}
