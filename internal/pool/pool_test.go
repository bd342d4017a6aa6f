package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cql-io/cqlio/frame"
	"github.com/cql-io/cqlio/internal/cqlerr"
)

type fakeItem struct {
	open   atomic.Bool
	closes *atomic.Int32
}

func (f *fakeItem) IsOpen() bool { return f.open.Load() }
func (f *fakeItem) Close() error {
	f.open.Store(false)
	f.closes.Add(1)
	return nil
}

func newFakePool(t *testing.T, settings Settings) (*Pool[*fakeItem], *atomic.Int32, *atomic.Int32) {
	t.Helper()
	var opens, closes atomic.Int32
	open := func(ctx context.Context) (*fakeItem, error) {
		opens.Add(1)
		f := &fakeItem{closes: &closes}
		f.open.Store(true)
		return f, nil
	}
	closeFn := func(f *fakeItem) error { return f.Close() }
	p := Create[*fakeItem](open, closeFn, nil, settings)
	t.Cleanup(func() { p.Destroy() })
	return p, &opens, &closes
}

func TestAcquireOpensUpToMax(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxConnections = 2
	settings.WaitQueueTimeout = 50 * time.Millisecond
	p, opens, _ := newFakePool(t, settings)

	ctx := context.Background()
	a, err := p.acquire(ctx)
	require.NoError(t, err)
	b, err := p.acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(2), opens.Load())
	require.Equal(t, 2, p.InUse())

	_, err = p.acquire(ctx)
	require.Error(t, err)

	p.release(a, false)
	p.release(b, false)
}

func TestReleaseReusesIdleItem(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxConnections = 1
	p, opens, _ := newFakePool(t, settings)

	ctx := context.Background()
	a, err := p.acquire(ctx)
	require.NoError(t, err)
	p.release(a, false)
	require.Equal(t, 1, p.Idle())

	b, err := p.acquire(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), opens.Load())
	require.Same(t, a, b)
	p.release(b, false)
}

func TestUnhealthyReleaseClosesInsteadOfReuse(t *testing.T) {
	p, _, closes := newFakePool(t, DefaultSettings())
	ctx := context.Background()
	a, err := p.acquire(ctx)
	require.NoError(t, err)
	p.release(a, true)
	require.Equal(t, 0, p.Idle())
	require.Equal(t, int32(1), closes.Load())
}

func TestWithClosesOnActionError(t *testing.T) {
	p, _, closes := newFakePool(t, DefaultSettings())
	ctx := context.Background()

	err := With[*fakeItem](ctx, p, func(*fakeItem) error {
		return context.DeadlineExceeded
	})
	require.Error(t, err)
	require.Equal(t, int32(1), closes.Load())
	require.Equal(t, 0, p.Idle())
}

func TestWithKeepsConnectionOnNonRetryableServerError(t *testing.T) {
	p, _, closes := newFakePool(t, DefaultSettings())
	ctx := context.Background()

	err := With[*fakeItem](ctx, p, func(*fakeItem) error {
		return cqlerr.New(cqlerr.KindServer).WithServer(&frame.ServerError{Code: frame.ErrSyntaxError, Message: "bad cql"})
	})
	require.Error(t, err)
	require.Equal(t, int32(0), closes.Load())
	require.Equal(t, 1, p.Idle())
}

func TestWithClosesConnectionOnRetryableServerError(t *testing.T) {
	p, _, closes := newFakePool(t, DefaultSettings())
	ctx := context.Background()

	err := With[*fakeItem](ctx, p, func(*fakeItem) error {
		return cqlerr.New(cqlerr.KindServer).WithServer(&frame.ServerError{Code: frame.ErrOverloaded, Message: "overloaded"})
	})
	require.Error(t, err)
	require.Equal(t, int32(1), closes.Load())
	require.Equal(t, 0, p.Idle())
}

func TestAcquireBlocksThenSucceedsOnRelease(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxConnections = 1
	settings.WaitQueueTimeout = time.Second
	p, _, _ := newFakePool(t, settings)

	ctx := context.Background()
	a, err := p.acquire(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		b, err := p.acquire(ctx)
		require.NoError(t, err)
		p.release(b, false)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	p.release(a, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up")
	}
}

func TestDestroyClosesIdleItems(t *testing.T) {
	p, _, closes := newFakePool(t, DefaultSettings())
	ctx := context.Background()
	a, err := p.acquire(ctx)
	require.NoError(t, err)
	p.release(a, false)
	require.Equal(t, 1, p.Idle())

	p.Destroy()
	require.Equal(t, int32(1), closes.Load())
}
