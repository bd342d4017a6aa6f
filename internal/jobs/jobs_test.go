package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cql-io/cqlio/internal/hostreg"
)

func blockUntilCanceled() Task {
	return func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestAddStartsTaskOnce(t *testing.T) {
	r := NewRegistry(nil)
	addr := hostreg.NewInetAddr("10.0.0.1", 9042)

	var starts atomic.Int32
	task := func(ctx context.Context) error {
		starts.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}

	r.Add(context.Background(), addr, false, task)
	time.Sleep(10 * time.Millisecond)
	r.Add(context.Background(), addr, false, task) // no-op, already running

	require.Equal(t, int32(1), starts.Load())
	require.ElementsMatch(t, []hostreg.InetAddr{addr}, r.ShowJobs())
	r.Destroy()
}

func TestAddReplaceCancelsPriorTask(t *testing.T) {
	r := NewRegistry(nil)
	addr := hostreg.NewInetAddr("10.0.0.1", 9042)

	firstCanceled := make(chan struct{})
	r.Add(context.Background(), addr, false, func(ctx context.Context) error {
		<-ctx.Done()
		close(firstCanceled)
		return ctx.Err()
	})

	var secondStarted atomic.Bool
	r.Add(context.Background(), addr, true, func(ctx context.Context) error {
		secondStarted.Store(true)
		<-ctx.Done()
		return ctx.Err()
	})

	select {
	case <-firstCanceled:
	case <-time.After(time.Second):
		t.Fatal("prior task was not canceled on replace")
	}
	require.True(t, secondStarted.Load())
	r.Destroy()
}

func TestCancelRemovesFromShowJobs(t *testing.T) {
	r := NewRegistry(nil)
	addr := hostreg.NewInetAddr("10.0.0.1", 9042)
	r.Add(context.Background(), addr, false, blockUntilCanceled())
	time.Sleep(5 * time.Millisecond)
	r.Cancel(addr)
	time.Sleep(5 * time.Millisecond)
	require.Empty(t, r.ShowJobs())
}

func TestDestroyCancelsAll(t *testing.T) {
	r := NewRegistry(nil)
	a1 := hostreg.NewInetAddr("10.0.0.1", 9042)
	a2 := hostreg.NewInetAddr("10.0.0.2", 9042)
	r.Add(context.Background(), a1, false, blockUntilCanceled())
	r.Add(context.Background(), a2, false, blockUntilCanceled())

	r.Destroy()
	require.Empty(t, r.ShowJobs())
}
