// Package pool implements a per-host bounded connection pool:
// acquire/release with idle reuse, create-on-demand up to
// maxConnections, and eviction of idle connections past idleTimeout.
// Grounded on agent/pool.ConnPool: a background reaper closes
// connections that have sat idle too long. Concurrent dial attempts
// are not coalesced: each acquire that finds no idle item while below
// maxConnections opens its own.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/cql-io/cqlio/internal/cqlerr"
)

// Item is the minimal surface a pool needs from a pooled resource.
// internal/conn.Connection satisfies this.
type Item interface {
	IsOpen() bool
	Close() error
}

// Settings is a pool's configuration surface.
type Settings struct {
	MaxConnections   int
	IdleTimeout      time.Duration
	WaitQueueTimeout time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		MaxConnections:   2,
		IdleTimeout:      10 * time.Minute,
		WaitQueueTimeout: 5 * time.Second,
	}
}

type idleEntry struct {
	item    Item
	idledAt time.Time
}

// Pool is a bounded set of Items for one host.
type Pool[T Item] struct {
	open  func(ctx context.Context) (T, error)
	close func(T) error

	logger   hclog.Logger
	settings Settings

	mu       sync.Mutex
	inUse    int
	idle     *list.List // of idleEntry
	waiters  int
	destroyed bool
	waitCh   chan struct{}

	stopReap chan struct{}
}

// Create builds a pool. open constructs a new resource; close
// releases one permanently. A connection's maxStreams setting
// configures the connection being opened, not the pool itself, so
// callers fold it into open's closure.
func Create[T Item](open func(ctx context.Context) (T, error), closeFn func(T) error, logger hclog.Logger, settings Settings) *Pool[T] {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	p := &Pool[T]{
		open:     open,
		close:    closeFn,
		logger:   logger,
		settings: settings,
		idle:     list.New(),
		waitCh:   make(chan struct{}),
		stopReap: make(chan struct{}),
	}
	if settings.IdleTimeout > 0 {
		go p.reap()
	}
	return p
}

// acquire returns an idle item if one exists, opens a fresh one if
// under maxConnections, or blocks up to WaitQueueTimeout for one to
// free up — failing with HostsBusy on timeout.
func (p *Pool[T]) acquire(ctx context.Context) (T, error) {
	for {
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			var zero T
			return zero, cqlerr.New(cqlerr.KindConnectionClosed)
		}
		if front := p.idle.Front(); front != nil {
			p.idle.Remove(front)
			entry := front.Value.(idleEntry)
			if entry.item.IsOpen() {
				p.inUse++
				p.mu.Unlock()
				return entry.item.(T), nil
			}
			// Stale, drop and keep looking / fall through to open.
			p.mu.Unlock()
			continue
		}
		if p.inUse < p.settings.MaxConnections {
			p.inUse++
			p.mu.Unlock()
			item, err := p.open(ctx)
			if err != nil {
				p.mu.Lock()
				p.inUse--
				p.mu.Unlock()
				var zero T
				return zero, err
			}
			metrics.IncrCounter([]string{"cqlio", "pool", "opened"}, 1)
			return item, nil
		}
		wait := p.waitCh
		p.waiters++
		p.mu.Unlock()

		timeout := p.settings.WaitQueueTimeout
		var timerC <-chan time.Time
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			timerC = timer.C
		}

		select {
		case <-wait:
			// loop and retry the acquisition.
		case <-timerC:
			var zero T
			return zero, cqlerr.New(cqlerr.KindHostsBusy)
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// release returns item to the idle queue, or closes it if the caller
// flags it unhealthy (raised on action) or the pool has been
// destroyed in the meantime.
func (p *Pool[T]) release(item T, unhealthy bool) {
	p.mu.Lock()
	p.inUse--
	destroyed := p.destroyed
	p.mu.Unlock()

	if unhealthy || destroyed || !item.IsOpen() {
		_ = p.close(item)
	} else {
		p.mu.Lock()
		p.idle.PushBack(idleEntry{item: item, idledAt: time.Now()})
		p.mu.Unlock()
	}
	p.wakeWaiter()
}

func (p *Pool[T]) wakeWaiter() {
	p.mu.Lock()
	if p.waiters > 0 {
		p.waiters--
		old := p.waitCh
		p.waitCh = make(chan struct{})
		p.mu.Unlock()
		close(old)
		return
	}
	p.mu.Unlock()
}

// With runs action against an acquired item: acquire, run, release on
// every exit path. The item is closed rather than returned to the
// idle queue unless action's error is a server error the CQL error
// taxonomy marks as non-retryable (a syntax mistake, an auth failure,
// ...): those are answers from a healthy connection and must not tear
// it down, whereas every other error (connection-level failures, and
// the retryable server-error subset that already drives a retry) is
// treated as a sign the connection itself is no longer trustworthy.
func With[T Item](ctx context.Context, p *Pool[T], action func(T) error) error {
	item, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	actionErr := action(item)
	p.release(item, unhealthy(actionErr))
	return actionErr
}

func unhealthy(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*cqlerr.Error); ok && se.Kind == cqlerr.KindServer {
		return se.Retryable()
	}
	return true
}

// Destroy closes every idle item and stops the reaper; in-use items
// close as they're released. Close failures across items are
// aggregated rather than discarded, mirroring the pervasive use of
// hashicorp/go-multierror for "tried N things, collect errors" seen
// throughout agent/consul.
func (p *Pool[T]) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	var toClose []Item
	for e := p.idle.Front(); e != nil; e = e.Next() {
		toClose = append(toClose, e.Value.(idleEntry).item)
	}
	p.idle.Init()
	close(p.stopReap)
	p.mu.Unlock()

	var closeErrs *multierror.Error
	for _, item := range toClose {
		if err := p.close(item.(T)); err != nil {
			closeErrs = multierror.Append(closeErrs, err)
		}
	}
	metrics.IncrCounter([]string{"cqlio", "pool", "destroyed"}, 1)
	return closeErrs.ErrorOrNil()
}

// InUse reports the current number of checked-out items, for tests
// and diagnostics.
func (p *Pool[T]) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Idle reports the current idle-queue length.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

func (p *Pool[T]) reap() {
	ticker := time.NewTicker(p.settings.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReap:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool[T]) reapOnce() {
	cutoff := time.Now().Add(-p.settings.IdleTimeout)
	var expired []Item

	p.mu.Lock()
	for e := p.idle.Front(); e != nil; {
		entry := e.Value.(idleEntry)
		next := e.Next()
		if entry.idledAt.Before(cutoff) {
			p.idle.Remove(e)
			expired = append(expired, entry.item)
		}
		e = next
	}
	p.mu.Unlock()

	for _, item := range expired {
		_ = p.close(item.(T))
	}
	if len(expired) > 0 {
		metrics.IncrCounter([]string{"cqlio", "pool", "reaped"}, float32(len(expired)))
	}
}

// Ping opens a short-lived throwaway connection via open and closes it
// immediately, reporting reachability without touching the pool's
// steady-state capacity (the addr itself is baked into open's closure
// by the caller, as the cluster controller's pingHost builds one
// open func per host).
func Ping[T Item](ctx context.Context, open func(ctx context.Context) (T, error), closeFn func(T) error) error {
	item, err := open(ctx)
	if err != nil {
		return err
	}
	return closeFn(item)
}
