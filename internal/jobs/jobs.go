// Package jobs implements an at-most-one-task-per-host registry. It
// is adapted near-verbatim from lib/routine.Manager (named goroutines,
// individually cancelable, tracked by a stopped-channel), keyed here
// by hostreg.InetAddr instead of an arbitrary string name, and with
// replace semantics inverted to an add(key, replace, task) contract
// rather than routine.Manager's idempotent Start.
package jobs

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/cql-io/cqlio/internal/hostreg"
)

// Task is a long-running job bound to one host; it must return
// promptly once ctx is canceled.
type Task func(ctx context.Context) error

type tracked struct {
	cancel    context.CancelFunc
	stoppedCh chan struct{}
}

func (t *tracked) running() bool {
	select {
	case <-t.stoppedCh:
		return false
	default:
		return true
	}
}

// Registry holds at most one live task per InetAddr.
type Registry struct {
	mu     sync.Mutex
	logger hclog.Logger
	tasks  map[hostreg.InetAddr]*tracked
}

func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		logger: logger.Named("jobs"),
		tasks:  make(map[hostreg.InetAddr]*tracked),
	}
}

// Add starts task under key. If replace is true, any prior task for
// key is canceled first and task always starts. If replace is false
// and a task is already live for key, Add does nothing.
func (r *Registry) Add(ctx context.Context, key hostreg.InetAddr, replace bool, task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tasks[key]; ok && existing.running() {
		if !replace {
			return
		}
		existing.cancel()
	}

	if ctx == nil {
		ctx = context.Background()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	t := &tracked{cancel: cancel, stoppedCh: make(chan struct{})}
	r.tasks[key] = t

	go r.run(taskCtx, key, task, t.stoppedCh)
	r.logger.Debug("started job", "host", key.String())
}

func (r *Registry) run(ctx context.Context, key hostreg.InetAddr, task Task, done chan struct{}) {
	defer close(done)
	err := task(ctx)
	if err != nil && err != context.Canceled && err != context.DeadlineExceeded {
		r.logger.Error("job exited with error", "host", key.String(), "error", err)
	} else {
		r.logger.Debug("job finished", "host", key.String())
	}
}

// Cancel stops the live task for key, if any.
func (r *Registry) Cancel(key hostreg.InetAddr) {
	r.mu.Lock()
	t, ok := r.tasks[key]
	if ok {
		delete(r.tasks, key)
	}
	r.mu.Unlock()
	if ok && t.running() {
		t.cancel()
	}
}

// ShowJobs enumerates the keys with a currently live task.
func (r *Registry) ShowJobs() []hostreg.InetAddr {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]hostreg.InetAddr, 0, len(r.tasks))
	for k, t := range r.tasks {
		if t.running() {
			out = append(out, k)
		}
	}
	return out
}

// Destroy cancels every live task. It does not wait for them to exit;
// callers that need that should poll ShowJobs or track their own
// completion signal.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, t := range r.tasks {
		if t.running() {
			t.cancel()
		}
		delete(r.tasks, key)
	}
}
