// Package twheel implements a shared timeout manager: a "wheel"
// allowing many cheap per-operation deadlines, so per-request
// timeouts don't each need their own OS timer goroutine. Grounded on
// lib/ttlcache.ExpiryHeap (a container/heap
// of deadlines with a NotifyCh woken whenever the earliest deadline
// changes); this package adapts that shape to fire arbitrary
// callbacks instead of evicting cache entries.
package twheel

import (
	"container/heap"
	"sync"
	"time"
)

type entry struct {
	deadline time.Time
	fn       func()
	index    int
	canceled bool
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Manager runs one background goroutine serving many deadlines.
type Manager struct {
	mu       sync.Mutex
	entries  entryHeap
	notifyCh chan struct{}
	stopCh   chan struct{}
	stopped  bool
}

// NewManager starts the wheel's background goroutine.
func NewManager() *Manager {
	m := &Manager{
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
	heap.Init(&m.entries)
	go m.run()
	return m
}

// After schedules fn to run, in its own goroutine, once d has elapsed.
// The returned cancel func prevents fn from running if called before
// the deadline; it is safe to call multiple times.
func (m *Manager) After(d time.Duration, fn func()) (cancel func()) {
	m.mu.Lock()
	e := &entry{deadline: time.Now().Add(d), fn: fn}
	heap.Push(&m.entries, e)
	if e.index == 0 {
		m.notify()
	}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e.index >= 0 && e.index < len(m.entries) && m.entries[e.index] == e {
				heap.Remove(&m.entries, e.index)
			}
			e.canceled = true
		})
	}
}

// Destroy stops the wheel; no further callbacks will fire.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()
	close(m.stopCh)
}

func (m *Manager) notify() {
	select {
	case m.notifyCh <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	for {
		m.mu.Lock()
		var timerC <-chan time.Time
		var timer *time.Timer
		if len(m.entries) > 0 {
			timer = time.NewTimer(time.Until(m.entries[0].deadline))
			timerC = timer.C
		}
		m.mu.Unlock()

		select {
		case <-m.stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-m.notifyCh:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC:
			m.fireExpired()
		}
	}
}

func (m *Manager) fireExpired() {
	now := time.Now()
	var fire []func()
	m.mu.Lock()
	for len(m.entries) > 0 && !m.entries[0].deadline.After(now) {
		e := heap.Pop(&m.entries).(*entry)
		if !e.canceled {
			fire = append(fire, e.fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fire {
		go fn()
	}
}
