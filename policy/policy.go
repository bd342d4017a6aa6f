// Package policy defines the pluggable host-selection capability set
// and ships three built-in implementations: round-robin, a
// datacentre-filtered round-robin, and random selection. Grounded on
// the shape of agent/router.Manager (a list of servers rotated for RPC
// routing, notified of membership changes), generalized here into a
// user-implementable interface so callers can swap in their own
// selection logic.
package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cql-io/cqlio/internal/hostreg"
)

// Policy is the capability set every load-balancing policy implements.
// Implementations must be safe under concurrent Select.
type Policy interface {
	// Setup wires the policy to the controller's up/down notification
	// points; up and down are called by the policy itself whenever it
	// independently determines a host's eligibility changed (most
	// built-ins never call these; they exist for policies that layer
	// their own health tracking).
	Setup(up, down func(hostreg.InetAddr))
	// OnEvent is called for every HostEvent emitted by the controller.
	OnEvent(ev hostreg.HostEvent)
	// Select returns the next host to try, or false if none are
	// selectable right now.
	Select() (hostreg.Host, bool)
	// Acceptable is consulted on discovery: hosts the policy rejects
	// are never added to the controller's host map's pool set.
	Acceptable(h hostreg.Host) bool
	// HostCount bounds the per-request host-selection retry loop.
	HostCount() int
	// Current returns every currently selectable host.
	Current() []hostreg.Host
	// Display names the policy for diagnostics.
	Display() string
}

// RoundRobin cycles through all up hosts in discovery order.
type RoundRobin struct {
	mu    sync.Mutex
	hosts []hostreg.Host
	up    map[hostreg.InetAddr]bool
	next  int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{up: make(map[hostreg.InetAddr]bool)}
}

func (p *RoundRobin) Setup(up, down func(hostreg.InetAddr)) {}

func (p *RoundRobin) OnEvent(ev hostreg.HostEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Kind {
	case hostreg.EventNewHost:
		// A new host is known but not yet selectable; only a
		// following EventUpHost makes it eligible. The presence check
		// also guards against a host being re-announced.
		if _, known := p.up[ev.Host.Addr]; !known {
			p.hosts = append(p.hosts, ev.Host)
			p.up[ev.Host.Addr] = false
		}
	case hostreg.EventGoneHost:
		p.removeLocked(ev.Addr)
		delete(p.up, ev.Addr)
	case hostreg.EventUpHost:
		p.up[ev.Addr] = true
	case hostreg.EventDownHost:
		p.up[ev.Addr] = false
	}
}

func (p *RoundRobin) removeLocked(addr hostreg.InetAddr) {
	for i, h := range p.hosts {
		if h.Addr == addr {
			p.hosts = append(p.hosts[:i], p.hosts[i+1:]...)
			return
		}
	}
}

func (p *RoundRobin) Select() (hostreg.Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.hosts)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		h := p.hosts[idx]
		if p.up[h.Addr] {
			p.next = idx + 1
			return h, true
		}
	}
	return hostreg.Host{}, false
}

func (p *RoundRobin) Acceptable(h hostreg.Host) bool { return true }

func (p *RoundRobin) HostCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, up := range p.up {
		if up {
			count++
		}
	}
	return count
}

func (p *RoundRobin) Current() []hostreg.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hostreg.Host, 0, len(p.hosts))
	for _, h := range p.hosts {
		if p.up[h.Addr] {
			out = append(out, h)
		}
	}
	return out
}

func (p *RoundRobin) Display() string { return "round-robin" }

// DCFilteredRoundRobin wraps RoundRobin, rejecting hosts outside a
// fixed set of datacentres at discovery time.
type DCFilteredRoundRobin struct {
	*RoundRobin
	dcs map[string]bool
}

func NewDCFilteredRoundRobin(datacenters ...string) *DCFilteredRoundRobin {
	dcs := make(map[string]bool, len(datacenters))
	for _, dc := range datacenters {
		dcs[dc] = true
	}
	return &DCFilteredRoundRobin{RoundRobin: NewRoundRobin(), dcs: dcs}
}

func (p *DCFilteredRoundRobin) Acceptable(h hostreg.Host) bool {
	if len(p.dcs) == 0 {
		return true
	}
	return p.dcs[h.Datacenter]
}

func (p *DCFilteredRoundRobin) Display() string { return "dc-filtered-round-robin" }

// Random selects uniformly among up hosts.
type Random struct {
	mu    sync.Mutex
	hosts []hostreg.Host
	up    map[hostreg.InetAddr]bool
	rng   *rand.Rand
}

func NewRandom() *Random {
	return &Random{up: make(map[hostreg.InetAddr]bool), rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (p *Random) Setup(up, down func(hostreg.InetAddr)) {}

func (p *Random) OnEvent(ev hostreg.HostEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch ev.Kind {
	case hostreg.EventNewHost:
		// A new host is known but not yet selectable; only a
		// following EventUpHost makes it eligible. The presence check
		// also guards against a host being re-announced.
		if _, known := p.up[ev.Host.Addr]; !known {
			p.hosts = append(p.hosts, ev.Host)
			p.up[ev.Host.Addr] = false
		}
	case hostreg.EventGoneHost:
		for i, h := range p.hosts {
			if h.Addr == ev.Addr {
				p.hosts = append(p.hosts[:i], p.hosts[i+1:]...)
				break
			}
		}
		delete(p.up, ev.Addr)
	case hostreg.EventUpHost:
		p.up[ev.Addr] = true
	case hostreg.EventDownHost:
		p.up[ev.Addr] = false
	}
}

func (p *Random) Select() (hostreg.Host, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candidates := p.hosts[:0:0]
	for _, h := range p.hosts {
		if p.up[h.Addr] {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return hostreg.Host{}, false
	}
	return candidates[p.rng.Intn(len(candidates))], true
}

func (p *Random) Acceptable(h hostreg.Host) bool { return true }

func (p *Random) HostCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count := 0
	for _, up := range p.up {
		if up {
			count++
		}
	}
	return count
}

func (p *Random) Current() []hostreg.Host {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]hostreg.Host, 0, len(p.hosts))
	for _, h := range p.hosts {
		if p.up[h.Addr] {
			out = append(out, h)
		}
	}
	return out
}

func (p *Random) Display() string { return "random" }
