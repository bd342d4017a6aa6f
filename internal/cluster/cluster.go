// Package cluster implements the cluster controller: it owns the
// control connection, discovers peers via system.local /
// system.peers, maintains the host registry and per-host pools, and
// reacts to server push events and connection failures by
// reconnecting the control connection with backoff. Grounded on
// agent/consul/client_serf.go (one goroutine dispatching Serf events
// into a handler switch) and client.go's RPC retry loop (exponential
// backoff with jitter on repeated failure), generalized from
// gossip-membership events to CQL TOPOLOGY_CHANGE/STATUS_CHANGE push
// events. Concurrent reconnect triggers are coalesced with
// golang.org/x/sync/singleflight, the same de-duplication idiom
// agent/consul/acl.go uses for concurrent identity lookups.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"

	"github.com/cql-io/cqlio/frame"
	"github.com/cql-io/cqlio/internal/conn"
	"github.com/cql-io/cqlio/internal/cqlerr"
	"github.com/cql-io/cqlio/internal/hostreg"
	"github.com/cql-io/cqlio/internal/jobs"
	"github.com/cql-io/cqlio/internal/monitor"
	"github.com/cql-io/cqlio/internal/pool"
	"github.com/cql-io/cqlio/internal/twheel"
	"github.com/cql-io/cqlio/policy"
)

// ControlState is the control connection's own small state machine.
type ControlState int

const (
	Disconnected ControlState = iota
	Connected
	Reconnecting
)

const (
	reconnectBaseDelay = 5 * time.Millisecond
	reconnectMaxDelay  = 5 * time.Second
	pingTimeout        = 5 * time.Second
	monitorUpperBound  = 60 * time.Second
)

// Controller owns cluster discovery, the host registry, per-host
// pools, and the control connection.
type Controller struct {
	contacts     []hostreg.InetAddr
	connSettings conn.Settings
	poolSettings pool.Settings
	version      frame.Version
	logger       hclog.Logger
	tmgr         *twheel.Manager
	pol          policy.Policy
	hosts        *hostreg.Registry
	jobReg       *jobs.Registry

	// OnHostReady is invoked whenever a host transitions to Up, either
	// at discovery or after a monitor probe succeeds; cqlio.Open hooks
	// this to re-prepare every cached statement on that host.
	OnHostReady func(hostreg.InetAddr)

	poolMu sync.Mutex
	pools  map[hostreg.InetAddr]*pool.Pool[*conn.Connection]

	controlMu sync.Mutex
	state     ControlState
	control   *conn.Connection
	controlAt hostreg.InetAddr

	// reconnectGroup coalesces concurrent NotifyConnectionError calls
	// racing to replace the control connection into a single attempt.
	reconnectGroup singleflight.Group

	stopCh chan struct{}
}

func New(contacts []hostreg.InetAddr, connSettings conn.Settings, poolSettings pool.Settings, version frame.Version, logger hclog.Logger, tmgr *twheel.Manager, pol policy.Policy) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Controller{
		contacts:     contacts,
		connSettings: connSettings,
		poolSettings: poolSettings,
		version:      version,
		logger:       logger.Named("cluster"),
		tmgr:         tmgr,
		pol:          pol,
		hosts:        hostreg.NewRegistry(),
		jobReg:       jobs.NewRegistry(logger),
		pools:        make(map[hostreg.InetAddr]*pool.Pool[*conn.Connection]),
		stopCh:       make(chan struct{}),
	}
}

// Hosts exposes the host registry for read access by the dispatcher.
func (c *Controller) Hosts() *hostreg.Registry { return c.hosts }

// Init tries each contact address in order; the first to connect
// becomes the control connection. It then discovers the local node's
// DC/rack, queries peers, and registers the local node and each
// accepted peer.
func (c *Controller) Init(ctx context.Context) error {
	var dialErrs *multierror.Error
	for _, addr := range c.contacts {
		cc, err := conn.Connect(ctx, c.connSettings, c.tmgr, c.version, c.logger, addr)
		if err != nil {
			dialErrs = multierror.Append(dialErrs, fmt.Errorf("%s: %w", addr, err))
			continue
		}
		c.setControl(Connected, cc, addr)
		if err := c.initializeFromControl(ctx, addr); err != nil {
			return err
		}
		go c.runEvents(cc)
		return nil
	}
	return cqlerr.New(cqlerr.KindNoHostAvailable).WithReason(fmt.Sprintf("no contact address reachable: %v", dialErrs.ErrorOrNil()))
}

func (c *Controller) initializeFromControl(ctx context.Context, controlAddr hostreg.InetAddr) error {
	cc := c.controlConn()
	dc, rack, err := c.queryLocal(ctx, cc)
	if err != nil {
		return err
	}
	c.acceptHost(ctx, hostreg.Host{Addr: controlAddr, Datacenter: dc, Rack: rack})

	peers, err := c.queryPeers(ctx, cc)
	if err != nil {
		return err
	}
	for _, h := range peers {
		c.acceptHost(ctx, h)
	}

	if err := cc.Register(ctx, []string{string(frame.TopologyChange), string(frame.StatusChange), string(frame.SchemaChange)}, c.handleEvent); err != nil {
		return err
	}
	return nil
}

// acceptHost is run for every newly discovered host (the control
// host's local node, Init's peer scan, or a NewNode event): if the policy accepts it, ping it;
// if up, create its pool and mark it up; if down, create the pool
// anyway and schedule a monitor job. The policy only learns of a host
// once, here, at the moment it is first known; a failed initial ping
// must not imply the host is selectable.
func (c *Controller) acceptHost(ctx context.Context, h hostreg.Host) {
	if !c.pol.Acceptable(h) {
		return
	}
	_, alreadyKnown := c.hosts.Get(h.Addr)
	c.hosts.Put(h)
	c.logger.Debug("host registry mutated", "addr", h.Addr.String(), "version", c.hosts.Version())
	c.ensurePool(h.Addr)
	if !alreadyKnown {
		c.pol.OnEvent(hostreg.NewHostEvent(h))
	}

	if c.pingHost(ctx, h.Addr) {
		c.markUp(h)
	} else {
		c.scheduleMonitor(h)
	}
}

func (c *Controller) pingHost(ctx context.Context, addr hostreg.InetAddr) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	open := func(ctx context.Context) (*conn.Connection, error) {
		s := c.connSettings
		s.ConnectTimeout = pingTimeout
		return conn.Connect(ctx, s, c.tmgr, c.version, c.logger, addr)
	}
	closeFn := func(cc *conn.Connection) error { return cc.Close() }
	return pool.Ping[*conn.Connection](pingCtx, open, closeFn) == nil
}

// markUp tells the policy a host is selectable. The host is assumed
// already known (acceptHost announces it before ever calling this).
func (c *Controller) markUp(h hostreg.Host) {
	c.pol.OnEvent(hostreg.UpHostEvent(h.Addr))
	if c.OnHostReady != nil {
		c.OnHostReady(h.Addr)
	}
}

// scheduleMonitor starts a reachability probe for h without touching
// its selectability: called both for a host whose initial ping just
// failed (already announced New by acceptHost, stays Down until the
// probe succeeds) and for an already-known host that reported a
// StatusChange Up event (no New announcement due at all).
func (c *Controller) scheduleMonitor(h hostreg.Host) {
	c.jobReg.Add(context.Background(), h.Addr, true, func(ctx context.Context) error {
		ping := func(ctx context.Context) error {
			if c.pingHost(ctx, h.Addr) {
				return nil
			}
			return cqlerr.New(cqlerr.KindConnectTimeout).WithAddr(h.Addr.String())
		}
		return monitor.Probe(ctx, 0, monitorUpperBound, ping, func() {
			c.markUp(h)
		})
	})
}

// ensurePool race-safely returns the pool for addr, creating it if
// absent.
func (c *Controller) ensurePool(addr hostreg.InetAddr) *pool.Pool[*conn.Connection] {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if p, ok := c.pools[addr]; ok {
		return p
	}
	open := func(ctx context.Context) (*conn.Connection, error) {
		return conn.Connect(ctx, c.connSettings, c.tmgr, c.version, c.logger, addr)
	}
	closeFn := func(cc *conn.Connection) error { return cc.Close() }
	p := pool.Create[*conn.Connection](open, closeFn, c.logger, c.poolSettings)
	c.pools[addr] = p
	return p
}

// PoolFor returns the pool for addr, or an error if the host is
// unknown.
func (c *Controller) PoolFor(addr hostreg.InetAddr) (*pool.Pool[*conn.Connection], error) {
	c.poolMu.Lock()
	p, ok := c.pools[addr]
	c.poolMu.Unlock()
	if !ok {
		return nil, cqlerr.New(cqlerr.KindNoHostAvailable).WithAddr(addr.String())
	}
	return p, nil
}

func (c *Controller) removeHost(addr hostreg.InetAddr) {
	c.hosts.Remove(addr)
	c.logger.Debug("host registry mutated", "addr", addr.String(), "version", c.hosts.Version())
	c.jobReg.Cancel(addr)

	c.poolMu.Lock()
	p, ok := c.pools[addr]
	delete(c.pools, addr)
	c.poolMu.Unlock()
	if ok {
		p.Destroy()
	}
	c.pol.OnEvent(hostreg.GoneHostEvent(addr))
}

func (c *Controller) queryLocal(ctx context.Context, cc *conn.Connection) (dc, rack string, err error) {
	resp, err := cc.Request(ctx, frame.OpQuery, frame.Query(
		"SELECT data_center, rack FROM system.local",
		frame.QueryParams{Consistency: frame.One, SkipMetadata: true}))
	if err != nil {
		return "", "", err
	}
	rows, err := frame.DecodeRowsNoMetadata(resp.Body)
	if err != nil {
		return "", "", err
	}
	if len(rows.Values) == 0 {
		return "", "", cqlerr.New(cqlerr.KindUnexpectedResponse).WithReason("system.local returned no rows")
	}
	row := rows.Values[0]
	return string(row[0]), string(row[1]), nil
}

func (c *Controller) queryPeers(ctx context.Context, cc *conn.Connection) ([]hostreg.Host, error) {
	resp, err := cc.Request(ctx, frame.OpQuery, frame.Query(
		"SELECT peer, rpc_address, data_center, rack FROM system.peers",
		frame.QueryParams{Consistency: frame.One, SkipMetadata: true}))
	if err != nil {
		return nil, err
	}
	rows, err := frame.DecodeRowsNoMetadata(resp.Body)
	if err != nil {
		return nil, err
	}
	out := make([]hostreg.Host, 0, len(rows.Values))
	for _, row := range rows.Values {
		rpcAddr := row[1]
		if rpcAddr == nil {
			rpcAddr = row[0]
		}
		ip := ipFromInetBytes(rpcAddr)
		addr := hostreg.NewInetAddr(ip, c.controlAt.Port)
		out = append(out, hostreg.Host{Addr: addr, Datacenter: string(row[2]), Rack: string(row[3])})
	}
	return out, nil
}

func ipFromInetBytes(b []byte) string {
	if len(b) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	}
	out := ""
	for i := 0; i < len(b); i += 2 {
		if i > 0 {
			out += ":"
		}
		out += fmt.Sprintf("%02x%02x", b[i], b[i+1])
	}
	return out
}

// handleEvent is the control connection's event-signal subscriber; it
// maps server push events onto host-map mutations.
func (c *Controller) handleEvent(ev *frame.ServerEvent) {
	addr, err := hostreg.ParseInetAddr(ev.Addr)
	if err != nil {
		c.logger.Warn("failed to parse event address", "addr", ev.Addr, "error", err)
		return
	}

	switch ev.Type {
	case frame.StatusChange:
		switch ev.Kind {
		case frame.Down:
			c.pol.OnEvent(hostreg.DownHostEvent(addr))
		case frame.Up:
			if h, ok := c.hosts.Get(addr); ok {
				c.scheduleMonitor(h)
			}
		}
	case frame.TopologyChange:
		switch ev.Kind {
		case frame.NewNode:
			c.rediscoverAndAccept(addr)
		case frame.RemovedNode:
			c.removeHost(addr)
		}
	case frame.SchemaChange:
		// ignored.
	}
}

func (c *Controller) rediscoverAndAccept(addr hostreg.InetAddr) {
	cc := c.controlConn()
	if cc == nil {
		return
	}
	peers, err := c.queryPeers(context.Background(), cc)
	if err != nil {
		c.logger.Warn("failed to re-discover peers after NewNode event", "error", err)
		return
	}
	for _, h := range peers {
		if h.Addr == addr {
			c.acceptHost(context.Background(), h)
			return
		}
	}
}

// runEvents watches the control connection's reader-task exit so a
// request-path or read-loop failure against it triggers
// reconnection.
func (c *Controller) runEvents(cc *conn.Connection) {
	select {
	case <-cc.Done():
		c.NotifyConnectionError(cc.Host(), cqlerr.New(cqlerr.KindConnectionClosed).WithAddr(cc.Host().String()))
	case <-c.stopCh:
	}
}

// NotifyConnectionError is called by the dispatcher (and by
// runEvents) whenever a request against the control connection's host
// fails at the connection level. If addr is the current control
// address, this triggers reconnection.
func (c *Controller) NotifyConnectionError(addr hostreg.InetAddr, err error) {
	c.controlMu.Lock()
	isControl := c.controlAt == addr && c.state == Connected
	c.controlMu.Unlock()
	if !isControl {
		return
	}
	go c.reconnectControl()
}

// reconnectControl coalesces every concurrently-arriving caller into
// one reconnect attempt via reconnectGroup; callers block until that
// attempt (not their own) finishes.
func (c *Controller) reconnectControl() {
	_, _, _ = c.reconnectGroup.Do("control", func() (interface{}, error) {
		c.doReconnectControl()
		return nil, nil
	})
}

func (c *Controller) doReconnectControl() {
	c.controlMu.Lock()
	c.state = Reconnecting
	old := c.control
	oldAddr := c.controlAt
	c.control = nil
	c.controlMu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	c.pol.OnEvent(hostreg.DownHostEvent(oldAddr))

	candidates := append([]hostreg.InetAddr{}, c.contacts...)
	for _, h := range c.hosts.All() {
		candidates = append(candidates, h.Addr)
	}

	delay := reconnectBaseDelay
	for {
		for _, addr := range candidates {
			ctx, cancel := context.WithTimeout(context.Background(), c.connSettings.ConnectTimeout)
			cc, err := conn.Connect(ctx, c.connSettings, c.tmgr, c.version, c.logger, addr)
			cancel()
			if err != nil {
				continue
			}
			c.setControl(Connected, cc, addr)
			if err := c.initializeFromControl(context.Background(), addr); err != nil {
				_ = cc.Close()
				continue
			}
			go c.runEvents(cc)
			return
		}

		// Every known contact and discovered host failed this pass:
		// the cluster is unreachable, not merely mid-reconnect.
		c.controlMu.Lock()
		c.state = Disconnected
		c.controlMu.Unlock()
		c.logger.Error("no host reachable for control connection, cluster is disconnected", "candidates", len(candidates))

		select {
		case <-c.stopCh:
			return
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func (c *Controller) setControl(state ControlState, cc *conn.Connection, addr hostreg.InetAddr) {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()
	c.state = state
	c.control = cc
	c.controlAt = addr
}

func (c *Controller) controlConn() *conn.Connection {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()
	return c.control
}

// Shutdown destroys jobs, closes the control connection, and destroys
// every per-host pool. It does not destroy the timeout manager it was
// given; Session.Close does that after Shutdown returns.
func (c *Controller) Shutdown() {
	close(c.stopCh)
	c.jobReg.Destroy()

	c.controlMu.Lock()
	cc := c.control
	c.control = nil
	c.state = Disconnected
	c.controlMu.Unlock()
	if cc != nil {
		_ = cc.Close()
	}

	c.poolMu.Lock()
	pools := c.pools
	c.pools = make(map[hostreg.InetAddr]*pool.Pool[*conn.Connection])
	c.poolMu.Unlock()
	for _, p := range pools {
		p.Destroy()
	}
}
