// Package conn implements the per-connection frame multiplexer: one
// Connection owns one socket, runs a reader task, multiplexes frames
// across N stream slots via a bounded ticket pool, and exposes a
// synchronous request call plus an event signal.
//
// Grounded on agent/pool.Conn (session owns streams, write-serialized,
// ref-counted) and agent/consul/client_serf.go's event-loop shape for
// the reader's event-vs-response branch.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/cql-io/cqlio/frame"
	"github.com/cql-io/cqlio/internal/cqlerr"
	"github.com/cql-io/cqlio/internal/hostreg"
	"github.com/cql-io/cqlio/internal/signal"
	"github.com/cql-io/cqlio/internal/syncslot"
	"github.com/cql-io/cqlio/internal/ticket"
	"github.com/cql-io/cqlio/internal/transport"
	"github.com/cql-io/cqlio/internal/twheel"
)

const (
	statusOpen   = 0
	statusClosed = 1
)

// Connection owns one Socket and multiplexes requests over it.
type Connection struct {
	id       string
	socket   *transport.Socket
	version  frame.Version
	settings Settings
	host     hostreg.InetAddr
	logger   hclog.Logger
	tmgr     *twheel.Manager

	streams []atomic.Pointer[syncslot.Slot[*frame.Frame]]
	tickets *ticket.Pool

	writeMu sync.Mutex
	status  atomic.Int32

	events     *signal.Signal[*frame.ServerEvent]
	readerDone chan struct{}
}

// Id returns the connection's unique identifier.
func (c *Connection) Id() string { return c.id }

// Host returns the remote host this connection serves.
func (c *Connection) Host() hostreg.InetAddr { return c.host }

// IsOpen reports whether the connection is currently open.
func (c *Connection) IsOpen() bool { return c.status.Load() == statusOpen }

// Connect opens a socket (TCP or TLS), performs STARTUP, optional
// authentication, optional USE keyspace, and validates configured
// compression. On any failure after socket open the
// connection is closed before returning.
func Connect(ctx context.Context, settings Settings, tmgr *twheel.Manager, version frame.Version, logger hclog.Logger, host hostreg.InetAddr) (*Connection, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, cqlerr.Fatalf("generating connection id: %v", err)
	}

	sock, err := transport.Dial(ctx, host.String(), settings.ConnectTimeout, settings.TLSConfig)
	if err != nil {
		return nil, cqlerr.New(cqlerr.KindConnectTimeout).WithAddr(host.String()).WithWrapped(err)
	}

	c := &Connection{
		id:         id,
		socket:     sock,
		version:    version,
		settings:   settings,
		host:       host,
		logger:     logger.Named("conn").With("conn_id", id, "host", host.String()),
		tmgr:       tmgr,
		streams:    make([]atomic.Pointer[syncslot.Slot[*frame.Frame]], settings.MaxStreams),
		tickets:    ticket.New(settings.MaxStreams),
		events:     signal.New[*frame.ServerEvent](),
		readerDone: make(chan struct{}),
	}

	go c.readLoop()

	if err := c.handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}

	metrics.IncrCounter([]string{"cqlio", "conn", "opened"}, 1)
	return c, nil
}

func (c *Connection) handshake(ctx context.Context) error {
	readyOrAuth, err := c.roundtripUncompressed(ctx, frame.OpStartup, frame.Startup(""))
	if err != nil {
		return err
	}

	switch readyOrAuth.Header.Opcode {
	case frame.OpReady:
		// nothing further
	case frame.OpAuthenticate:
		auth, err := frame.DecodeAuthenticate(readyOrAuth.Body)
		if err != nil {
			return cqlerr.New(cqlerr.KindParseError).WithReason(err.Error())
		}
		if err := c.authenticate(ctx, auth.Class); err != nil {
			return err
		}
	default:
		return cqlerr.New(cqlerr.KindUnexpectedResponse).WithAddr(c.host.String()).
			WithResponse(fmt.Sprintf("opcode %d after STARTUP", readyOrAuth.Header.Opcode))
	}

	if len(c.settings.Authenticators) > 0 && readyOrAuth.Header.Opcode == frame.OpReady {
		c.logger.Warn("authenticators configured but server did not require authentication")
	}

	if c.settings.Compression != "" {
		if err := c.negotiateCompression(ctx); err != nil {
			return err
		}
	}

	if c.settings.DefaultKeyspace != "" {
		cql := frame.UseKeyspaceCQL(c.settings.DefaultKeyspace)
		if _, err := c.Request(ctx, frame.OpQuery, frame.Query(cql, frame.QueryParams{Consistency: frame.One})); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) authenticate(ctx context.Context, class string) error {
	authr, ok := c.settings.Authenticators[class]
	if !ok {
		return cqlerr.New(cqlerr.KindAuthenticationRequired).WithMechanism(class)
	}
	if authr.Mechanism() != class {
		return cqlerr.New(cqlerr.KindAuthenticationMechanismUnsupported).WithMechanism(class)
	}

	resp, err := authr.InitialResponse()
	if err != nil {
		return cqlerr.New(cqlerr.KindInternalError).WithReason(err.Error())
	}

	for {
		f, err := c.roundtripUncompressed(ctx, frame.OpAuthResponse, frame.AuthResponse(resp))
		if err != nil {
			return err
		}
		switch f.Header.Opcode {
		case frame.OpAuthSuccess:
			r := frame.NewReader(f.Body)
			data, _ := r.ReadBytes()
			return authr.Success(data)
		case frame.OpAuthChallenge:
			ch, err := frame.DecodeAuthChallenge(f.Body)
			if err != nil {
				return cqlerr.New(cqlerr.KindParseError).WithReason(err.Error())
			}
			resp, err = authr.EvaluateChallenge(ch.Token)
			if err != nil {
				return cqlerr.New(cqlerr.KindUnexpectedAuthenticationChallenge).WithMechanism(class).WithWrapped(err)
			}
		default:
			return cqlerr.New(cqlerr.KindUnexpectedAuthenticationChallenge).WithMechanism(class).
				WithResponse(fmt.Sprintf("opcode %d", f.Header.Opcode))
		}
	}
}

func (c *Connection) negotiateCompression(ctx context.Context) error {
	f, err := c.roundtripUncompressed(ctx, frame.OpOptions, frame.Options())
	if err != nil {
		return err
	}
	if f.Header.Opcode != frame.OpSupported {
		return cqlerr.New(cqlerr.KindUnexpectedResponse).WithAddr(c.host.String()).
			WithResponse(fmt.Sprintf("opcode %d after OPTIONS", f.Header.Opcode))
	}
	sup, err := frame.DecodeSupported(f.Body)
	if err != nil {
		return cqlerr.New(cqlerr.KindParseError).WithReason(err.Error())
	}
	for _, algo := range sup.Options["COMPRESSION"] {
		if algo == c.settings.Compression {
			return nil
		}
	}
	return cqlerr.New(cqlerr.KindUnsupportedCompression).WithReason(c.settings.Compression)
}

// roundtripUncompressed sends a STARTUP/OPTIONS/AUTH_RESPONSE frame,
// which is always sent uncompressed regardless of
// negotiated compression, and awaits the matching reply. It is only
// used during the handshake, before any stream id bookkeeping is
// meaningful beyond stream 0.
func (c *Connection) roundtripUncompressed(ctx context.Context, op frame.Opcode, body []byte) (*frame.Frame, error) {
	return c.Request(ctx, op, body)
}

// Request serializes a request with a fresh stream id, sends it under
// the configured send timeout, awaits a matching response under the
// configured response timeout, and returns the parsed frame.
func (c *Connection) Request(ctx context.Context, op frame.Opcode, body []byte) (*frame.Frame, error) {
	return c.RequestWithTimeouts(ctx, op, body, c.settings.SendTimeout, c.settings.ResponseTimeout)
}

// RequestWithTimeouts is Request with per-call send/response timeout
// overrides; a zero value keeps the connection's configured default.
// This is how the dispatcher applies its per-retry
// sendTimeout/responseTimeout deltas without mutating shared
// connection state.
func (c *Connection) RequestWithTimeouts(ctx context.Context, op frame.Opcode, body []byte, sendTimeout, responseTimeout time.Duration) (*frame.Frame, error) {
	if !c.IsOpen() {
		return nil, cqlerr.New(cqlerr.KindConnectionClosed).WithAddr(c.host.String())
	}
	if sendTimeout == 0 {
		sendTimeout = c.settings.SendTimeout
	}
	if responseTimeout == 0 {
		responseTimeout = c.settings.ResponseTimeout
	}

	id, err := c.tickets.Get(ctx)
	if err != nil {
		return nil, cqlerr.New(cqlerr.KindConnectionClosed).WithAddr(c.host.String()).WithWrapped(err)
	}

	slot := syncslot.New[*frame.Frame]()
	c.streams[id].Store(slot)

	start := time.Now()
	if err := c.send(id, op, body, sendTimeout); err != nil {
		// Send failure closes the connection.
		c.Close()
		return nil, err
	}

	// awaitResponse releases id back to the ticket pool itself once the
	// slot resolves with an actual frame; it deliberately does not for
	// a timeout/context-cancellation, since the server may still
	// answer late and readLoop releases it then instead.
	resp, err := c.awaitResponse(ctx, id, slot, responseTimeout)
	metrics.MeasureSince([]string{"cqlio", "conn", "request"}, start)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Connection) send(id int, op frame.Opcode, body []byte, sendTimeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if !c.IsOpen() {
		return cqlerr.New(cqlerr.KindConnectionClosed).WithAddr(c.host.String())
	}

	buf := make([]byte, frame.HeaderLen+len(body))
	h := frame.Header{Version: c.version, Stream: int16(id), Opcode: op, BodyLen: uint32(len(body))}
	h.Encode(buf)
	copy(buf[frame.HeaderLen:], body)

	if _, err := c.socket.Write(buf, sendTimeout); err != nil {
		return cqlerr.New(cqlerr.KindConnectionClosed).WithAddr(c.host.String()).WithWrapped(err)
	}
	return nil
}

func (c *Connection) awaitResponse(ctx context.Context, id int, slot *syncslot.Slot[*frame.Frame], timeout time.Duration) (*frame.Frame, error) {
	var cancelTimer func()
	if timeout > 0 {
		cancelTimer = c.tmgr.After(timeout, func() {
			metrics.IncrCounter([]string{"cqlio", "conn", "response_timeout"}, 1)
			slot.Kill(cqlerr.New(cqlerr.KindResponseTimeout).WithAddr(c.host.String()))
		})
	}

	type result struct {
		f   *frame.Frame
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		f, err := slot.Get()
		resCh <- result{f, err}
	}()

	select {
	case r := <-resCh:
		if cancelTimer != nil {
			cancelTimer()
		}
		if r.err != nil {
			return nil, r.err
		}
		// The slot resolved with an actual frame: the stream id's
		// round trip is complete regardless of what opcode came
		// back, so it returns to the pool here rather than staying
		// leaked on every ordinary server ERROR response.
		c.tickets.MarkAvailable(id)
		if r.f.Header.Opcode == frame.OpError {
			se, err := frame.DecodeError(r.f.Body)
			if err != nil {
				return nil, cqlerr.New(cqlerr.KindParseError).WithReason(err.Error())
			}
			return nil, cqlerr.New(cqlerr.KindServer).WithAddr(c.host.String()).WithServer(se)
		}
		return r.f, nil
	case <-ctx.Done():
		if cancelTimer != nil {
			cancelTimer()
		}
		slot.Kill(ctx.Err())
		return nil, ctx.Err()
	}
}

// Register issues a REGISTER for eventTypes and subscribes handler to
// the connection's event signal. Duplicate handlers are allowed.
func (c *Connection) Register(ctx context.Context, eventTypes []string, handler func(*frame.ServerEvent)) error {
	_, err := c.Request(ctx, frame.OpRegister, frame.Register(eventTypes))
	if err != nil {
		return err
	}
	c.events.Subscribe(handler)
	return nil
}

// readLoop is the single reader task: it owns the socket's read half
// and closes the connection when a read fails. Close may also be
// called from elsewhere; either way Close shuts the socket.
func (c *Connection) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := c.readFrame()
		if err != nil {
			if c.IsOpen() {
				c.logger.Debug("read loop exiting", "error", err)
			}
			c.Close()
			return
		}

		if f.Header.Stream == frame.EventStream {
			c.dispatchEvent(f)
			continue
		}

		id := int(f.Header.Stream)
		if id < 0 || id >= len(c.streams) {
			c.logger.Warn("frame for out-of-range stream id", "stream", f.Header.Stream)
			continue
		}
		slot := c.streams[id].Load()
		if slot == nil || !slot.Put(f) {
			// No requester is waiting (slot already closed by a
			// timeout, or never allocated): the id is returned to
			// the ticket pool.
			c.tickets.MarkAvailable(id)
		}
	}
}

func (c *Connection) readFrame() (*frame.Frame, error) {
	h, err := c.readHeaderFrom()
	if err != nil {
		return nil, err
	}
	if c.settings.MaxRecvBuffer > 0 && int(h.BodyLen) > c.settings.MaxRecvBuffer {
		return nil, cqlerr.New(cqlerr.KindParseError).WithAddr(c.host.String()).
			WithReason(fmt.Sprintf("frame body %d exceeds max %d", h.BodyLen, c.settings.MaxRecvBuffer))
	}
	body := make([]byte, h.BodyLen)
	if h.BodyLen > 0 {
		if err := c.socket.RecvFull(body, 0); err != nil {
			return nil, err
		}
	}
	return &frame.Frame{Header: h, Body: body}, nil
}

func (c *Connection) readHeaderFrom() (frame.Header, error) {
	var buf [frame.HeaderLen]byte
	if err := c.socket.RecvFull(buf[:], 0); err != nil {
		return frame.Header{}, err
	}
	return frame.DecodeHeader(buf[:])
}

func (c *Connection) dispatchEvent(f *frame.Frame) {
	ev, err := frame.DecodeEvent(f.Body)
	if err != nil {
		c.logger.Warn("failed to decode event frame", "error", err)
		return
	}
	c.events.Emit(ev)
}

// Close cancels the reader task; cleanup runs exactly once.
func (c *Connection) Close() error {
	if !c.status.CompareAndSwap(statusOpen, statusClosed) {
		return nil
	}

	closeErr := cqlerr.New(cqlerr.KindConnectionClosed).WithAddr(c.host.String())
	c.tickets.Close(closeErr)
	for i := range c.streams {
		if slot := c.streams[i].Load(); slot != nil {
			slot.Close(closeErr)
		}
	}

	go func() {
		_ = c.socket.HalfClose()
		c.writeMu.Lock()
		_ = c.socket.Close()
		c.writeMu.Unlock()
	}()

	metrics.IncrCounter([]string{"cqlio", "conn", "closed"}, 1)
	return nil
}

// Done returns a channel closed once the reader task has exited.
func (c *Connection) Done() <-chan struct{} { return c.readerDone }
