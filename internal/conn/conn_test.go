package conn

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/cql-io/cqlio/frame"
	"github.com/cql-io/cqlio/internal/cqlerr"
	"github.com/cql-io/cqlio/internal/hostreg"
	"github.com/cql-io/cqlio/internal/signal"
	"github.com/cql-io/cqlio/internal/syncslot"
	"github.com/cql-io/cqlio/internal/ticket"
	"github.com/cql-io/cqlio/internal/transport"
	"github.com/cql-io/cqlio/internal/twheel"
)

// newBareConnection builds a Connection around an already-dialed
// socket, skipping Connect's own dial step so tests can drive both
// ends of a net.Pipe directly.
func newBareConnection(settings Settings, tmgr *twheel.Manager, version frame.Version, sock *transport.Socket, host hostreg.InetAddr) *Connection {
	return &Connection{
		id:         "test-conn",
		socket:     sock,
		version:    version,
		settings:   settings,
		host:       host,
		logger:     hclog.NewNullLogger(),
		tmgr:       tmgr,
		streams:    make([]atomic.Pointer[syncslot.Slot[*frame.Frame]], settings.MaxStreams),
		tickets:    ticket.New(settings.MaxStreams),
		events:     signal.New[*frame.ServerEvent](),
		readerDone: make(chan struct{}),
	}
}

// fakeServer drives the server side of a net.Pipe with a scripted
// handshake: read a STARTUP, reply READY, then answer any QUERY with a
// RESULT void on the same stream.
func fakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		for {
			var hdr [frame.HeaderLen]byte
			if _, err := readFull(conn, hdr[:]); err != nil {
				return
			}
			h, err := frame.DecodeHeader(hdr[:])
			require.NoError(t, err)
			body := make([]byte, h.BodyLen)
			if h.BodyLen > 0 {
				if _, err := readFull(conn, body); err != nil {
					return
				}
			}

			var respOp frame.Opcode
			var respBody []byte
			switch h.Opcode {
			case frame.OpStartup:
				respOp = frame.OpReady
			case frame.OpQuery:
				respOp = frame.OpResult
				b := frame.NewBuffer()
				b.WriteInt(int32(frame.ResultVoid))
				respBody = b.Bytes()
			default:
				respOp = frame.OpReady
			}

			out := make([]byte, frame.HeaderLen+len(respBody))
			rh := frame.Header{Version: frame.Version(0x83), Stream: h.Stream, Opcode: respOp, BodyLen: uint32(len(respBody))}
			rh.Encode(out)
			copy(out[frame.HeaderLen:], respBody)
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHandshakeAndRequestRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	fakeServer(t, server)

	tmgr := twheel.NewManager()
	defer tmgr.Destroy()

	settings := DefaultSettings()
	settings.MaxStreams = 4
	settings.ConnectTimeout = time.Second

	ctx := context.Background()
	c := newBareConnection(settings, tmgr, frame.ProtoV4, transport.Wrap(client), hostreg.NewInetAddr("127.0.0.1", 9042))
	go c.readLoop()

	require.NoError(t, c.handshake(ctx))

	resp, err := c.Request(ctx, frame.OpQuery, frame.Query("SELECT now() FROM system.local", frame.QueryParams{Consistency: frame.One}))
	require.NoError(t, err)
	require.Equal(t, frame.OpResult, resp.Header.Opcode)

	require.NoError(t, c.Close())
}

func TestRequestAfterCloseFails(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	fakeServer(t, server)

	tmgr := twheel.NewManager()
	defer tmgr.Destroy()

	settings := DefaultSettings()
	settings.MaxStreams = 4

	ctx := context.Background()
	c := newBareConnection(settings, tmgr, frame.ProtoV4, transport.Wrap(client), hostreg.NewInetAddr("127.0.0.1", 9042))
	go c.readLoop()
	require.NoError(t, c.handshake(ctx))
	require.NoError(t, c.Close())

	_, err := c.Request(ctx, frame.OpQuery, frame.Query("SELECT 1", frame.QueryParams{}))
	require.Error(t, err)
}

func TestResponseTimeoutReleasesTicketOnLateFrame(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	// Server reads STARTUP, replies READY, then answers the next QUERY
	// only after the client's response timeout has already elapsed:
	// the requester gives up first, and release of the stream id falls
	// to the reader goroutine observing the late frame.
	go func() {
		var hdr [frame.HeaderLen]byte
		_, _ = readFull(server, hdr[:])
		h, _ := frame.DecodeHeader(hdr[:])
		body := make([]byte, h.BodyLen)
		_, _ = readFull(server, body)

		out := make([]byte, frame.HeaderLen)
		rh := frame.Header{Version: frame.Version(0x83), Stream: h.Stream, Opcode: frame.OpReady}
		rh.Encode(out)
		_, _ = server.Write(out)

		_, _ = readFull(server, hdr[:])
		h2, _ := frame.DecodeHeader(hdr[:])
		_, _ = readFull(server, make([]byte, h2.BodyLen))

		time.Sleep(80 * time.Millisecond)

		b := frame.NewBuffer()
		b.WriteInt(int32(frame.ResultVoid))
		respBody := b.Bytes()
		out2 := make([]byte, frame.HeaderLen+len(respBody))
		rh2 := frame.Header{Version: frame.Version(0x83), Stream: h2.Stream, Opcode: frame.OpResult, BodyLen: uint32(len(respBody))}
		rh2.Encode(out2)
		copy(out2[frame.HeaderLen:], respBody)
		_, _ = server.Write(out2)
	}()

	tmgr := twheel.NewManager()
	defer tmgr.Destroy()

	settings := DefaultSettings()
	settings.MaxStreams = 1
	settings.ResponseTimeout = 20 * time.Millisecond

	ctx := context.Background()
	c := newBareConnection(settings, tmgr, frame.ProtoV4, transport.Wrap(client), hostreg.NewInetAddr("127.0.0.1", 9042))
	go c.readLoop()
	require.NoError(t, c.handshake(ctx))

	_, err := c.Request(ctx, frame.OpQuery, frame.Query("SELECT 1", frame.QueryParams{}))
	require.Error(t, err)

	// With a single stream slot, a fresh Get only succeeds once the
	// reader goroutine has reclaimed the id from the late frame above.
	getCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	id, err := c.tickets.Get(getCtx)
	require.NoError(t, err)
	c.tickets.MarkAvailable(id)
}

func TestServerErrorResponseReleasesTicket(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		var hdr [frame.HeaderLen]byte
		_, _ = readFull(server, hdr[:])
		h, _ := frame.DecodeHeader(hdr[:])
		_, _ = readFull(server, make([]byte, h.BodyLen))

		out := make([]byte, frame.HeaderLen)
		rh := frame.Header{Version: frame.Version(0x83), Stream: h.Stream, Opcode: frame.OpReady}
		rh.Encode(out)
		_, _ = server.Write(out)

		// Every QUERY after STARTUP gets back a plain ERROR frame, as
		// if the statement always had a syntax mistake.
		for {
			_, err := readFull(server, hdr[:])
			if err != nil {
				return
			}
			h, _ := frame.DecodeHeader(hdr[:])
			_, _ = readFull(server, make([]byte, h.BodyLen))

			b := frame.NewBuffer()
			b.WriteInt(int32(frame.ErrSyntaxError))
			b.WriteString("line 1: bad cql")
			respBody := b.Bytes()
			out := make([]byte, frame.HeaderLen+len(respBody))
			rh := frame.Header{Version: frame.Version(0x83), Stream: h.Stream, Opcode: frame.OpError, BodyLen: uint32(len(respBody))}
			rh.Encode(out)
			copy(out[frame.HeaderLen:], respBody)
			if _, err := server.Write(out); err != nil {
				return
			}
		}
	}()

	tmgr := twheel.NewManager()
	defer tmgr.Destroy()

	settings := DefaultSettings()
	settings.MaxStreams = 1

	ctx := context.Background()
	c := newBareConnection(settings, tmgr, frame.ProtoV4, transport.Wrap(client), hostreg.NewInetAddr("127.0.0.1", 9042))
	go c.readLoop()
	require.NoError(t, c.handshake(ctx))

	// With a single stream slot, a second request only succeeds if the
	// first's ticket was released despite its ERROR response.
	for i := 0; i < 3; i++ {
		_, err := c.Request(ctx, frame.OpQuery, frame.Query("SELECT 1", frame.QueryParams{}))
		require.Error(t, err)
		require.True(t, cqlerr.IsKind(err, cqlerr.KindServer))
	}
}
