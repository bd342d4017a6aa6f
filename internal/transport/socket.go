// Package transport provides a uniform stream-oriented byte pipe over
// TCP or TLS: connect timeout, recv-to-length, shutdown. TLS
// primitives themselves are out of scope; a *tls.Config is consumed,
// never constructed, mirroring agent/pool.dial treating
// tlsutil.Configurator as an opaque collaborator.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Socket is a connected byte pipe, TCP or TLS.
type Socket struct {
	conn net.Conn
}

// Dial opens a TCP connection to addr, optionally upgrading to TLS
// when tlsConfig is non-nil, bounded by connectTimeout.
func Dial(ctx context.Context, addr string, connectTimeout time.Duration, tlsConfig *tls.Config) (*Socket, error) {
	dialer := &net.Dialer{Timeout: connectTimeout}

	var conn net.Conn
	var err error
	if tlsConfig != nil {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetNoDelay(true)
	}

	return &Socket{conn: conn}, nil
}

// Wrap adapts an already-established net.Conn (e.g. a test fixture
// built on net.Pipe) into a Socket.
func Wrap(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

// Write sends b under a deadline. A zero timeout means no deadline.
func (s *Socket) Write(b []byte, timeout time.Duration) (int, error) {
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	return s.conn.Write(b)
}

// RecvFull reads exactly len(buf) bytes under a deadline.
func (s *Socket) RecvFull(buf []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}
	_, err := io.ReadFull(s.conn, buf)
	return err
}

// HalfClose performs a TCP half-close (CloseWrite) where supported,
// otherwise it is a no-op, letting Close perform the full shutdown.
func (s *Socket) HalfClose() error {
	type halfCloser interface{ CloseWrite() error }
	if hc, ok := s.conn.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// Close closes the underlying connection unconditionally.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// RemoteAddr returns the remote endpoint address.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
