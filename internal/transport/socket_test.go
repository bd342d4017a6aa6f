package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialConnectTimeout(t *testing.T) {
	// 10.255.255.1 is a non-routable address commonly used to exercise
	// dial timeouts without relying on external network state.
	ctx := context.Background()
	_, err := Dial(ctx, "10.255.255.1:9042", 50*time.Millisecond, nil)
	require.Error(t, err)
}

func TestWriteRecvFullOverPipe(t *testing.T) {
	a, b := net.Pipe()
	sa := Wrap(a)
	sb := Wrap(b)
	defer sa.Close()
	defer sb.Close()

	go func() {
		_, _ = sa.Write([]byte("hello!!!"), time.Second)
	}()

	buf := make([]byte, 8)
	err := sb.RecvFull(buf, time.Second)
	require.NoError(t, err)
	require.Equal(t, "hello!!!", string(buf))
}

func TestRecvFullTimeout(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	sb := Wrap(b)

	buf := make([]byte, 4)
	err := sb.RecvFull(buf, 20*time.Millisecond)
	require.Error(t, err)
}
