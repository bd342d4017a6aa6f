package hostreg

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInetAddr(t *testing.T) {
	a, err := ParseInetAddr("10.0.0.7:9042")
	require.NoError(t, err)
	require.Equal(t, InetAddr{IP: "10.0.0.7", Port: 9042}, a)
	require.Equal(t, "10.0.0.7:9042", a.String())
}

func TestInetAddrLess(t *testing.T) {
	a := InetAddr{IP: "10.0.0.1", Port: 9042}
	b := InetAddr{IP: "10.0.0.2", Port: 1}
	require.True(t, a.Less(b))
	require.False(t, b.Less(a))
}

func TestRegistryPutRemoveGet(t *testing.T) {
	r := NewRegistry()
	h := Host{Addr: InetAddr{IP: "10.0.0.1", Port: 9042}, Datacenter: "dc1", Rack: "r1"}
	r.Put(h)
	require.Equal(t, 1, r.Len())

	got, ok := r.Get(h.Addr)
	require.True(t, ok)
	h.Version = got.Version
	require.Equal(t, h, got)

	require.True(t, r.Remove(h.Addr))
	require.False(t, r.Remove(h.Addr))
	require.Equal(t, 0, r.Len())
}

func TestRegistryAllSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Put(Host{Addr: InetAddr{IP: "a", Port: 1}})
	r.Put(Host{Addr: InetAddr{IP: "b", Port: 1}})
	all := r.All()
	require.Len(t, all, 2)
}

func TestRegistryVersionBumpsOnEveryMutation(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, uint64(0), r.Version())

	addr := InetAddr{IP: "10.0.0.1", Port: 9042}
	r.Put(Host{Addr: addr, Datacenter: "dc1"})
	require.Equal(t, uint64(1), r.Version())

	got, ok := r.Get(addr)
	require.True(t, ok)
	require.Equal(t, uint64(1), got.Version)

	// Re-announcing the same host still bumps the counter and
	// restamps the stored record.
	r.Put(Host{Addr: addr, Datacenter: "dc1", Rack: "r2"})
	require.Equal(t, uint64(2), r.Version())
	got, _ = r.Get(addr)
	require.Equal(t, uint64(2), got.Version)

	require.True(t, r.Remove(addr))
	require.Equal(t, uint64(3), r.Version())

	// Removing an address that isn't present doesn't bump it.
	require.False(t, r.Remove(addr))
	require.Equal(t, uint64(3), r.Version())
}
