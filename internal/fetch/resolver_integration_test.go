package fetch

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ridgedns/fetchcore/internal/config"
	"github.com/ridgedns/fetchcore/internal/wire"
)

func newTestResolverFull(t *testing.T) *Resolver {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Tasks.Buckets = config.BucketsSetting{Mode: config.BucketsFixed, Value: 2}

	r, err := New(cfg, []wire.Record{{Name: ".", Type: uint16(wire.TypeNS), Data: "a.root-servers.net"}}, nil)
	require.NoError(t, err)
	t.Cleanup(r.Shutdown)
	return r
}

// fakeAuthority answers a single A query directly, with no delegation, so a
// forward-only fetch can resolve end to end against a real UDP socket.
func fakeAuthority(t *testing.T, name string, ip net.IP) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 512)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := wire.ParsePacket(buf[:n])
			if err != nil {
				continue
			}
			q, ok := req.Question0()
			if !ok {
				continue
			}
			resp := wire.Packet{
				Header: wire.Header{ID: req.Header.ID, Flags: 0x8180, QDCount: 1, ANCount: 1},
				Questions: []wire.Question{q},
				Answers: []wire.Record{{
					Name: q.Name, Type: uint16(wire.TypeA), Class: 1, TTL: 300,
					Data: ipBytes(ip),
				}},
			}
			out, err := resp.Marshal()
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(out, peer)
		}
	}()

	addr := conn.LocalAddr().(*net.UDPAddr)
	a, _ := netip.AddrFromSlice(addr.IP.To4())
	return netip.AddrPortFrom(a, uint16(addr.Port))
}

func ipBytes(ip net.IP) []byte {
	return []byte(ip.To4())
}

func TestCreateFetchForwardOnlyResolvesA(t *testing.T) {
	r := newTestResolverFull(t)
	require.NoError(t, r.SetForwardPolicy(config.ForwardPolicyOnly))

	server := fakeAuthority(t, "example.com.", net.IPv4(93, 184, 216, 34))
	require.NoError(t, r.SetForwarders([]string{server.String()}))
	r.Freeze()

	fetchHandle, err := r.CreateFetch("example.com", uint16(wire.TypeA), 1, 0)
	require.NoError(t, err)
	defer fetchHandle.Destroy()

	select {
	case <-fetchHandle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not complete in time")
	}

	result, rds, foundName, ok := fetchHandle.Result()
	require.True(t, ok)
	require.Equal(t, ResultSuccess, result)
	require.Equal(t, "example.com", foundName)
	require.Len(t, rds.Records, 1)
}

func TestCreateFetchJoinsIdenticalPending(t *testing.T) {
	r := newTestResolverFull(t)
	require.NoError(t, r.SetForwardPolicy(config.ForwardPolicyOnly))

	server := fakeAuthority(t, "example.com.", net.IPv4(1, 2, 3, 4))
	require.NoError(t, r.SetForwarders([]string{server.String()}))
	r.Freeze()

	f1, err := r.CreateFetch("example.com", uint16(wire.TypeA), 1, 0)
	require.NoError(t, err)
	defer f1.Destroy()
	f2, err := r.CreateFetch("example.com", uint16(wire.TypeA), 1, 0)
	require.NoError(t, err)
	defer f2.Destroy()

	<-f1.Done()
	<-f2.Done()

	r1, _, _, _ := f1.Result()
	r2, _, _, _ := f2.Result()
	require.Equal(t, ResultSuccess, r1)
	require.Equal(t, ResultSuccess, r2)
}

func TestCreateFetchRejectsBeforeFreeze(t *testing.T) {
	r := newTestResolverFull(t)
	_, err := r.CreateFetch("example.com", uint16(wire.TypeA), 1, 0)
	require.ErrorIs(t, err, ErrNotFrozen)
}
