package dispatch

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer answers every UDP datagram it receives with a canned DNS
// response sharing the request's transaction id.
func fakeServer(t *testing.T, answer func(id uint16) []byte) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, peer, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 2 {
				continue
			}
			id := uint16(buf[0])<<8 | uint16(buf[1])
			_, _ = conn.WriteToUDP(answer(id), peer)
		}
	}()

	addr := conn.LocalAddr().(*net.UDPAddr)
	ip, _ := netip.AddrFromSlice(addr.IP.To4())
	return netip.AddrPortFrom(ip, uint16(addr.Port))
}

func canned(id uint16) []byte {
	msg := make([]byte, 12)
	msg[0], msg[1] = byte(id>>8), byte(id)
	msg[2] = 0x80 // QR=1
	return msg
}

func TestQueryUDPRoundTrip(t *testing.T) {
	server := fakeServer(t, canned)

	d, err := New(nil, 2, ":0")
	require.NoError(t, err)
	defer d.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	resp, err := d.QueryUDP(context.Background(), server, 0x1234, canned(0x1234), time.Second)
	require.NoError(t, err)
	require.Len(t, resp, 12)
	require.Equal(t, byte(0x12), resp[0])
	require.Equal(t, byte(0x34), resp[1])
}

func TestQueryUDPTimesOutWithNoResponse(t *testing.T) {
	// Listener that never replies.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr)
	ip, _ := netip.AddrFromSlice(addr.IP.To4())
	server := netip.AddrPortFrom(ip, uint16(addr.Port))

	d, err := New(nil, 1, ":0")
	require.NoError(t, err)
	defer d.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	_, err = d.QueryUDP(context.Background(), server, 0x0001, canned(0x0001), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestQueryUDPWrongIDIsDropped(t *testing.T) {
	// Server always answers with a fixed, wrong id.
	server := fakeServer(t, func(uint16) []byte { return canned(0xFFFF) })

	d, err := New(nil, 1, ":0")
	require.NoError(t, err)
	defer d.Close(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	_, err = d.QueryUDP(context.Background(), server, 0x0002, canned(0x0002), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestQueryTCPRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var prefix [2]byte
		if _, err := conn.Read(prefix[:]); err != nil {
			return
		}
		ln := int(prefix[0])<<8 | int(prefix[1])
		body := make([]byte, ln)
		if _, err := conn.Read(body); err != nil {
			return
		}
		resp := canned(uint16(body[0])<<8 | uint16(body[1]))
		var out [2]byte
		out[0], out[1] = byte(len(resp)>>8), byte(len(resp))
		_, _ = conn.Write(out[:])
		_, _ = conn.Write(resp)
	}()

	d, err := New(nil, 1, ":0")
	require.NoError(t, err)
	defer d.Close(time.Second)

	addr := ln.Addr().(*net.TCPAddr)
	ip, _ := netip.AddrFromSlice(addr.IP.To4())
	peer := netip.AddrPortFrom(ip, uint16(addr.Port))

	resp, err := d.QueryTCP(context.Background(), peer, canned(0x5566), time.Second)
	require.NoError(t, err)
	require.Len(t, resp, 12)
	require.Equal(t, byte(0x55), resp[0])
	require.Equal(t, byte(0x66), resp[1])
}
