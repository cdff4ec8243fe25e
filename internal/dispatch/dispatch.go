// Package dispatch is a minimal real implementation of the fetch engine's
// dispatcher collaborator (spec §6: "dispatcher: demultiplexes UDP replies
// by (peer, id) ... responses with QR=0, wrong id, or from an unexpected
// peer are dropped by the dispatcher before reaching this layer"). It owns
// the outbound UDP sockets and TCP fallback connections that FetchContext
// sends queries over, and hands each response back to the one in-flight
// query that is waiting for it.
//
// One UDP socket per CPU core is opened with SO_REUSEPORT so the kernel
// load-balances inbound replies across receive goroutines without
// userspace coordination, the same technique the example pack's inbound
// UDP server uses for accepting client queries.
package dispatch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ridgedns/fetchcore/internal/helpers"
	"github.com/ridgedns/fetchcore/internal/pool"
	"github.com/ridgedns/fetchcore/internal/wire"
)

// ErrTimeout is returned when a query receives no response within its
// deadline. The fetch engine treats it like any other failed exchange: it
// records a no-response RTT penalty and moves on to the next address.
var ErrTimeout = errors.New("dispatch: query timed out")

// ErrClosed is returned by Query* calls made after Close.
var ErrClosed = errors.New("dispatch: dispatcher is closed")

const socketRecvBufferSize = 4 * 1024 * 1024
const socketSendBufferSize = 4 * 1024 * 1024

// bufferPool is shared across all Dispatcher instances in the process,
// mirroring the teacher's package-level bufferPool for inbound packets.
var bufferPool = pool.New(func() *[]byte {
	buf := make([]byte, wire.MaxIncomingDNSMessageSize)
	return &buf
})

type pendingKey struct {
	peer netip.AddrPort
	id   uint16
}

// Dispatcher multiplexes outbound DNS queries over a fixed set of UDP
// sockets and demultiplexes their responses by (peer, transaction id).
type Dispatcher struct {
	logger *slog.Logger

	conns []*net.UDPConn

	mu      sync.Mutex
	pending map[pendingKey]chan []byte
	closed  bool

	wg sync.WaitGroup
}

// New opens socketCount UDP sockets (0 means one per CPU core), all bound
// to localAddr (typically ":0" for an ephemeral port) with SO_REUSEPORT.
func New(logger *slog.Logger, socketCount int, localAddr string) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if socketCount <= 0 {
		socketCount = runtime.NumCPU()
	}
	if localAddr == "" {
		localAddr = ":0"
	}

	d := &Dispatcher{logger: logger, pending: map[pendingKey]chan []byte{}}
	for range socketCount {
		conn, err := listenReusePort(localAddr)
		if err != nil {
			for _, c := range d.conns {
				_ = c.Close()
			}
			return nil, err
		}
		_ = conn.SetReadBuffer(socketRecvBufferSize)
		_ = conn.SetWriteBuffer(socketSendBufferSize)
		d.conns = append(d.conns, conn)
	}
	return d, nil
}

// Start spawns one receive loop per socket. It returns immediately; the
// loops run until ctx is cancelled or Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	for _, c := range d.conns {
		conn := c
		d.wg.Go(func() {
			d.recvLoop(ctx, conn)
		})
	}
}

func (d *Dispatcher) recvLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := bufferPool.Get()
		buf := *bufPtr

		n, peer, err := conn.ReadFromUDP(buf)
		if err != nil {
			bufferPool.Put(bufPtr)
			return
		}
		if ctx.Err() != nil {
			bufferPool.Put(bufPtr)
			return
		}

		msg := (*bufPtr)[:n]
		d.deliver(peer, msg)
		bufferPool.Put(bufPtr)
	}
}

func (d *Dispatcher) deliver(peer *net.UDPAddr, msg []byte) {
	id, ok := wire.MessageID(msg)
	if !ok {
		return
	}
	ap, ok := addrPortFromUDPAddr(peer)
	if !ok {
		return
	}
	if !wire.IsResponse(headerFlags(msg)) {
		return
	}

	key := pendingKey{peer: ap, id: id}
	d.mu.Lock()
	ch := d.pending[key]
	if ch != nil {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ch == nil {
		// No fetch is waiting on this (peer, id): unsolicited or stale
		// reply, dropped per spec §6.
		return
	}

	out := make([]byte, len(msg))
	copy(out, msg)
	select {
	case ch <- out:
	default:
	}
}

func headerFlags(msg []byte) uint16 {
	if len(msg) < 4 {
		return 0
	}
	return uint16(msg[2])<<8 | uint16(msg[3])
}

// QueryUDP sends payload (which must already carry transaction id id) to
// peer and waits up to timeout for a matching response.
func (d *Dispatcher) QueryUDP(ctx context.Context, peer netip.AddrPort, id uint16, payload []byte, timeout time.Duration) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	key := pendingKey{peer: peer, id: id}
	ch := make(chan []byte, 1)
	d.pending[key] = ch
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, key)
		d.mu.Unlock()
	}()

	conn := d.conns[int(id)%len(d.conns)]
	udpAddr := net.UDPAddrFromAddrPort(peer)
	if _, err := conn.WriteToUDP(payload, udpAddr); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// QueryTCP opens a fresh TCP connection per query (spec Non-goals exclude
// "TCP keep-alive pooling") and performs a length-prefixed request/response
// exchange (RFC 1035 §4.2.2), grounded on the same framing the teacher's
// forwarding resolver uses for its TCP fallback path.
func (d *Dispatcher) QueryTCP(ctx context.Context, peer netip.AddrPort, payload []byte, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", peer.String())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], helpers.ClampIntToUint16(len(payload)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return nil, err
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, err
	}

	if _, err := io.ReadFull(conn, prefix[:]); err != nil {
		return nil, err
	}
	respLen := int(binary.BigEndian.Uint16(prefix[:]))
	if respLen <= 0 || respLen > wire.MaxIncomingDNSMessageSize {
		return nil, fmt.Errorf("dispatch: invalid TCP response length %d", respLen)
	}
	resp := make([]byte, respLen)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes every socket and waits up to timeout for receive loops to
// exit, mirroring the teacher's UDPServer.Stop.
func (d *Dispatcher) Close(timeout time.Duration) error {
	d.mu.Lock()
	d.closed = true
	for _, ch := range d.pending {
		close(ch)
	}
	d.pending = map[pendingKey]chan []byte{}
	d.mu.Unlock()

	for _, c := range d.conns {
		_ = c.Close()
	}

	if timeout <= 0 {
		d.wg.Wait()
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("dispatch: timeout waiting for receive loops to exit")
	}
}

func addrPortFromUDPAddr(addr *net.UDPAddr) (netip.AddrPort, bool) {
	if addr == nil {
		return netip.AddrPort{}, false
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), helpers.ClampIntToUint16(addr.Port)), true
}

func listenReusePort(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", udpAddr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}
