package fetch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sort"
	"time"

	"github.com/ridgedns/fetchcore/internal/adb"
	"github.com/ridgedns/fetchcore/internal/cachedb"
	"github.com/ridgedns/fetchcore/internal/config"
	"github.com/ridgedns/fetchcore/internal/dispatch"
	"github.com/ridgedns/fetchcore/internal/wire"
)

// nextMessageID draws a random 16-bit transaction id, the same source of
// unpredictability a query dispatcher needs to resist cache-poisoning-
// style id guessing (spec §6 "add_response... -> (id, entry)").
func nextMessageID() uint16 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

// dispatcherFor picks the v4 or v6 shared dispatcher matching addr's
// family (spec §3 "Resolver... two shared UDP dispatchers (v4, v6)").
func (r *Resolver) dispatcherFor(addr netip.Addr) *dispatch.Dispatcher {
	if addr.Is4() || addr.Is4In6() {
		return r.dispatcherV4
	}
	if r.dispatcherV6 != nil {
		return r.dispatcherV6
	}
	return r.dispatcherV4
}

// try runs fctx_try: pick the next unmarked address and send a query, or
// fetch more addresses, or suspend on ADDRWAIT (spec §4.2 "fctx_try").
// Must run on the bucket task.
func (f *FetchContext) try() {
	f.mu.Lock()
	if f.attrs&attrAddrWait != 0 || f.state == stateDone {
		f.mu.Unlock()
		return
	}
	addr, ok := f.nextAddressLocked()
	f.mu.Unlock()

	if !ok {
		result := f.getAddresses()
		switch result {
		case addrResultWait:
			f.mu.Lock()
			f.attrs |= attrAddrWait
			f.mu.Unlock()
			return
		case addrResultFailure:
			f.done(ResultServFail, cachedb.Rdataset{}, "")
			return
		case addrResultSuccess:
			f.mu.Lock()
			addr, ok = f.nextAddressLocked()
			f.mu.Unlock()
			if !ok {
				f.done(ResultServFail, cachedb.Rdataset{}, "")
				return
			}
		}
	}

	f.sendQuery(addr)
}

type addrResult int

const (
	addrResultSuccess addrResult = iota
	addrResultWait
	addrResultFailure
)

// nextAddressLocked returns the next untried address: forwarders first (in
// order), then finds round-robin from the cursor (spec §4.2 "fctx_try").
// Caller must hold f.mu.
func (f *FetchContext) nextAddressLocked() (netip.Addr, bool) {
	for i := range f.forwardAddrs {
		if !f.forwardAddrs[i].tried {
			f.forwardAddrs[i].tried = true
			return f.forwardAddrs[i].addr, true
		}
	}
	n := len(f.finds)
	for i := 0; i < n; i++ {
		idx := (f.findCursor + i) % n
		if !f.finds[idx].tried {
			f.finds[idx].tried = true
			f.findCursor = (idx + 1) % n
			return f.finds[idx].addr, true
		}
	}
	return netip.Addr{}, false
}

// getAddresses runs fctx_getaddresses: bump restarts, populate forwarder
// addrinfos, and resolve nameserver addresses either from cache or by
// issuing nested fetches (spec §4.2 "fctx_getaddresses").
func (f *FetchContext) getAddresses() addrResult {
	f.mu.Lock()
	f.restarts++
	restarts := f.restarts
	f.queries = nil
	f.finds = nil
	f.forwardAddrs = nil
	f.findCursor = 0
	f.mu.Unlock()

	maxRestarts := f.resolver.cfg.Fetch.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = maxRestartsDefault
	}
	if restarts > maxRestarts {
		return addrResultFailure
	}

	if len(f.resolver.forwarders) > 0 && f.resolver.fwdPolicy != config.ForwardPolicyNone {
		cands := make([]nsCandidate, 0, len(f.resolver.forwarders))
		for _, ap := range f.resolver.forwarders {
			cands = append(cands, nsCandidate{addr: ap.Addr(), forwarder: true})
		}
		f.mu.Lock()
		f.forwardAddrs = cands
		f.mu.Unlock()
	}

	if f.resolver.fwdPolicy == config.ForwardPolicyOnly {
		if len(f.forwardAddrs) > 0 {
			return addrResultSuccess
		}
		return addrResultFailure
	}

	var found []nsCandidate
	pending := 0
	for _, ns := range f.nameservers {
		target, ok := ns.Data.(string)
		if !ok || target == "" {
			continue
		}
		target = wire.NormalizeName(target)

		if addrs, ok := f.cachedAddresses(target); ok {
			for _, a := range addrs {
				found = append(found, nsCandidate{addr: a})
			}
			continue
		}

		if f.launchGlueFetch(target) {
			pending++
		}
	}

	sort.SliceStable(found, func(i, j int) bool {
		return f.resolver.adb.CreateFind(found[i].addr).SRTT() < f.resolver.adb.CreateFind(found[j].addr).SRTT()
	})

	f.mu.Lock()
	f.finds = append(f.finds, found...)
	f.pending += pending
	snapshotFinds := len(f.finds)
	snapshotPending := f.pending
	f.mu.Unlock()

	switch {
	case snapshotFinds > 0:
		return addrResultSuccess
	case snapshotPending > 0:
		return addrResultWait
	default:
		return addrResultFailure
	}
}

// cachedAddresses looks up A and AAAA rdatasets already cached for target
// (e.g. glue learned from a prior referral via check_related).
func (f *FetchContext) cachedAddresses(target string) ([]netip.Addr, bool) {
	var out []netip.Addr
	for _, t := range [2]uint16{uint16(wire.TypeA), uint16(wire.TypeAAAA)} {
		key := cachedb.NodeKey{Name: target, Type: t, Class: uint16(f.qclass)}
		rds, ok := f.resolver.cache.FindNode(key)
		if !ok || rds.Negative != cachedb.NotNegative {
			continue
		}
		for _, rr := range rds.Records {
			if ip, ok := addrFromRecord(rr); ok {
				out = append(out, ip)
			}
		}
	}
	return out, len(out) > 0
}

func addrFromRecord(rr wire.Record) (netip.Addr, bool) {
	if s, ok := rr.IPv4(); ok {
		a, err := netip.ParseAddr(s)
		return a, err == nil
	}
	if s, ok := rr.IPv6(); ok {
		a, err := netip.ParseAddr(s)
		return a, err == nil
	}
	return netip.Addr{}, false
}

// launchGlueFetch creates a nested Fetch for target's A records so this
// fctx can resolve a nameserver address it doesn't already have cached
// (the fetch engine's stand-in for the ADB's own address-resolution path,
// since internal/adb here only tracks per-address reputation, not
// name-to-address lookups — see DESIGN.md). Returns false if the nested
// fetch could not even be created (e.g. resolver shutting down).
func (f *FetchContext) launchGlueFetch(target string) bool {
	if f.visited(target) {
		return false
	}
	sub, err := f.resolver.CreateFetch(target, uint16(wire.TypeA), f.qclass, 0)
	if err != nil {
		return false
	}
	f.markVisited(target)

	go func() {
		<-sub.Done()
		result, rds, _, _ := sub.Result()
		sub.Destroy()

		var addrs []nsCandidate
		if result == ResultSuccess {
			for _, rr := range rds.Records {
				if ip, ok := addrFromRecord(rr); ok {
					addrs = append(addrs, nsCandidate{addr: ip})
				}
			}
		}

		f.bucket.Task.Post(func() {
			f.mu.Lock()
			f.finds = append(f.finds, addrs...)
			f.pending--
			wasWaiting := f.attrs&attrAddrWait != 0
			f.attrs &^= attrAddrWait
			done := f.state == stateDone
			f.mu.Unlock()
			if !done && wasWaiting {
				f.try()
			}
		})
	}()

	return true
}

func (f *FetchContext) visited(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visitedNames[name]
}

func (f *FetchContext) markVisited(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visitedNames[name] = true
}

// sendQuery runs fctx_query: arm the retry timer, build and send the
// query, and await the response asynchronously (spec §4.2 "fctx_query").
func (f *FetchContext) sendQuery(addr netip.Addr) {
	f.mu.Lock()
	srtt := f.resolver.adb.CreateFind(addr).SRTT()
	interval := retryInterval(f.restarts, srtt)
	f.retryInterval = interval
	tcpMode := f.opts&OptTCP != 0
	noEDNS0 := f.opts&OptNoEDNS0 != 0 || f.resolver.adb.CreateFind(addr).NoEDNS0() || f.resolver.adb.CreateFind(addr).IsEDNS0Hostile()
	recursive := f.opts&OptRecursive != 0
	name, qtype, qclass := f.name, f.qtype, f.qclass
	f.mu.Unlock()

	id := nextMessageID()
	var opt *wire.OPTRecord
	if !noEDNS0 {
		payloadSize := f.resolver.cfg.Fetch.EDNSUDPPayloadSize
		if payloadSize <= 0 {
			payloadSize = ednsPayloadDefault
		}
		o := wire.CreateOPT(payloadSize)
		opt = &o
	}
	pkt := wire.BuildQuery(id, name, qtype, qclass, recursive, opt)
	payload, err := pkt.Marshal()
	if err != nil {
		f.failAddress(addr, tcpMode)
		return
	}

	q := &activeQuery{addr: addr, tcp: tcpMode, edns0: opt != nil, id: id, startedAt: time.Now()}
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.resetIdleTimer(interval)
	f.mu.Unlock()

	go f.awaitResponse(ctx, q, addr, payload, tcpMode)
}

func (f *FetchContext) awaitResponse(ctx context.Context, q *activeQuery, addr netip.Addr, payload []byte, tcpMode bool) {
	timeout := durationOr(f.resolver.cfg.Fetch.UDPTimeout, udpTimeoutDefault)
	if tcpMode {
		timeout = durationOr(f.resolver.cfg.Fetch.TCPTimeout, tcpTimeoutDefault)
	}

	var resp []byte
	var err error
	port := uint16(53)
	for _, fwd := range f.resolver.forwarders {
		if fwd.Addr() == addr {
			port = fwd.Port()
			break
		}
	}
	peer := netip.AddrPortFrom(addr, port)
	if tcpMode {
		resp, err = f.resolver.dispatcherFor(addr).QueryTCP(ctx, peer, payload, timeout)
	} else {
		resp, err = f.resolver.dispatcherFor(addr).QueryUDP(ctx, peer, q.id, payload, timeout)
	}

	f.bucket.Task.Post(func() {
		f.mu.Lock()
		canceled := q.canceled
		f.removeQueryLocked(q)
		done := f.state == stateDone
		f.mu.Unlock()
		if done || canceled {
			return
		}
		if err != nil {
			f.handleNoResponse(q)
			return
		}
		f.handleResponse(q, resp)
	})
}

func (f *FetchContext) removeQueryLocked(q *activeQuery) {
	for i, existing := range f.queries {
		if existing == q {
			f.queries = append(f.queries[:i], f.queries[i+1:]...)
			return
		}
	}
}

func (f *FetchContext) failAddress(addr netip.Addr, tcpMode bool) {
	f.resolver.adb.MarkLame(addr, f.domainSnapshot())
	f.try()
}

// handleNoResponse runs the RTT-on-cancel and retry path for a timed-out
// query (spec §4.2 "RTT feedback... on no-response cancellation").
func (f *FetchContext) handleNoResponse(q *activeQuery) {
	f.mu.Lock()
	restarts := f.restarts
	lifetimeAt := f.lifetimeAt
	f.mu.Unlock()

	if time.Now().After(lifetimeAt) {
		f.done(ResultTimedOut, cachedb.Rdataset{}, "")
		return
	}

	rtt := time.Duration(restarts)*100*time.Millisecond + f.resolver.adb.CreateFind(q.addr).SRTT()
	if rtt > 10*time.Second {
		rtt = 10 * time.Second
	}
	f.resolver.adb.AdjustSRTT(q.addr, rtt, adb.FactorReplace)

	f.try()
}

// resetIdleTimer arms (or rearms) the idle and lifetime timers (spec §4.2
// "arms the timer", §5 "Timeouts"). Caller must hold f.mu.
func (f *FetchContext) resetIdleTimer(interval time.Duration) {
	if f.idleTimer != nil {
		f.idleTimer.Stop()
	}
	self := f
	f.idleTimer = time.AfterFunc(interval, func() { self.onIdleTimeout() })

	if f.lifetimeTimer == nil {
		remaining := time.Until(f.lifetimeAt)
		f.lifetimeTimer = time.AfterFunc(remaining, func() { self.onLifetimeTimeout() })
	}
}

// onIdleTimeout runs fctx_timeout's idle branch: clear ADDRWAIT (it may
// already be clear) and try again without discarding outstanding queries
// (spec §4.2 "fctx_timeout... Idle expiration").
func (f *FetchContext) onIdleTimeout() {
	f.bucket.Task.Post(func() {
		f.mu.Lock()
		if f.state == stateDone {
			f.mu.Unlock()
			return
		}
		f.attrs &^= attrAddrWait
		f.mu.Unlock()
		f.try()
	})
}

// onLifetimeTimeout runs fctx_timeout's LIFE branch (spec §4.2
// "fctx_timeout... LIFE event -> fctx_done(TIMEDOUT)").
func (f *FetchContext) onLifetimeTimeout() {
	f.bucket.Task.Post(func() {
		f.done(ResultTimedOut, cachedb.Rdataset{}, "")
	})
}

// retryInterval implements the spec's backoff formula (spec §4.2
// "fctx_query... sets the retry interval", §5 "Timeouts";
// fctx_setretryinterval in resolver.c): 2s for the first two rounds, then
// 2<<(restarts-1), capped at 30 seconds; the doubled round-trip time is
// applied last as a floor, so a slow server can push the wait past the cap.
func retryInterval(restarts int, srtt time.Duration) time.Duration {
	var interval time.Duration
	if restarts < 3 {
		interval = baseRetryDefault
	} else {
		interval = time.Duration(2<<uint(restarts-1)) * time.Second
	}
	if interval > maxRetryDefault {
		interval = maxRetryDefault
	}
	if floor := 2 * srtt; floor > interval {
		interval = floor
	}
	return interval
}
