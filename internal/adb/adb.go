// Package adb is the fetch engine's address-database collaborator (spec
// §6 "address database (ADB)", §9 "global mutable state lives in ADB, not
// fctx"). It tracks, per candidate server address, the bookkeeping a
// FetchContext needs to pick a good next server: a smoothed round-trip
// time for ranking, a lameness flag for servers that answered
// non-authoritatively for a zone they were delegated, and EDNS0 capability
// flags learned from hostile or silent peers.
//
// ADB state is the one piece of mutable state that survives a single
// fetch: it is shared and updated across every fetch that ever queries a
// given address, which is why it lives here instead of on FetchContext.
package adb

import (
	"net/netip"
	"sync"
	"time"
)

// Factor controls how much weight AdjustSRTT gives the previous smoothed
// RTT versus the freshly measured one.
type Factor int

const (
	// FactorDefault blends a real measured RTT into the running average
	// (7 parts old, 3 parts new), grounded on the resquery_response /
	// fctx_cancelquery call sites in the original resolver that pass
	// DNS_ADB_RTTADJDEFAULT when a finish time was actually observed.
	FactorDefault Factor = 7
	// FactorReplace discards the running average entirely in favor of the
	// fresh value, grounded on the same call sites' DNS_ADB_RTTADJREPLACE
	// path used when a query timed out with no response: the RTT passed
	// in is already a synthetic penalty, not a real sample to blend.
	FactorReplace Factor = 0
)

// Flag is a bitset of learned per-address attributes.
type Flag uint32

const (
	// FlagEDNS0Hostile marks an address that appears to drop or refuse
	// EDNS0-bearing queries outright (never responds at all), as opposed
	// to FlagNoEDNS0 which marks an address that responds but without
	// usable EDNS0 support (e.g. FORMERR to an OPT record).
	FlagEDNS0Hostile Flag = 1 << iota
	// FlagNoEDNS0 marks an address known to reply FORMERR/NOTIMP to a
	// query carrying an OPT record; the fetch engine resends without
	// EDNS0 to this address from then on (spec §4.2 fctx_query).
	FlagNoEDNS0
)

// defaultSRTT seeds a never-queried address optimistically so its first
// selection isn't starved out by long-lived entries with a low measured
// SRTT.
const defaultSRTT = 400 * time.Millisecond

// maxSRTT caps the smoothed RTT so a single catastrophic timeout can't
// permanently exile an address from selection (mirrors the 10s clamp the
// original resolver applies to its RTT-on-cancel formula).
const maxSRTT = 10 * time.Second

// AddrInfo is the ADB's per-address record. Callers must not copy a
// *AddrInfo by value; all mutation goes through ADB's methods.
type AddrInfo struct {
	Addr  netip.Addr
	mu    sync.Mutex
	srtt  time.Duration
	flags Flag

	// lameZones tracks lameness per zone (spec §6 "marklame(ai, zone,
	// until_time)"): an address that answered non-authoritatively for one
	// zone is not thereby broken for every other zone it also serves.
	lameZones        map[string]time.Time
	ednsHostileUntil time.Time
	noEDNS0Until     time.Time
}

// SRTT returns the current smoothed round-trip time.
func (ai *AddrInfo) SRTT() time.Duration {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	return ai.srtt
}

func (ai *AddrInfo) hasLive(flag Flag, until time.Time, now time.Time) bool {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	if ai.flags&flag == 0 {
		return false
	}
	if !until.IsZero() && !until.After(now) {
		ai.flags &^= flag
		return false
	}
	return true
}

// IsLame reports whether this address is currently flagged lame for zone
// (spec §6: lameness is scoped to the zone the server was delegated, not
// carried across every other zone the address happens to also serve).
func (ai *AddrInfo) IsLame(zone string) bool {
	ai.mu.Lock()
	defer ai.mu.Unlock()
	until, ok := ai.lameZones[zone]
	if !ok {
		return false
	}
	if !until.After(time.Now()) {
		delete(ai.lameZones, zone)
		return false
	}
	return true
}

// IsEDNS0Hostile reports whether this address is currently flagged as
// dropping EDNS0-bearing queries outright.
func (ai *AddrInfo) IsEDNS0Hostile() bool {
	return ai.hasLive(FlagEDNS0Hostile, ai.ednsHostileUntil, time.Now())
}

// NoEDNS0 reports whether queries to this address should omit the OPT
// record (the peer replies, but rejects EDNS0).
func (ai *AddrInfo) NoEDNS0() bool {
	return ai.hasLive(FlagNoEDNS0, ai.noEDNS0Until, time.Now())
}

// ADB tracks AddrInfo records across every fetch, indexed by address.
type ADB struct {
	mu          sync.Mutex
	entries     map[netip.Addr]*AddrInfo
	lamenessTTL time.Duration
}

// New creates an ADB. lamenessTTL bounds how long a lameness or EDNS0
// flag sticks before the address is given another chance (spec §6).
func New(lamenessTTL time.Duration) *ADB {
	if lamenessTTL <= 0 {
		lamenessTTL = 600 * time.Second
	}
	return &ADB{entries: map[netip.Addr]*AddrInfo{}, lamenessTTL: lamenessTTL}
}

// CreateFind returns the AddrInfo for addr, creating one seeded with
// defaultSRTT if this is the first time the address has been seen (spec
// §4.2 fctx_getaddresses: "every candidate address gets an ADB entry").
func (a *ADB) CreateFind(addr netip.Addr) *AddrInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ai := a.entries[addr]; ai != nil {
		return ai
	}
	ai := &AddrInfo{Addr: addr, srtt: defaultSRTT}
	a.entries[addr] = ai
	return ai
}

// AdjustSRTT folds rtt into addr's smoothed RTT using the given factor
// (spec §4.2 "RTT feedback"): new = (old*factor + rtt*(10-factor)) / 10.
func (a *ADB) AdjustSRTT(addr netip.Addr, rtt time.Duration, factor Factor) {
	if rtt < 0 {
		rtt = 0
	}
	if rtt > maxSRTT {
		rtt = maxSRTT
	}
	ai := a.CreateFind(addr)

	ai.mu.Lock()
	defer ai.mu.Unlock()
	weighted := (ai.srtt*time.Duration(factor) + rtt*time.Duration(10-factor)) / 10
	if weighted > maxSRTT {
		weighted = maxSRTT
	}
	ai.srtt = weighted
}

// MarkLame flags addr as lame for zone until this ADB's lameness TTL
// elapses (spec §6 "marklame(ai, zone, until_time)"). Per the spec's Open
// Question decision (DESIGN.md), lameness is attributed to the one
// address that actually produced the bad answer, never to its whole
// candidate set, and per §3/§4.2 it is scoped to the zone being resolved
// when the bad answer arrived, not to every zone that address serves.
func (a *ADB) MarkLame(addr netip.Addr, zone string) {
	ai := a.CreateFind(addr)
	ai.mu.Lock()
	defer ai.mu.Unlock()
	if ai.lameZones == nil {
		ai.lameZones = map[string]time.Time{}
	}
	ai.lameZones[zone] = time.Now().Add(a.lamenessTTL)
}

// MarkEDNS0Hostile flags addr as dropping EDNS0-bearing queries outright.
func (a *ADB) MarkEDNS0Hostile(addr netip.Addr) {
	ai := a.CreateFind(addr)
	ai.mu.Lock()
	defer ai.mu.Unlock()
	ai.flags |= FlagEDNS0Hostile
	ai.ednsHostileUntil = time.Now().Add(a.lamenessTTL)
}

// MarkNoEDNS0 flags addr as replying, but rejecting EDNS0 queries
// (FORMERR/NOTIMP on an OPT-bearing query). The fetch engine resends
// without the OPT record and remembers not to offer it again.
func (a *ADB) MarkNoEDNS0(addr netip.Addr) {
	ai := a.CreateFind(addr)
	ai.mu.Lock()
	defer ai.mu.Unlock()
	ai.flags |= FlagNoEDNS0
	ai.noEDNS0Until = time.Now().Add(a.lamenessTTL)
}

// Best returns the lowest-SRTT address among candidates that isn't
// currently lame for zone, the same selection rule the original resolver
// applies when ranking candidate servers before issuing a query (grounded
// on resolver.c's lowest-srtt comparison loop). Lameness is checked
// per-zone (spec §6), so an address lame for one delegation is still
// eligible for another. If every candidate is lame for zone, Best still
// returns the lowest-SRTT one so the fetch has somewhere to go rather than
// stalling.
func (a *ADB) Best(candidates []netip.Addr, zone string) (netip.Addr, bool) {
	if len(candidates) == 0 {
		return netip.Addr{}, false
	}

	var (
		best          netip.Addr
		bestSRTT      time.Duration
		bestFound     bool
		fallback      netip.Addr
		fallbackSRTT  time.Duration
		fallbackFound bool
	)
	for _, addr := range candidates {
		ai := a.CreateFind(addr)
		srtt := ai.SRTT()

		if !fallbackFound || srtt < fallbackSRTT {
			fallback, fallbackSRTT, fallbackFound = addr, srtt, true
		}
		if ai.IsLame(zone) {
			continue
		}
		if !bestFound || srtt < bestSRTT {
			best, bestSRTT, bestFound = addr, srtt, true
		}
	}
	if bestFound {
		return best, true
	}
	return fallback, fallbackFound
}
