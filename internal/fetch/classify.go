package fetch

import (
	"net/netip"
	"strings"
	"time"

	"github.com/ridgedns/fetchcore/internal/adb"
	"github.com/ridgedns/fetchcore/internal/cachedb"
	"github.com/ridgedns/fetchcore/internal/wire"
)

// handleResponse runs resquery_response: parse, classify, commit to
// cache/ncache, and either continue, delegate, chain, retry, or finish
// (spec §4.2 "Response (resquery_response)").
func (f *FetchContext) handleResponse(q *activeQuery, raw []byte) {
	rtt := time.Since(q.startedAt)
	pkt, err := wire.ParseResponseBounded(raw)
	if err != nil {
		f.handleBrokenPeer(q)
		return
	}

	question, ok := pkt.Question0()
	if !ok || !strings.EqualFold(wire.NormalizeName(question.Name), f.currentQName()) ||
		question.Type != f.qtype || question.Class != f.qclass {
		f.handleBrokenPeer(q)
		return
	}

	opt := wire.ExtractOPT(pkt.Additionals)
	rcode := wire.RCode(wire.ExtendedRCodeFromOPT(wire.RCodeFromFlags(pkt.Header.Flags), opt))

	if wire.IsTruncated(pkt.Header.Flags) {
		if q.tcp {
			f.handleBrokenPeer(q)
			return
		}
		f.resolver.adb.AdjustSRTT(q.addr, rtt, adb.FactorDefault)
		f.retryOverTCP(q.addr)
		return
	}

	if wire.OpcodeFromFlags(pkt.Header.Flags) != wire.OpcodeQuery {
		f.handleBrokenPeer(q)
		return
	}

	if rcode == wire.RCodeFormErr {
		if q.edns0 {
			// Our own query carried EDNS0 and the peer rejected it with
			// FORMERR (typically by omitting OPT entirely in its reply,
			// since an EDNS0-ignorant server doesn't echo what it never
			// understood); retry without it.
			f.resolver.adb.MarkNoEDNS0(q.addr)
			f.try()
			return
		}
		f.handleBrokenPeer(q)
		return
	}
	if rcode != wire.RCodeNoError && rcode != wire.RCodeNXDomain {
		f.handleBrokenPeer(q)
		return
	}

	f.resolver.adb.AdjustSRTT(q.addr, rtt, adb.FactorDefault)

	if len(pkt.Answers) > 0 && rcode != wire.RCodeNXDomain {
		f.answerResponse(pkt)
		return
	}
	f.noanswerResponse(pkt, rcode)
}

// handleBrokenPeer marks the peer lame and moves on to the next address
// (spec §4.2 step 1/3: "else treat the server as broken and keep trying
// another", "other rcodes mark the server broken").
func (f *FetchContext) handleBrokenPeer(q *activeQuery) {
	f.resolver.adb.MarkLame(q.addr, f.domainSnapshot())
	f.try()
}

// retryOverTCP sets FETCHOPT_TCP and retries against the same address
// (spec §4.2 step 2 "Truncation"): the address is re-queued as the next
// candidate so fctx_try picks it up immediately, over TCP this time.
func (f *FetchContext) retryOverTCP(addr netip.Addr) {
	f.mu.Lock()
	f.opts |= OptTCP
	f.finds = append([]nsCandidate{{addr: addr}}, f.finds...)
	f.findCursor = 0
	f.mu.Unlock()
	f.try()
}

func (f *FetchContext) currentQName() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// answerResponse runs the positive-answer path: walk the answer section
// following CNAME/DNAME chains, mark cacheable rdatasets, and fall
// through to authority processing for incomplete chains (spec §4.2 step 5,
// §4.3 "Chain following").
func (f *FetchContext) answerResponse(pkt wire.Packet) {
	qname := f.currentQName()
	aa := wire.IsAuthoritative(pkt.Header.Flags)

	var collected []wire.Record
	cursor := qname
	chained := false

	for _, rr := range pkt.Answers {
		if !strings.EqualFold(wire.NormalizeName(rr.Name), cursor) {
			continue
		}
		switch wire.RecordType(rr.Type) {
		case wire.TypeCNAME:
			target, _ := rr.Data.(string)
			collected = append(collected, rr)
			cursor = wire.NormalizeName(target)
			chained = true
			continue
		case wire.TypeDNAME:
			target, _ := rr.Data.(string)
			newQName, ok := synthesizeDNAME(cursor, rr.Name, target)
			if !ok {
				// NOSPACE: abort chaining but keep what was cached.
				collected = append(collected, rr)
				continue
			}
			collected = append(collected, rr)
			cursor = newQName
			chained = true
			continue
		default:
			if wire.RecordType(rr.Type) == f.qtype || f.qtype == uint16(wire.TypeANY) {
				collected = append(collected, rr)
			}
		}
	}

	trust := cachedb.TrustAnswer
	if aa {
		trust = cachedb.TrustAuthAnswer
	}
	f.commitRdataset(qname, f.qtype, cachedb.Rdataset{Records: collected, Trust: trust}, pkt)

	if chained && cursor != qname {
		f.restartForChain(cursor)
		return
	}

	if len(collected) == 0 {
		f.noanswerResponse(pkt, wire.RCodeFromFlags(pkt.Header.Flags))
		return
	}

	f.checkRelated(pkt)
	f.done(ResultSuccess, cachedb.Rdataset{Records: collected, Trust: trust}, qname)
}

// synthesizeDNAME builds the new qname for a DNAME substitution (spec
// §4.3 "A DNAME target is synthesized by taking qname's prefix relative to
// the owner and concatenating with the DNAME's RHS").
func synthesizeDNAME(qname, owner, target string) (string, bool) {
	owner = wire.NormalizeName(owner)
	qname = wire.NormalizeName(qname)
	if qname == owner {
		return wire.NormalizeName(target), true
	}
	suffix := "." + owner
	if !strings.HasSuffix(qname, suffix) {
		return "", false
	}
	prefix := strings.TrimSuffix(qname, suffix)
	newName := prefix + "." + wire.NormalizeName(target)
	if len(newName) > 255 {
		return "", false
	}
	return newName, true
}

// restartForChain continues the state machine against a new qname (CNAME
// or DNAME target) within the same fctx, re-resolving the zone cut if the
// target has left the current domain's bailiwick.
func (f *FetchContext) restartForChain(newName string) {
	f.mu.Lock()
	f.name = newName
	inBailiwick := bailiwick(newName, f.domain)
	f.mu.Unlock()

	if !inBailiwick {
		domain, nservers := f.resolver.zoneCutFor(newName, f.opts)
		f.mu.Lock()
		f.domain = domain
		f.nameservers = nservers
		f.finds = nil
		f.forwardAddrs = nil
		f.findCursor = 0
		f.mu.Unlock()
	}
	f.try()
}

// noanswerResponse runs the negative/referral path (spec §4.2 step 6
// "noanswer_response").
func (f *FetchContext) noanswerResponse(pkt wire.Packet, rcode wire.RCode) {
	var soa *wire.Record
	var nsNames []wire.Record
	nsOwner := ""

	for i := range pkt.Authorities {
		rr := pkt.Authorities[i]
		switch wire.RecordType(rr.Type) {
		case wire.TypeSOA:
			if soa != nil {
				f.done(ResultFormErr, cachedb.Rdataset{}, "")
				return
			}
			soa = &pkt.Authorities[i]
		case wire.TypeNS:
			if nsOwner == "" {
				nsOwner = wire.NormalizeName(rr.Name)
			} else if wire.NormalizeName(rr.Name) != nsOwner {
				f.done(ResultFormErr, cachedb.Rdataset{}, "")
				return
			}
			nsNames = append(nsNames, rr)
		}
	}

	qname := f.currentQName()
	negative := rcode == wire.RCodeNXDomain || (len(nsNames) == 0 && soa != nil) || (len(pkt.Answers) == 0 && len(nsNames) == 0)
	referral := len(nsNames) > 0 && soa == nil && bailiwick(nsOwner, f.domainSnapshot()) && nsOwner != qname

	switch {
	case referral:
		f.mu.Lock()
		f.domain = nsOwner
		f.nameservers = nsNames
		f.finds = nil
		f.forwardAddrs = nil
		f.findCursor = 0
		f.mu.Unlock()
		f.checkRelated(pkt)
		f.try()
	case negative:
		covers := f.qtype
		kind := cachedb.NegativeNXRRSet
		if rcode == wire.RCodeNXDomain {
			covers = uint16(wire.TypeANY)
			kind = cachedb.NegativeNXDomain
		}
		ttl := negativeTTL(soa)
		f.resolver.cache.NcacheAdd(cachedb.NodeKey{Name: qname, Type: covers, Class: f.qclass}, kind, cachedb.TrustAuthAuthority, ttl)
		if kind == cachedb.NegativeNXDomain {
			f.done(ResultNCacheNXDomain, cachedb.Rdataset{Negative: kind}, qname)
		} else {
			f.done(ResultNCacheNXRRSet, cachedb.Rdataset{Negative: kind}, qname)
		}
	default:
		f.done(ResultServFail, cachedb.Rdataset{}, "")
	}
}

func (f *FetchContext) domainSnapshot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.domain
}

func negativeTTL(soa *wire.Record) time.Duration {
	if soa == nil {
		return 60 * time.Second
	}
	data, ok := soa.Data.(wire.SOAData)
	if !ok {
		return 60 * time.Second
	}
	ttl := soa.TTL
	if data.Minimum < ttl {
		ttl = data.Minimum
	}
	return time.Duration(ttl) * time.Second
}

// bailiwick reports whether name is equal to or a subdomain of domain
// (spec §4.3 "Bailiwick").
func bailiwick(name, domain string) bool {
	name = wire.NormalizeName(name)
	domain = wire.NormalizeName(domain)
	if domain == "" || name == domain {
		return true
	}
	return strings.HasSuffix(name, "."+domain)
}

// checkRelated marks additional-section glue for names referenced by the
// NS set just processed, tagging it trust=glue (spec §4.3 "Relatedness
// marking").
func (f *FetchContext) checkRelated(pkt wire.Packet) {
	referenced := map[string]bool{}
	for _, rr := range pkt.Authorities {
		if wire.RecordType(rr.Type) == wire.TypeNS {
			if target, ok := rr.Data.(string); ok {
				referenced[wire.NormalizeName(target)] = true
			}
		}
	}
	if len(referenced) == 0 {
		return
	}

	byName := map[string][]wire.Record{}
	for _, rr := range pkt.Additionals {
		name := wire.NormalizeName(rr.Name)
		if referenced[name] {
			byName[name] = append(byName[name], rr)
		}
	}

	for name, records := range byName {
		f.commitRdataset(name, uint16(wire.TypeA), cachedb.Rdataset{Records: filterType(records, wire.TypeA), Trust: cachedb.TrustGlue}, pkt)
		f.commitRdataset(name, uint16(wire.TypeAAAA), cachedb.Rdataset{Records: filterType(records, wire.TypeAAAA), Trust: cachedb.TrustGlue}, pkt)
	}
}

func filterType(records []wire.Record, t wire.RecordType) []wire.Record {
	var out []wire.Record
	for _, r := range records {
		if wire.RecordType(r.Type) == t {
			out = append(out, r)
		}
	}
	return out
}

func (f *FetchContext) commitRdataset(name string, qtype uint16, rds cachedb.Rdataset, pkt wire.Packet) {
	if len(rds.Records) == 0 {
		return
	}
	ttl := minTTL(rds.Records)
	f.resolver.cache.AddRdataset(cachedb.NodeKey{Name: name, Type: qtype, Class: f.qclass}, rds, ttl)
}

func minTTL(records []wire.Record) time.Duration {
	if len(records) == 0 {
		return 0
	}
	min := records[0].TTL
	for _, r := range records[1:] {
		if r.TTL < min {
			min = r.TTL
		}
	}
	return time.Duration(min) * time.Second
}
