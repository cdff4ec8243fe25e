package fetch

import (
	"sync"

	"github.com/ridgedns/fetchcore/internal/cachedb"
)

// Result is the outcome delivered to a subscriber's FetchEvent (spec §7).
type Result int

const (
	ResultSuccess Result = iota
	ResultServFail
	ResultTimedOut
	ResultCanceled
	ResultCNAME
	ResultDNAME
	ResultNCacheNXDomain
	ResultNCacheNXRRSet
	ResultFormErr
)

// String names a Result for logging.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultServFail:
		return "SERVFAIL"
	case ResultTimedOut:
		return "TIMEDOUT"
	case ResultCanceled:
		return "CANCELED"
	case ResultCNAME:
		return "CNAME"
	case ResultDNAME:
		return "DNAME"
	case ResultNCacheNXDomain:
		return "NCACHENXDOMAIN"
	case ResultNCacheNXRRSet:
		return "NCACHENXRRSET"
	case ResultFormErr:
		return "FORMERR"
	default:
		return "UNKNOWN"
	}
}

// Options are per-fetch request bits set by the caller of CreateFetch
// (spec §3 "Identity", §4.2 "fctx_query").
type Options uint32

const (
	// OptUnshared forces a dedicated fctx even if an identical
	// (name, type, options) fctx already exists in the bucket.
	OptUnshared Options = 1 << iota
	// OptRecursive sets RD on outgoing queries.
	OptRecursive
	// OptTCP forces the first query over TCP (also set internally on
	// truncation retry).
	OptTCP
	// OptNoEDNS0 suppresses the EDNS0 OPT record regardless of what the
	// ADB knows about the peer.
	OptNoEDNS0
)

// attr is the fctx attribute bitset (spec §3 "Attributes (bitset)").
type attr uint32

const (
	attrHaveAnswer attr = 1 << iota
	attrAddrWait
	attrShuttingDown
	attrWantCache
	attrWantNCache
	attrGluing
)

// state is the fctx lifecycle state (spec §3 "State", §4.2 "States").
type state int

const (
	stateInit state = iota
	stateActive
	stateDone
)

// FetchEvent is the record delivered to one subscriber at done (spec §3
// "Subscribers", §5 "Ordering guarantees").
type FetchEvent struct {
	Result    Result
	Rdataset  cachedb.Rdataset
	FoundName string

	done chan struct{}
	once sync.Once
}

func newFetchEvent() *FetchEvent {
	return &FetchEvent{Result: ResultServFail, done: make(chan struct{})}
}

func (e *FetchEvent) deliver(result Result, rds cachedb.Rdataset, foundName string) {
	e.once.Do(func() {
		e.Result = result
		e.Rdataset = rds
		e.FoundName = foundName
		close(e.done)
	})
}

// Fetch is a subscriber's public handle to the outcome of one question
// (spec §3 "Fetch (public handle)"). It is valid until the caller both
// receives the Done channel AND calls Destroy.
type Fetch struct {
	fctx  *FetchContext
	event *FetchEvent

	mu        sync.Mutex
	destroyed bool
}

// Done returns a channel closed once the fetch's outcome is known.
func (f *Fetch) Done() <-chan struct{} {
	return f.event.done
}

// Result returns the outcome once Done is closed; ok is false if the
// fetch is still pending.
func (f *Fetch) Result() (result Result, rds cachedb.Rdataset, foundName string, ok bool) {
	select {
	case <-f.event.done:
		return f.event.Result, f.event.Rdataset, f.event.FoundName, true
	default:
		return 0, cachedb.Rdataset{}, "", false
	}
}

// Cancel delivers ResultCanceled to this subscriber only; other
// subscribers of the same fctx are unaffected (spec §5 "Cancellation
// semantics").
func (f *Fetch) Cancel() {
	f.fctx.resolver.cancelFetch(f)
}

// Destroy releases this subscriber's reference on the underlying fctx
// (spec §4.1 "destroy_fetch").
func (f *Fetch) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	f.mu.Unlock()
	f.fctx.resolver.destroyFetch(f)
}
