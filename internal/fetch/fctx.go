package fetch

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/ridgedns/fetchcore/internal/cachedb"
	"github.com/ridgedns/fetchcore/internal/config"
	"github.com/ridgedns/fetchcore/internal/taskrun"
	"github.com/ridgedns/fetchcore/internal/wire"
)

const (
	lifetimeDefault    = 90 * time.Second
	baseRetryDefault   = 2 * time.Second
	maxRetryDefault    = 30 * time.Second
	maxRestartsDefault = 10
	ednsPayloadDefault = wire.EDNSDefaultUDPPayloadSize
	udpTimeoutDefault  = 2 * time.Second
	tcpTimeoutDefault  = 5 * time.Second
	sendBufferSize     = 512
)

// nsCandidate is one address this fctx can still try (spec §4.2
// "fctx_try... picks the next unmarked address").
type nsCandidate struct {
	addr      netip.Addr
	tried     bool
	forwarder bool
}

// activeQuery is one in-flight Query (spec §3 "Query").
type activeQuery struct {
	addr      netip.Addr
	tcp       bool
	edns0     bool // whether this query attached an OPT record
	id        uint16
	startedAt time.Time
	canceled  bool
	cancel    context.CancelFunc
}

// FetchContext is the per-question state machine (spec §3 "FetchContext",
// §4.2).
type FetchContext struct {
	resolver *Resolver
	bucket   *taskrun.Bucket
	st       *bucketState
	key      fctxKey

	name   string
	qtype  uint16
	qclass uint16
	opts   Options

	// mu stands in for the spec's bucket-lock-plus-task-serialization
	// discipline (spec §5 "Locking discipline"): every field below is
	// mutated only while holding it, whether the call originates on the
	// bucket's task or from a subscriber's Cancel/Destroy call.
	mu sync.Mutex

	domain      string
	nameservers []wire.Record

	queries      []*activeQuery
	finds        []nsCandidate
	forwardAddrs []nsCandidate
	findCursor   int

	pending    int
	validating int
	references int

	attrs        attr
	state        state
	wantShutdown bool

	restarts      int
	retryInterval time.Duration
	lifetimeAt    time.Time

	idleTimer     *time.Timer
	lifetimeTimer *time.Timer

	subscribers []*FetchEvent

	visitedNames map[string]bool
}

func newFetchContext(r *Resolver, bucket *taskrun.Bucket, st *bucketState, key fctxKey, name string, qtype, qclass uint16, opts Options) (*FetchContext, error) {
	domain, nservers := r.zoneCutFor(name, opts)

	f := &FetchContext{
		resolver:      r,
		bucket:        bucket,
		st:            st,
		key:           key,
		name:          name,
		qtype:         qtype,
		qclass:        qclass,
		opts:          opts,
		domain:        domain,
		nameservers:   nservers,
		retryInterval: durationOr(r.cfg.Fetch.BaseRetryInterval, baseRetryDefault),
		lifetimeAt:    time.Now().Add(durationOr(r.cfg.Fetch.Lifetime, lifetimeDefault)),
		visitedNames:  map[string]bool{name: true},
	}
	return f, nil
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// zoneCutFor resolves the deepest known zone cut for name (spec §4.2
// "fctx_create... resolve the deepest known zone cut via the view's
// cache/hints"). Policy "only" sets domain to the root.
func (r *Resolver) zoneCutFor(name string, opts Options) (string, []wire.Record) {
	if r.fwdPolicy == config.ForwardPolicyOnly {
		return ".", nil
	}

	for _, candidate := range ancestorZones(name) {
		key := cachedb.NodeKey{Name: candidate, Type: uint16(wire.TypeNS), Class: 1}
		if rds, ok := r.cache.FindNode(key); ok && rds.Negative == cachedb.NotNegative {
			return candidate, rds.Records
		}
	}
	return ".", r.hints
}

// ancestorZones returns name's own zone down to the root, e.g. for
// "www.example.com" it yields "www.example.com", "example.com", "com", "".
func ancestorZones(name string) []string {
	if name == "" {
		return []string{""}
	}
	labels := strings.Split(name, ".")
	zones := make([]string, 0, len(labels)+1)
	for i := range labels {
		zones = append(zones, strings.Join(labels[i:], "."))
	}
	zones = append(zones, "")
	return zones
}

// join allocates a FetchEvent for a brand-new fctx and appends it as the
// first subscriber (spec §4.2 "fctx_join").
func (f *FetchContext) join() *FetchEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := newFetchEvent()
	f.subscribers = append(f.subscribers, ev)
	f.references++
	return ev
}

// tryJoin joins an existing fctx if it is still accepting subscribers.
func (f *FetchContext) tryJoin() (*FetchEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateDone || f.wantShutdown {
		return nil, false
	}
	ev := newFetchEvent()
	f.subscribers = append(f.subscribers, ev)
	f.references++
	return ev, true
}

// start transitions init -> active and kicks off fctx_try (spec §4.2
// "Start"). It runs on the bucket's task, matching the spec's posted
// control event.
func (f *FetchContext) start() {
	f.bucket.Task.Post(func() {
		f.mu.Lock()
		if f.wantShutdown {
			f.mu.Unlock()
			f.finishShutdown()
			return
		}
		f.state = stateActive
		f.mu.Unlock()
		f.try()
	})
}
