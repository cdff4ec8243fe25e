// Package fetch is the core of the iterative caching DNS fetch engine: the
// fetch-context state machine, query issuance and response classification,
// delegation and CNAME/DNAME chain following, retry/timeout policy,
// server-reputation feedback, and the hash-bucketed concurrency discipline
// that drives it all (spec §1-§5).
//
// It drives the out-of-scope collaborators named by the spec through this
// module's own minimal implementations: internal/wire (codec),
// internal/cachedb (cache database), internal/adb (address database),
// internal/dispatch (UDP/TCP query dispatch), and internal/taskrun
// (per-bucket serialized task).
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ridgedns/fetchcore/internal/adb"
	"github.com/ridgedns/fetchcore/internal/cachedb"
	"github.com/ridgedns/fetchcore/internal/config"
	"github.com/ridgedns/fetchcore/internal/dispatch"
	"github.com/ridgedns/fetchcore/internal/taskrun"
	"github.com/ridgedns/fetchcore/internal/wire"
)

// fctxKey identifies a joinable fctx by its shared identity (spec §3
// "Identity... Two contexts with identical identity may be joined unless
// the caller sets UNSHARED").
type fctxKey struct {
	name    string
	qtype   uint16
	qclass  uint16
	options Options
}

// bucketState is the mutable part of a Bucket the spec's lock discipline
// protects: fctx list membership and the task-serialized-but-lock-
// readable state fields (spec §5 "Bucket lock").
type bucketState struct {
	mu      sync.Mutex
	fctxs   map[fctxKey]*FetchContext
	exiting bool
}

// Resolver is the process-wide root (spec §3 "Resolver", §4.1).
type Resolver struct {
	cfg    *config.Config
	logger *slog.Logger

	cache *cachedb.CacheDB
	adb   *adb.ADB

	dispatchCtx    context.Context
	dispatchCancel context.CancelFunc
	dispatcherV4   *dispatch.Dispatcher
	dispatcherV6   *dispatch.Dispatcher

	taskBuckets *taskrun.Buckets
	states      []*bucketState

	hints []wire.Record // root hints, NS records under "."

	mu          sync.Mutex
	frozen      bool
	exiting     bool
	references  int
	activeBkts  int
	whenDown    []func()
	forwarders  []netip.AddrPort
	fwdPolicy   config.ForwardPolicy
}

// New allocates a Resolver with cfg.Tasks.Buckets worker buckets and opens
// the shared v4 (and, if available, v6) UDP dispatchers (spec §4.1
// "create"). hints seeds the initial zone cut for fctxs created without an
// explicit domain.
func New(cfg *config.Config, hints []wire.Record, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	n := taskrun.ResolveBucketCount(cfg.Tasks.Buckets)
	r := &Resolver{
		cfg:         cfg,
		logger:      logger,
		cache:       cachedb.New(cfg.Cache.MaxRRSets),
		adb:         adb.New(cfg.ADB.LamenessTTL),
		taskBuckets: taskrun.NewBuckets(n, 256),
		states:      make([]*bucketState, n),
		hints:       hints,
		fwdPolicy:   config.ForwardPolicyNone,
		activeBkts:  0,
		references:  1,
	}
	for i := range r.states {
		r.states[i] = &bucketState{fctxs: map[fctxKey]*FetchContext{}}
	}

	// Bind the v4 and v6 dispatcher sockets concurrently: v4 is required
	// and its failure is fatal, v6 is best-effort and only logs.
	var eg errgroup.Group
	eg.Go(func() error {
		v4, err := dispatch.New(logger, 0, "0.0.0.0:0")
		if err != nil {
			return fmt.Errorf("fetch: open v4 dispatcher: %w", ErrUnexpected)
		}
		r.dispatcherV4 = v4
		return nil
	})
	eg.Go(func() error {
		if v6, err := dispatch.New(logger, 0, "[::]:0"); err == nil {
			r.dispatcherV6 = v6
		} else {
			logger.Warn("no IPv6 stack available, v6 dispatcher disabled", "error", err)
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	r.dispatchCtx, r.dispatchCancel = context.WithCancel(context.Background())
	r.dispatcherV4.Start(r.dispatchCtx)
	if r.dispatcherV6 != nil {
		r.dispatcherV6.Start(r.dispatchCtx)
	}

	return r, nil
}

// SetForwarders sets the forwarder list, valid only before Freeze (spec
// §4.1 "set_forwarders... valid only before freeze").
func (r *Resolver) SetForwarders(servers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	fwds := make([]netip.AddrPort, 0, len(servers))
	for _, s := range servers {
		ap, err := parseServerAddr(s)
		if err != nil {
			return fmt.Errorf("fetch: invalid forwarder %q: %w", s, err)
		}
		fwds = append(fwds, ap)
	}
	r.forwarders = fwds
	return nil
}

// SetForwardPolicy sets the forwarding policy, valid only before Freeze.
func (r *Resolver) SetForwardPolicy(p config.ForwardPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.fwdPolicy = p
	return nil
}

// Freeze makes the Resolver immutable and eligible to create fetches
// (spec §4.1 "freeze").
func (r *Resolver) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *Resolver) isFrozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Attach increments the resolver's reference count (spec §4.1
// "attach/detach").
func (r *Resolver) Attach() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.references++
}

// Detach decrements the reference count; once it reaches zero after
// shutdown has drained every bucket, the resolver's sockets are closed.
func (r *Resolver) Detach() {
	r.mu.Lock()
	r.references--
	destroy := r.references == 0 && r.exiting && r.activeBkts == 0
	r.mu.Unlock()
	if destroy {
		r.destroy()
	}
}

func (r *Resolver) destroy() {
	r.dispatchCancel()
	_ = r.dispatcherV4.Close(5 * time.Second)
	if r.dispatcherV6 != nil {
		_ = r.dispatcherV6.Close(5 * time.Second)
	}
	_ = r.taskBuckets.Shutdown(5 * time.Second)
}

// Shutdown marks the resolver exiting, cancels every fctx in every bucket,
// and marks empty buckets done (spec §4.1 "shutdown").
func (r *Resolver) Shutdown() {
	r.mu.Lock()
	if r.exiting {
		r.mu.Unlock()
		return
	}
	r.exiting = true
	r.mu.Unlock()

	for i, st := range r.states {
		st.mu.Lock()
		st.exiting = true
		fctxs := make([]*FetchContext, 0, len(st.fctxs))
		for _, f := range st.fctxs {
			fctxs = append(fctxs, f)
		}
		empty := len(st.fctxs) == 0
		st.mu.Unlock()

		for _, f := range fctxs {
			f.shutdown()
		}
		if empty {
			r.bucketDrained(i)
		}
	}
}

// WhenShutdown subscribes a one-shot callback delivered once every bucket
// has drained; if already drained, it runs fn immediately.
func (r *Resolver) WhenShutdown(fn func()) {
	r.mu.Lock()
	if r.exiting && r.activeBkts == 0 {
		r.mu.Unlock()
		fn()
		return
	}
	r.whenDown = append(r.whenDown, fn)
	r.mu.Unlock()
}

func (r *Resolver) bucketActivated(idx int) {
	r.mu.Lock()
	r.activeBkts++
	r.mu.Unlock()
	_ = idx
}

func (r *Resolver) bucketDrained(idx int) {
	r.mu.Lock()
	if r.activeBkts > 0 {
		r.activeBkts--
	}
	var subs []func()
	if r.exiting && r.activeBkts == 0 {
		subs = r.whenDown
		r.whenDown = nil
	}
	r.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
	_ = idx
}

// CreateFetch creates or joins a FetchContext for (name, qtype, qclass)
// and returns a Fetch handle subscribed to its outcome (spec §4.1
// "create_fetch").
func (r *Resolver) CreateFetch(name string, qtype uint16, qclass uint16, options Options) (*Fetch, error) {
	if !r.isFrozen() {
		return nil, ErrNotFrozen
	}
	r.mu.Lock()
	exiting := r.exiting
	r.mu.Unlock()
	if exiting {
		return nil, ErrShuttingDown
	}

	name = wire.NormalizeName(name)
	key := fctxKey{name: name, qtype: qtype, qclass: qclass, options: options}
	bucket := r.taskBuckets.For(name)
	st := r.states[bucket.Index]

	st.mu.Lock()
	if st.exiting {
		st.mu.Unlock()
		return nil, ErrShuttingDown
	}

	if options&OptUnshared == 0 {
		if existing, ok := st.fctxs[key]; ok {
			if event, joined := existing.tryJoin(); joined {
				st.mu.Unlock()
				return &Fetch{fctx: existing, event: event}, nil
			}
			// existing is past joining (shutting down); fall through and
			// create a fresh fctx, replacing the stale map entry below.
		}
	}

	wasEmpty := len(st.fctxs) == 0
	fctx, err := newFetchContext(r, bucket, st, key, name, qtype, qclass, options)
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}

	st.fctxs[key] = fctx
	if wasEmpty {
		r.bucketActivated(bucket.Index)
	}
	st.mu.Unlock()

	event := fctx.join()
	fctx.start()
	return &Fetch{fctx: fctx, event: event}, nil
}

func (r *Resolver) cancelFetch(f *Fetch) {
	f.fctx.cancelSubscriber(f.event)
}

func (r *Resolver) destroyFetch(f *Fetch) {
	f.fctx.releaseReference()
}

func (r *Resolver) unlinkFctx(st *bucketState, key fctxKey, bucketIdx int) {
	st.mu.Lock()
	delete(st.fctxs, key)
	empty := len(st.fctxs) == 0
	exiting := st.exiting
	st.mu.Unlock()
	if empty {
		r.bucketDrained(bucketIdx)
		_ = exiting
	}
}

// parseServerAddr accepts either "host:port" or a bare address, defaulting
// to port 53 for the latter.
func parseServerAddr(s string) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(addr, 53), nil
}
