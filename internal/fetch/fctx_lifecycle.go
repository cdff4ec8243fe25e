package fetch

import "github.com/ridgedns/fetchcore/internal/cachedb"

// done transitions active -> done and delivers result to every subscriber
// (spec §4.2 "After classification... and finally posts a Done event to
// every subscriber", §5 "Ordering guarantees: the first subscriber's
// out-rdatasets are populated by the cache layer, and remaining
// subscribers are cloned"). All subscribers see the identical rds value,
// which stands in for "clone_results" since this implementation hands
// out immutable rdataset values rather than shared db-node handles.
func (f *FetchContext) done(result Result, rds cachedb.Rdataset, foundName string) {
	f.mu.Lock()
	if f.state == stateDone {
		f.mu.Unlock()
		return
	}
	f.state = stateDone
	f.stopTimersLocked()
	queries := f.queries
	f.queries = nil
	f.finds = nil
	f.forwardAddrs = nil
	subs := f.subscribers
	f.subscribers = nil
	f.mu.Unlock()

	for _, q := range queries {
		q.canceled = true
		if q.cancel != nil {
			q.cancel()
		}
	}
	for _, ev := range subs {
		ev.deliver(result, rds, foundName)
	}

	f.maybeDestroy()
}

// stopTimersLocked stops the idle and lifetime timers. Caller must hold
// f.mu.
func (f *FetchContext) stopTimersLocked() {
	if f.idleTimer != nil {
		f.idleTimer.Stop()
	}
	if f.lifetimeTimer != nil {
		f.lifetimeTimer.Stop()
	}
}

// shutdown runs fctx_shutdown: set want_shutdown and post the control
// event (spec §4.2 "Shutdown").
func (f *FetchContext) shutdown() {
	f.mu.Lock()
	if f.wantShutdown {
		f.mu.Unlock()
		return
	}
	f.wantShutdown = true
	f.attrs |= attrShuttingDown
	alreadyInit := f.state == stateInit
	f.mu.Unlock()

	if alreadyInit {
		// start() will observe want_shutdown and finish without going
		// active (spec §4.2 "Start... If want_shutdown was set before
		// start, the fctx is destroyed without ever going active").
		return
	}

	f.bucket.Task.Post(f.finishShutdown)
}

// finishShutdown runs fctx_doshutdown: stop everything, transition to
// done, and deliver CANCELED to all remaining subscribers.
func (f *FetchContext) finishShutdown() {
	f.done(ResultCanceled, cachedb.Rdataset{}, "")
}

// cancelSubscriber delivers CANCELED to exactly one subscriber's event,
// leaving the fctx and its other subscribers unaffected (spec §5
// "Cancellation semantics").
func (f *FetchContext) cancelSubscriber(ev *FetchEvent) {
	ev.deliver(ResultCanceled, cachedb.Rdataset{}, "")
}

// releaseReference runs destroy_fetch's per-subscriber half: drop one
// reference and, if it was the last one with no async work remaining,
// unlink and free the fctx (spec §4.1 "destroy_fetch", §5 "destroy_fetch
// releases one reference; only when the last reference goes away AND no
// async work remains does the fctx unlink and free").
func (f *FetchContext) releaseReference() {
	f.mu.Lock()
	if f.references > 0 {
		f.references--
	}
	f.mu.Unlock()
	f.maybeDestroy()
}

// maybeDestroy unlinks the fctx from its bucket once references, pending,
// and validating have all reached zero and the fctx is done or still in
// init (spec §3 "the fctx may not be destroyed until all three are zero
// AND state is done (or init)").
func (f *FetchContext) maybeDestroy() {
	f.mu.Lock()
	destroyable := f.references == 0 && f.pending == 0 && f.validating == 0 &&
		(f.state == stateDone || f.state == stateInit)
	f.mu.Unlock()
	if !destroyable {
		return
	}
	f.resolver.unlinkFctx(f.st, f.key, f.bucket.Index)
}
