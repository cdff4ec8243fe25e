package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgedns/fetchcore/internal/cachedb"
	"github.com/ridgedns/fetchcore/internal/taskrun"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	n := 1
	r := &Resolver{
		cache:       cachedb.New(64),
		taskBuckets: taskrun.NewBuckets(n, 8),
		states:      []*bucketState{{fctxs: map[fctxKey]*FetchContext{}}},
	}
	t.Cleanup(func() { _ = r.taskBuckets.Shutdown(time.Second) })
	return r
}

func newTestFctx(t *testing.T, r *Resolver) *FetchContext {
	t.Helper()
	bucket := r.taskBuckets.For("example.com")
	st := r.states[bucket.Index]
	key := fctxKey{name: "example.com", qtype: 1, qclass: 1}
	f := &FetchContext{
		resolver: r,
		bucket:   bucket,
		st:       st,
		key:      key,
		name:     "example.com",
		qtype:    1,
		qclass:   1,
		state:    stateActive,
	}
	st.fctxs[key] = f
	return f
}

func TestDoneDeliversToAllSubscribers(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	ev1 := f.join()
	ev2 := f.join()

	f.done(ResultSuccess, cachedb.Rdataset{}, "example.com")

	<-ev1.done
	<-ev2.done
	assert.Equal(t, ResultSuccess, ev1.Result)
	assert.Equal(t, ResultSuccess, ev2.Result)
	assert.Equal(t, stateDone, f.state)
}

func TestDoneIsIdempotent(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	ev := f.join()

	f.done(ResultSuccess, cachedb.Rdataset{}, "example.com")
	f.done(ResultServFail, cachedb.Rdataset{}, "") // must not re-deliver or panic

	assert.Equal(t, ResultSuccess, ev.Result)
}

func TestMaybeDestroyUnlinksWhenQuiescent(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	f.state = stateDone

	f.maybeDestroy()

	_, stillPresent := r.states[f.bucket.Index].fctxs[f.key]
	assert.False(t, stillPresent)
}

func TestMaybeDestroyWaitsOnReferences(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	f.state = stateDone
	f.references = 1

	f.maybeDestroy()

	_, stillPresent := r.states[f.bucket.Index].fctxs[f.key]
	assert.True(t, stillPresent)
}

func TestReleaseReferenceDestroysLastReference(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	f.state = stateDone
	f.references = 1

	f.releaseReference()

	_, stillPresent := r.states[f.bucket.Index].fctxs[f.key]
	assert.False(t, stillPresent)
}

func TestCancelSubscriberOnlyAffectsOneEvent(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	ev1 := f.join()
	ev2 := f.join()

	f.cancelSubscriber(ev1)

	select {
	case <-ev1.done:
	default:
		t.Fatal("ev1 should be delivered")
	}
	select {
	case <-ev2.done:
		t.Fatal("ev2 should still be pending")
	default:
	}
	assert.Equal(t, ResultCanceled, ev1.Result)
}

func TestShutdownFromInitSkipsPosting(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	f.state = stateInit

	f.shutdown()

	assert.True(t, f.wantShutdown)
}

func TestShutdownFromActivePostsFinish(t *testing.T) {
	r := newTestResolver(t)
	f := newTestFctx(t, r)
	ev := f.join()

	f.shutdown()

	require.Eventually(t, func() bool {
		select {
		case <-ev.done:
			return true
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, ResultCanceled, ev.Result)
}
