// Package taskrun is a minimal real implementation of the fetch engine's
// out-of-scope "task/event runtime" collaborator (spec §6). It provides no
// timers: the fetch package arms its own idle and lifetime timers with
// time.AfterFunc and posts their expiry here. It gives every Bucket a single serialized goroutine so all
// events touching that bucket's fetches — query timeouts, response
// arrivals, new fetch creation, shutdown — run one at a time without their
// own locking, the same "one task per zone of contention" discipline the
// spec's concurrency model assumes (§5 "Locking discipline").
//
// Goroutine lifecycle follows internal/cluster.Syncer's shape: a
// stopCh/doneCh pair and a blocking Shutdown that waits for the run loop
// to drain.
package taskrun

import (
	"errors"
	"hash/fnv"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/ridgedns/fetchcore/internal/config"
)

// Event is a unit of work posted to a Task's serialized queue.
type Event func()

// Task runs posted Events one at a time on a single goroutine.
type Task struct {
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	closeOnce sync.Once
}

// NewTask starts a Task with the given event queue depth.
func NewTask(queueSize int) *Task {
	if queueSize <= 0 {
		queueSize = 64
	}
	t := &Task{
		events: make(chan Event, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Task) run() {
	defer close(t.doneCh)
	for {
		select {
		case <-t.stopCh:
			for {
				select {
				case ev := <-t.events:
					ev()
				default:
					return
				}
			}
		case ev := <-t.events:
			ev()
		}
	}
}

// Post enqueues ev for serialized execution, blocking if the queue is
// full so a burst of events applies backpressure rather than being
// silently dropped. It returns false if the task has already been shut
// down.
func (t *Task) Post(ev Event) bool {
	select {
	case <-t.stopCh:
		return false
	default:
	}
	select {
	case t.events <- ev:
		return true
	case <-t.stopCh:
		return false
	}
}

// Shutdown stops accepting new events and waits up to timeout for the
// queue to drain and the run loop to exit.
func (t *Task) Shutdown(timeout time.Duration) error {
	t.closeOnce.Do(func() { close(t.stopCh) })

	if timeout <= 0 {
		<-t.doneCh
		return nil
	}
	select {
	case <-t.doneCh:
		return nil
	case <-time.After(timeout):
		return errors.New("taskrun: timeout waiting for task to drain")
	}
}

// Bucket pairs a serialized Task with its index in a Buckets table,
// modeling the spec's Bucket component (§3, §5): hash(name) -> bucket ->
// single worker task.
type Bucket struct {
	Index int
	Task  *Task
}

// Buckets hash-shards fetches across a fixed set of Bucket tasks.
type Buckets struct {
	buckets []*Bucket
}

// NewBuckets creates n buckets, each with its own Task of the given event
// queue depth.
func NewBuckets(n, queueSize int) *Buckets {
	if n <= 0 {
		n = 1
	}
	bs := &Buckets{buckets: make([]*Bucket, n)}
	for i := range bs.buckets {
		bs.buckets[i] = &Bucket{Index: i, Task: NewTask(queueSize)}
	}
	return bs
}

// For returns the bucket responsible for name, via an FNV-1a hash of the
// normalized name (spec §3: "bucket = hash(name) mod bucket_count").
func (bs *Buckets) For(name string) *Bucket {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return bs.buckets[h.Sum32()%uint32(len(bs.buckets))]
}

// Len returns the number of buckets.
func (bs *Buckets) Len() int { return len(bs.buckets) }

// Shutdown shuts down every bucket's task concurrently, returning the
// first error encountered (all buckets are still shut down regardless,
// since errgroup.Wait collects every goroutine before returning).
func (bs *Buckets) Shutdown(timeout time.Duration) error {
	var eg errgroup.Group
	for _, b := range bs.buckets {
		eg.Go(func() error {
			return b.Task.Shutdown(timeout)
		})
	}
	return eg.Wait()
}

// ResolveBucketCount turns a config.BucketsSetting into a concrete bucket
// count, using the logical CPU count for "auto" (spec §4.1 create: bucket
// table sized from available concurrency).
func ResolveBucketCount(s config.BucketsSetting) int {
	if s.Mode == config.BucketsFixed && s.Value > 0 {
		return s.Value
	}
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		n = runtime.NumCPU()
	}
	return n
}
