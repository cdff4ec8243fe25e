package taskrun

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgedns/fetchcore/internal/config"
)

func TestTaskRunsEventsInOrder(t *testing.T) {
	task := NewTask(8)
	defer task.Shutdown(time.Second)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		n := i
		ok := task.Post(func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			wg.Done()
		})
		require.True(t, ok)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTaskShutdownRejectsFurtherPosts(t *testing.T) {
	task := NewTask(4)
	require.NoError(t, task.Shutdown(time.Second))

	ok := task.Post(func() {})
	assert.False(t, ok)
}

func TestTaskShutdownIsIdempotent(t *testing.T) {
	task := NewTask(4)
	require.NoError(t, task.Shutdown(time.Second))
	require.NoError(t, task.Shutdown(time.Second))
}

func TestBucketsForIsDeterministicAndStable(t *testing.T) {
	bs := NewBuckets(4, 4)
	defer bs.Shutdown(time.Second)

	b1 := bs.For("example.com.")
	b2 := bs.For("example.com.")
	assert.Same(t, b1, b2)
	assert.Equal(t, 4, bs.Len())
}

func TestBucketsSpreadAcrossNames(t *testing.T) {
	bs := NewBuckets(4, 4)
	defer bs.Shutdown(time.Second)

	seen := map[int]bool{}
	names := []string{"a.com.", "b.net.", "c.org.", "d.io.", "e.dev.", "f.co.", "g.app.", "h.xyz."}
	for _, n := range names {
		seen[bs.For(n).Index] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestBucketsShutdownDrainsAllTasks(t *testing.T) {
	bs := NewBuckets(3, 4)

	var executed int32
	for i := 0; i < 3; i++ {
		bs.buckets[i].Task.Post(func() { atomic.AddInt32(&executed, 1) })
	}
	require.NoError(t, bs.Shutdown(time.Second))
	assert.Equal(t, int32(3), executed)
}

func TestResolveBucketCountFixed(t *testing.T) {
	n := ResolveBucketCount(config.BucketsSetting{Mode: config.BucketsFixed, Value: 7})
	assert.Equal(t, 7, n)
}

func TestResolveBucketCountAutoIsPositive(t *testing.T) {
	n := ResolveBucketCount(config.BucketsSetting{Mode: config.BucketsAuto})
	assert.Greater(t, n, 0)
}
