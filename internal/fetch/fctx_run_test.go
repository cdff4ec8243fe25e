package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryIntervalEarlyRoundsAreFlat(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryInterval(0, 0))
	assert.Equal(t, 2*time.Second, retryInterval(1, 0))
	assert.Equal(t, 2*time.Second, retryInterval(2, 0))
}

func TestRetryIntervalBacksOffExponentially(t *testing.T) {
	assert.Equal(t, 16*time.Second, retryInterval(4, 0))
	assert.Equal(t, 30*time.Second, retryInterval(5, 0))
}

func TestRetryIntervalCapsAtMax(t *testing.T) {
	assert.Equal(t, 30*time.Second, retryInterval(10, 0))
}

func TestRetryIntervalFlooredBySRTTAfterCap(t *testing.T) {
	assert.Equal(t, 40*time.Second, retryInterval(1, 20*time.Second))
	assert.Equal(t, 10*time.Second, retryInterval(1, 5*time.Second))
}

func TestNextMessageIDIsUnpredictable(t *testing.T) {
	seen := map[uint16]bool{}
	for i := 0; i < 16; i++ {
		seen[nextMessageID()] = true
	}
	assert.Greater(t, len(seen), 1)
}
