package cachedb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ridgedns/fetchcore/internal/wire"
)

func key(name string) NodeKey {
	return NodeKey{Name: name, Type: uint16(wire.TypeA), Class: uint16(wire.ClassIN)}
}

func TestAddRdatasetInsertsWhenEmpty(t *testing.T) {
	c := New(10)
	res := c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAnswer}, time.Minute)
	assert.Equal(t, ResultSuccess, res)

	got, ok := c.FindNode(key("example.com"))
	require.True(t, ok)
	assert.Equal(t, TrustAnswer, got.Trust)
}

func TestAddRdatasetHigherTrustReplaces(t *testing.T) {
	c := New(10)
	c.AddRdataset(key("example.com"), Rdataset{Trust: TrustGlue}, time.Minute)
	res := c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAuthAnswer}, time.Minute)
	assert.Equal(t, ResultSuccess, res)

	got, ok := c.FindNode(key("example.com"))
	require.True(t, ok)
	assert.Equal(t, TrustAuthAnswer, got.Trust)
}

func TestAddRdatasetLowerOrEqualTrustUnchanged(t *testing.T) {
	c := New(10)
	c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAuthAnswer}, time.Minute)

	res := c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAnswer}, time.Minute)
	assert.Equal(t, ResultUnchanged, res)

	res = c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAuthAnswer}, time.Minute)
	assert.Equal(t, ResultUnchanged, res)

	got, ok := c.FindNode(key("example.com"))
	require.True(t, ok)
	assert.Equal(t, TrustAuthAnswer, got.Trust)
}

func TestAddRdatasetZeroTTLRejected(t *testing.T) {
	c := New(10)
	res := c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAnswer}, 0)
	assert.Equal(t, ResultUnchanged, res)
	_, ok := c.FindNode(key("example.com"))
	assert.False(t, ok)
}

func TestFindNodeExpires(t *testing.T) {
	c := New(10)
	c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAnswer}, time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, ok := c.FindNode(key("example.com"))
	assert.False(t, ok)
}

func TestExpiredEntryTrustDoesNotBlockNewWrite(t *testing.T) {
	c := New(10)
	c.AddRdataset(key("example.com"), Rdataset{Trust: TrustAuthAnswer}, time.Nanosecond)
	time.Sleep(time.Millisecond)

	res := c.AddRdataset(key("example.com"), Rdataset{Trust: TrustGlue}, time.Minute)
	assert.Equal(t, ResultSuccess, res)
}

func TestNcacheAdd(t *testing.T) {
	c := New(10)
	res := c.NcacheAdd(key("nope.example.com"), NegativeNXDomain, TrustAuthAuthority, time.Minute)
	assert.Equal(t, ResultSuccess, res)

	got, ok := c.FindNode(key("nope.example.com"))
	require.True(t, ok)
	assert.Equal(t, NegativeNXDomain, got.Negative)
	assert.Empty(t, got.Records)
}

func TestEvictsOldestOverCapacity(t *testing.T) {
	c := New(2)
	c.AddRdataset(key("a.com"), Rdataset{Trust: TrustAnswer}, time.Minute)
	c.AddRdataset(key("b.com"), Rdataset{Trust: TrustAnswer}, time.Minute)
	c.AddRdataset(key("c.com"), Rdataset{Trust: TrustAnswer}, time.Minute)

	_, ok := c.FindNode(key("a.com"))
	assert.False(t, ok, "oldest entry should have been evicted")

	_, ok = c.FindNode(key("b.com"))
	assert.True(t, ok)
	_, ok = c.FindNode(key("c.com"))
	assert.True(t, ok)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeName("Example.Com."))
}
