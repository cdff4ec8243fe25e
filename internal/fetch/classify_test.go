package fetch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ridgedns/fetchcore/internal/wire"
)

func TestBailiwick(t *testing.T) {
	cases := []struct {
		name, domain string
		want         bool
	}{
		{"www.example.com", "example.com", true},
		{"example.com", "example.com", true},
		{"example.com", ".", true},
		{"evil.com", "example.com", false},
		{"notexample.com", "example.com", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, bailiwick(c.name, c.domain), "%s in %s", c.name, c.domain)
	}
}

func TestSynthesizeDNAME(t *testing.T) {
	newName, ok := synthesizeDNAME("www.old.example.com", "old.example.com", "new.example.com")
	assert.True(t, ok)
	assert.Equal(t, "www.new.example.com", newName)

	newName, ok = synthesizeDNAME("old.example.com", "old.example.com", "new.example.com")
	assert.True(t, ok)
	assert.Equal(t, "new.example.com", newName)

	_, ok = synthesizeDNAME("unrelated.com", "old.example.com", "new.example.com")
	assert.False(t, ok)
}

func TestSynthesizeDNAMETooLong(t *testing.T) {
	longPrefix := ""
	for i := 0; i < 50; i++ {
		longPrefix += "abcdefghij."
	}
	_, ok := synthesizeDNAME(longPrefix+"old.example.com", "old.example.com", "new.example.com")
	assert.False(t, ok)
}

func TestNegativeTTLUsesSOAMinimum(t *testing.T) {
	soa := &wire.Record{TTL: 3600, Data: wire.SOAData{Minimum: 60}}
	assert.Equal(t, 60*time.Second, negativeTTL(soa))

	soa = &wire.Record{TTL: 30, Data: wire.SOAData{Minimum: 3600}}
	assert.Equal(t, 30*time.Second, negativeTTL(soa))
}

func TestNegativeTTLDefaultsWithoutSOA(t *testing.T) {
	assert.Equal(t, 60*time.Second, negativeTTL(nil))
}

func TestMinTTLPicksSmallest(t *testing.T) {
	records := []wire.Record{{TTL: 300}, {TTL: 60}, {TTL: 3600}}
	assert.Equal(t, 60*time.Second, minTTL(records))
}

func TestMinTTLEmpty(t *testing.T) {
	assert.Equal(t, time.Duration(0), minTTL(nil))
}

func TestFilterType(t *testing.T) {
	records := []wire.Record{
		{Type: uint16(wire.TypeA)},
		{Type: uint16(wire.TypeAAAA)},
		{Type: uint16(wire.TypeA)},
	}
	a := filterType(records, wire.TypeA)
	assert.Len(t, a, 2)
}
