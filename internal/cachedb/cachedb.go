// Package cachedb is the fetch engine's cache database collaborator (spec
// §6 "cache database (cache DB)"). It stores rdatasets keyed by
// name/type/class under a monotone trust lattice
// (additional < glue < answer < authauthority < authanswer, spec §4.3) so
// a low-trust write (e.g. glue learned from a referral) can never clobber
// a higher-trust one (e.g. an authoritative answer); a write only replaces
// a live entry when its trust is strictly higher, and an equal-trust write
// leaves the cache unchanged.
//
// Capacity is bounded by an LRU policy, the same shape as
// internal/resolvers.TTLCache: a doubly linked list tracks recency and the
// least-recently-used node is evicted once the cache is over its entry cap.
package cachedb

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/ridgedns/fetchcore/internal/wire"
)

// Trust is the provenance ladder a rdataset was learned under (spec §4.3).
type Trust int

const (
	TrustAdditional Trust = iota
	TrustGlue
	TrustAnswer
	TrustAuthAuthority
	TrustAuthAnswer
)

// String names a trust level for logging.
func (t Trust) String() string {
	switch t {
	case TrustAdditional:
		return "additional"
	case TrustGlue:
		return "glue"
	case TrustAnswer:
		return "answer"
	case TrustAuthAuthority:
		return "authauthority"
	case TrustAuthAnswer:
		return "authanswer"
	default:
		return "unknown"
	}
}

// NegativeKind distinguishes the two RFC 2308 negative-caching shapes.
type NegativeKind int

const (
	// NotNegative marks an ordinary positive rdataset.
	NotNegative NegativeKind = iota
	// NegativeNXDomain caches that the name itself does not exist.
	NegativeNXDomain
	// NegativeNXRRSet caches that the name exists but this type does not.
	NegativeNXRRSet
)

// NodeKey identifies a cached rdataset by owner name, type, and class.
// Name must already be normalized (lowercase, as wire.NormalizeName does).
type NodeKey struct {
	Name  string
	Type  uint16
	Class uint16
}

// Rdataset is a set of resource records sharing a trust level. Its expiry
// is tracked by the cache entry holding it, not by the Rdataset itself. A
// negative rdataset carries no records.
type Rdataset struct {
	Records  []wire.Record
	Trust    Trust
	Negative NegativeKind
}

// AddResult reports what AddRdataset / NcacheAdd actually did.
type AddResult int

const (
	// ResultSuccess means the write took effect (insert or replace).
	ResultSuccess AddResult = iota
	// ResultUnchanged means an existing entry outranked the write and the
	// cache was left untouched.
	ResultUnchanged
)

type entry struct {
	key       NodeKey
	rdataset  Rdataset
	expiresAt time.Time
	elem      *list.Element
}

// CacheDB is a thread-safe, TTL-aware, trust-ordered rdataset cache.
type CacheDB struct {
	mu         sync.Mutex
	maxEntries int

	lru  *list.List
	data map[NodeKey]*entry

	hits   int
	misses int
}

// New creates a CacheDB capped at maxEntries rdatasets.
func New(maxEntries int) *CacheDB {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &CacheDB{
		maxEntries: maxEntries,
		lru:        list.New(),
		data:       map[NodeKey]*entry{},
	}
}

// FindNode looks up the rdataset for key. Expired entries are evicted and
// reported as a miss, matching the cache's TTL semantics elsewhere.
func (c *CacheDB) FindNode(key NodeKey) (Rdataset, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.data[key]
	if e == nil {
		c.misses++
		return Rdataset{}, false
	}
	if !e.expiresAt.After(now) {
		c.removeLocked(e)
		c.misses++
		return Rdataset{}, false
	}

	c.lru.MoveToBack(e.elem)
	c.hits++
	return e.rdataset, true
}

// AddRdataset commits rds under key with the given TTL, applying the trust
// lattice: a write at or below the existing entry's trust leaves the cache
// unchanged (ResultUnchanged); a strictly higher-trust write replaces it
// (ResultSuccess), as does any write to an empty or expired slot.
func (c *CacheDB) AddRdataset(key NodeKey, rds Rdataset, ttl time.Duration) AddResult {
	if ttl <= 0 {
		return ResultUnchanged
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if existing := c.data[key]; existing != nil {
		if existing.expiresAt.After(now) && rds.Trust <= existing.rdataset.Trust {
			return ResultUnchanged
		}
		existing.rdataset = rds
		existing.expiresAt = now.Add(ttl)
		c.lru.MoveToBack(existing.elem)
		return ResultSuccess
	}

	e := &entry{key: key, rdataset: rds, expiresAt: now.Add(ttl)}
	e.elem = c.lru.PushBack(key)
	c.data[key] = e
	c.evictOldestLocked()
	return ResultSuccess
}

// NcacheAdd caches a negative result (RFC 2308) under key, with the same
// trust rules as AddRdataset. The entry is stored under key's exact type:
// FindNode only returns it for that type, so an NXDOMAIN stored under
// type ANY is not found by a lookup for another type.
func (c *CacheDB) NcacheAdd(key NodeKey, kind NegativeKind, trust Trust, ttl time.Duration) AddResult {
	return c.AddRdataset(key, Rdataset{Trust: trust, Negative: kind}, ttl)
}

func (c *CacheDB) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.data, e.key)
}

func (c *CacheDB) evictOldestLocked() {
	for len(c.data) > c.maxEntries {
		front := c.lru.Front()
		if front == nil {
			break
		}
		k := front.Value.(NodeKey)
		c.lru.Remove(front)
		delete(c.data, k)
	}
}

// Stats reports cumulative hit/miss counters.
func (c *CacheDB) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// NormalizeName lowercases and strips the trailing dot for cache-key use,
// the same normalization wire.NormalizeName applies to wire names.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
