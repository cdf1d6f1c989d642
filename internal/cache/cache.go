// Package cache implements Snorkel's query-result cache: a
// fingerprint-keyed memo with TTL and per-table generation invalidation,
// single-flighted so concurrent identical misses run the query exactly
// once.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dreamware/snorkel/internal/exec"
)

// GenerationSource reports a table's current generation counter,
// bumped on every successful ingest and shard eviction. Satisfied by
// *table.Table; kept as an interface here so cache never imports the
// table package.
type GenerationSource interface {
	Generation() uint64
}

// entry is one cached query result plus the bookkeeping needed to
// decide whether it is still valid.
type entry struct {
	insertedAt  time.Time
	result      *exec.FinalResult
	ttl         time.Duration
	generations map[string]uint64 // table name -> generation at insert time
	key         string            // for LRU list removal
	prev, next  *entry
}

// Cache is a fingerprint-keyed, TTL'd, generation-invalidated, LRU
// bounded query-result cache with single-flight on miss.
type Cache struct {
	entries map[string]*entry
	tables  map[string]GenerationSource
	group   singleflight.Group
	head    *entry // most recently used
	tail    *entry // least recently used
	mu      sync.Mutex
	cap     int
}

// New returns an empty Cache holding at most capacity entries.
func New(capacity int) *Cache {
	return &Cache{entries: make(map[string]*entry), tables: make(map[string]GenerationSource), cap: capacity}
}

// Register associates a table name with its GenerationSource so Get
// can validate a cached entry's recorded generations against the
// table's current one.
func (c *Cache) Register(name string, src GenerationSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name] = src
}

// Fingerprint computes the cache key for a normalized plan: a SHA-256
// over the SQL text lowercased and whitespace-collapsed (see DESIGN.md
// for why this uses crypto/sha256 directly rather than a third-party
// hashing library).
func Fingerprint(sql string) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(sql)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached result for key if present, unexpired, and
// every referenced table's generation is unchanged since insertion.
func (c *Cache) Get(key string) (*exec.FinalResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.insertedAt) >= e.ttl {
		c.removeLocked(e)
		return nil, false
	}
	for name, gen := range e.generations {
		src, ok := c.tables[name]
		if !ok || src.Generation() != gen {
			c.removeLocked(e)
			return nil, false
		}
	}
	c.touchLocked(e)
	return e.result, true
}

// Put inserts result under key, recording the current generation of
// every table in tablesRead, and evicts the least-recently-used entry
// if the cache is at capacity.
func (c *Cache) Put(key string, result *exec.FinalResult, ttl time.Duration, tablesRead []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	gens := make(map[string]uint64, len(tablesRead))
	for _, name := range tablesRead {
		if src, ok := c.tables[name]; ok {
			gens[name] = src.Generation()
		}
	}

	if existing, ok := c.entries[key]; ok {
		c.removeLocked(existing)
	}

	e := &entry{key: key, result: result, ttl: ttl, generations: gens, insertedAt: time.Now()}
	c.entries[key] = e
	c.pushFrontLocked(e)

	for len(c.entries) > c.cap && c.cap > 0 {
		c.removeLocked(c.tail)
	}
}

// GetOrCompute wraps golang.org/x/sync/singleflight around Get/Put:
// concurrent Get misses for the same key result in at-most-one
// concurrent invocation of compute; late arrivals block on
// singleflight's own wait gate and receive the first caller's result.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, tablesRead []string, compute func() (*exec.FinalResult, error)) (*exec.FinalResult, error) {
	if r, ok := c.Get(key); ok {
		return r, nil
	}
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if r, ok := c.Get(key); ok {
			return r, nil
		}
		r, err := compute()
		if err != nil {
			return nil, err
		}
		c.Put(key, r, ttl, tablesRead)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*exec.FinalResult), nil
}

// --- intrusive doubly linked list for O(1) LRU bookkeeping ---

func (c *Cache) pushFrontLocked(e *entry) {
	e.prev, e.next = nil, c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *Cache) touchLocked(e *entry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushFrontLocked(e)
}

func (c *Cache) unlinkLocked(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *Cache) removeLocked(e *entry) {
	c.unlinkLocked(e)
	delete(c.entries, e.key)
}

// DebugKey returns Fingerprint formatted with a short prefix, used only
// in logging.
func DebugKey(sql string) string {
	fp := Fingerprint(sql)
	return fmt.Sprintf("%s…", fp[:12])
}
