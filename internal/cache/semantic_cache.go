// Copyright 2026 The hearthd Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package cache implements the semantic decision cache. Keys are the
// quantised embedding bytes of the query, so paraphrases that land in
// the same quantisation buckets share an entry. The cache is advisory:
// a miss or a disabled cache only costs a recomputation.
package cache

import (
	"container/list"
	"encoding/hex"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cognalia/hearthd/internal/metrics"
)

// Entry is one cached routing outcome.
type Entry struct {
	// Alpha and Beta are the control weights computed for the query.
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`

	// Decision is the routing decision hint (e.g. "cascade", "code_expert").
	Decision string `json:"decision"`

	// StoredAt is when the entry was written.
	StoredAt time.Time `json:"stored_at"`
}

// SemanticCache is a TTL-bounded LRU keyed by quantised embeddings.
type SemanticCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	order    *list.List // front = most recent
	maxSize  int
	ttl      time.Duration
	hits     int64
	misses   int64
	now      func() time.Time
}

type cacheItem struct {
	key   string
	entry Entry
}

// New creates a semantic cache. maxSize <= 0 disables bounding checks
// in a degenerate way, so callers should always pass a positive bound.
func New(maxSize int, ttl time.Duration) *SemanticCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &SemanticCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get looks up the entry for a quantised key. Expired entries are
// removed on contact and reported as misses.
func (c *SemanticCache) Get(key []byte) (Entry, bool) {
	k := string(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[k]
	if !ok {
		c.misses++
		metrics.ObserveCacheLookup(false, c.hits, c.misses)
		return Entry{}, false
	}

	item := elem.Value.(*cacheItem)
	if c.ttl > 0 && c.now().Sub(item.entry.StoredAt) >= c.ttl {
		c.order.Remove(elem)
		delete(c.entries, k)
		c.misses++
		metrics.ObserveCacheLookup(false, c.hits, c.misses)
		return Entry{}, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	metrics.ObserveCacheLookup(true, c.hits, c.misses)
	return item.entry, true
}

// Put stores or overwrites the entry for a quantised key, evicting the
// least recently used entry when the bound is exceeded.
func (c *SemanticCache) Put(key []byte, entry Entry) {
	k := string(key)
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[k]; ok {
		elem.Value.(*cacheItem).entry = entry
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheItem{key: k, entry: entry})
	c.entries[k] = elem

	for c.order.Len() > c.maxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheItem).key)
	}
}

// Len returns the current entry count.
func (c *SemanticCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *SemanticCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// GetMetricsAsMap returns cache metrics for the health endpoint.
func (c *SemanticCache) GetMetricsAsMap() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.hits) / float64(total)
	}
	return map[string]interface{}{
		"entries":  c.order.Len(),
		"max_size": c.maxSize,
		"hits":     c.hits,
		"misses":   c.misses,
		"hit_rate": hitRate,
	}
}

// snapshot returns all live entries, most recent first.
func (c *SemanticCache) snapshot() []persistedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]persistedEntry, 0, c.order.Len())
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem)
		if c.ttl > 0 && c.now().Sub(item.entry.StoredAt) >= c.ttl {
			continue
		}
		out = append(out, persistedEntry{
			Key:   hex.EncodeToString([]byte(item.key)),
			Entry: item.entry,
		})
	}
	return out
}

// restore inserts persisted entries, oldest first so recency survives.
func (c *SemanticCache) restore(entries []persistedEntry) {
	for i := len(entries) - 1; i >= 0; i-- {
		key, err := hex.DecodeString(entries[i].Key)
		if err != nil {
			log.Warnf("semantic cache: skipping corrupt key %q", entries[i].Key)
			continue
		}
		if c.ttl > 0 && c.now().Sub(entries[i].Entry.StoredAt) >= c.ttl {
			continue
		}
		c.Put(key, entries[i].Entry)
	}
}
