// Package cache holds executed query results keyed by canonical cache key,
// bounded by entry count (LRU) and entry age (TTL).
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is one cached result.
type Entry struct {
	Columns   []string
	Rows      [][]interface{}
	SQLHash   string
	CreatedAt time.Time
}

// ResultCache is a TTL+LRU cache of query results. Safe for concurrent
// use; eviction never blocks reads of other keys.
type ResultCache struct {
	lru *expirable.LRU[string, Entry]
	ttl time.Duration
}

// New creates a cache holding at most maxEntries results, each valid for
// ttl from creation.
func New(maxEntries int, ttl time.Duration) *ResultCache {
	return &ResultCache{
		lru: expirable.NewLRU[string, Entry](maxEntries, nil, ttl),
		ttl: ttl,
	}
}

// Get returns the entry for key if present and unexpired; a hit refreshes
// the entry's LRU recency.
func (c *ResultCache) Get(key string) (Entry, bool) {
	return c.lru.Get(key)
}

// Set stores a result under key with the cache's TTL.
func (c *ResultCache) Set(key string, entry Entry) {
	entry.CreatedAt = time.Now()
	c.lru.Add(key, entry)
}

// Len reports the current entry count.
func (c *ResultCache) Len() int { return c.lru.Len() }

// Purge drops every entry. Test helper.
func (c *ResultCache) Purge() { c.lru.Purge() }
