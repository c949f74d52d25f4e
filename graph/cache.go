package graph

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type (
	// Cache memoizes handler-node outputs keyed by a strategy-dependent
	// fingerprint. Entries past their TTL are evicted on the access that
	// finds them expired.
	Cache struct {
		mu      sync.Mutex
		entries map[string]cacheEntry
		now     func() time.Time
	}

	cacheEntry struct {
		outputs map[string]any
		stored  time.Time
		ttl     time.Duration
	}
)

// NewCache constructs an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]cacheEntry), now: time.Now}
}

// Fingerprint computes the stable cache key for a node execution under
// its declared strategy. Inputs are hashed through canonical JSON with
// sorted keys so logically equal maps fingerprint identically.
func Fingerprint(n *Node, inputs map[string]any) (string, error) {
	h := sha256.New()
	if err := writeCanonical(h, inputs); err != nil {
		return "", fmt.Errorf("graph: fingerprint node %q: %w", n.ID, err)
	}
	strategy := CacheInputs
	if n.Cache != nil {
		strategy = n.Cache.Strategy
	}
	switch strategy {
	case CacheInputsAndCode:
		fmt.Fprintf(h, "|code:%s", n.HandlerName)
	case CacheInputsCodeAndConfig:
		fmt.Fprintf(h, "|code:%s|", n.HandlerName)
		if err := writeCanonical(h, n.Config); err != nil {
			return "", fmt.Errorf("graph: fingerprint node %q config: %w", n.ID, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeCanonical(h interface{ Write([]byte) (int, error) }, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		raw, err := json.Marshal(m[k])
		if err != nil {
			return err
		}
		fmt.Fprintf(h, "%s=", k)
		if _, err := h.Write(raw); err != nil {
			return err
		}
		fmt.Fprint(h, ";")
	}
	return nil
}

// Get returns the cached outputs for key when present and fresh. An entry
// past its TTL is evicted and reported as a miss.
func (c *Cache) Get(key string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.ttl > 0 && c.now().Sub(entry.stored) > entry.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.outputs, true
}

// Put stores outputs under key with the given TTL. Zero TTL means no
// expiry.
func (c *Cache) Put(key string, outputs map[string]any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{outputs: outputs, stored: c.now(), ttl: ttl}
}

// Len reports the number of live entries, counting expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
