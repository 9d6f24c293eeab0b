package cache

import (
	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ScoreCache stores quality scores keyed by the hash of the encoded image.
type ScoreCache interface {
	// Get retrieves the scores cached for key.
	Get(key uint64) ([]float32, bool)
	// Put stores scores under key.
	Put(key uint64, scores []float32)
	// Size returns the number of items in the cache.
	Size() int
}

// Key hashes a namespace (checkpoint or dataset id) and the raw image bytes.
func Key(namespace string, data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(namespace)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(data)
	return d.Sum64()
}

// LRUCache is a bounded in-memory ScoreCache evicting the least recently used entry.
// Scores are copied on the way in and out so callers may reuse their slices.
type LRUCache struct {
	lru *lru.Cache[uint64, []float32]
}

// NewLRUCache creates a cache holding at most capacity entries. A capacity
// below one is treated as one.
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	c, err := lru.New[uint64, []float32](capacity)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &LRUCache{lru: c}
}

func (c *LRUCache) Get(key uint64) ([]float32, bool) {
	scores, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return append([]float32(nil), scores...), true
}

func (c *LRUCache) Put(key uint64, scores []float32) {
	c.lru.Add(key, append([]float32(nil), scores...))
}

func (c *LRUCache) Size() int {
	return c.lru.Len()
}
