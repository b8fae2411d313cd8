package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/raaihank/text2vec/internal/embeddings"
)

const (
	defaultLocalSize = 10000
	defaultLocalTTL  = 10 * time.Minute
)

// LocalStore is an in-process LRU cache with per-entry expiry.
type LocalStore struct {
	cache *ttlcache.Cache[string, embeddings.Vector]

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Store = (*LocalStore)(nil)

// NewLocalStore creates a local cache holding at most size vectors for ttl.
// Zero values select 10000 entries and ten minutes.
func NewLocalStore(size int, ttl time.Duration) *LocalStore {
	if size <= 0 {
		size = defaultLocalSize
	}
	if ttl <= 0 {
		ttl = defaultLocalTTL
	}
	c := ttlcache.New[string, embeddings.Vector](
		ttlcache.WithTTL[string, embeddings.Vector](ttl),
		ttlcache.WithCapacity[string, embeddings.Vector](uint64(size)),
		ttlcache.WithDisableTouchOnHit[string, embeddings.Vector](),
	)
	go c.Start()
	return &LocalStore{cache: c}
}

// Get returns a copy of the cached vector.
func (s *LocalStore) Get(ctx context.Context, key string) (embeddings.Vector, bool, error) {
	item := s.cache.Get(key)
	if item == nil {
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	return copyVector(item.Value()), true, nil
}

func (s *LocalStore) Set(ctx context.Context, key string, vec embeddings.Vector) error {
	s.cache.Set(key, copyVector(vec), ttlcache.DefaultTTL)
	return nil
}

func (s *LocalStore) SetBatch(ctx context.Context, keys []string, vecs []embeddings.Vector) error {
	if len(keys) != len(vecs) {
		return fmt.Errorf("keys and vectors length mismatch: %d != %d", len(keys), len(vecs))
	}
	for i, key := range keys {
		s.cache.Set(key, copyVector(vecs[i]), ttlcache.DefaultTTL)
	}
	return nil
}

// GetStats returns hit counters and the current entry count.
func (s *LocalStore) GetStats() *Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	return &Stats{
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate(hits, misses),
		TotalKeys: int64(s.cache.Len()),
	}
}

// Close stops the expiration loop.
func (s *LocalStore) Close() error {
	s.cache.Stop()
	return nil
}
