package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/embeddings"
)

const defaultKeyPrefix = "text2vec"

// Encode tokenizes without truncation while BulkEncode truncates, so the two
// calls can disagree on long texts and are cached under separate keys.
const (
	modeEncode = "enc"
	modeBulk   = "bulk"
)

// NewStore builds the store described by config: a local tier, backed by
// Redis when a URL is configured.
func NewStore(ctx context.Context, config Config, logger *zap.Logger) (Store, error) {
	local := NewLocalStore(config.LocalSize, config.LocalTTL)
	if config.RedisURL == "" {
		return local, nil
	}
	remote, err := NewRedisStore(ctx, config, logger)
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	return NewTiered(local, remote), nil
}

// CachedEncoder serves vectors from a Store before falling back to the
// wrapped encoder. Cache failures are logged and never fail a call.
type CachedEncoder struct {
	encoder embeddings.Encoder
	store   Store
	prefix  string
	logger  *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

var _ embeddings.Encoder = (*CachedEncoder)(nil)

// NewCachedEncoder wraps encoder with store. An empty prefix selects "text2vec".
func NewCachedEncoder(encoder embeddings.Encoder, store Store, prefix string, logger *zap.Logger) *CachedEncoder {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedEncoder{
		encoder: encoder,
		store:   store,
		prefix:  prefix,
		logger:  logger,
	}
}

// Encode returns the cached vector for text or encodes and caches it.
func (c *CachedEncoder) Encode(ctx context.Context, text string) (embeddings.Vector, error) {
	key := c.Key(modeEncode, text)
	if vec, ok := c.lookup(ctx, key); ok {
		return vec, nil
	}

	vec, err := c.encoder.Encode(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, key, vec); err != nil {
		c.errors.Add(1)
		c.logger.Warn("Failed to cache vector", zap.String("key", key), zap.Error(err))
	}
	return vec, nil
}

// BulkEncode serves cached texts and encodes only the misses in one call.
// When the wrapped encoder is not batch-invariant a text's vector depends
// on its batch, so the call is delegated without touching the cache.
func (c *CachedEncoder) BulkEncode(ctx context.Context, texts []string) ([]embeddings.Vector, error) {
	if len(texts) == 0 || !c.encoder.BatchInvariant() {
		return c.encoder.BulkEncode(ctx, texts)
	}

	vectors := make([]embeddings.Vector, len(texts))
	keys := make([]string, len(texts))
	var missing []int
	for i, text := range texts {
		keys[i] = c.Key(modeBulk, text)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			vectors[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return vectors, nil
	}

	missTexts := make([]string, len(missing))
	for j, i := range missing {
		missTexts[j] = texts[i]
	}
	encoded, err := c.encoder.BulkEncode(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	missKeys := make([]string, len(missing))
	for j, i := range missing {
		vectors[i] = encoded[j]
		missKeys[j] = keys[i]
	}
	if err := c.store.SetBatch(ctx, missKeys, encoded); err != nil {
		c.errors.Add(1)
		c.logger.Warn("Failed to cache vectors", zap.Int("count", len(missKeys)), zap.Error(err))
	}
	return vectors, nil
}

func (c *CachedEncoder) lookup(ctx context.Context, key string) (embeddings.Vector, bool) {
	vec, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.errors.Add(1)
		c.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
	}
	if err != nil || !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return vec, true
}

// Key returns the cache key for text under the wrapped model and pooling.
// mode is "enc" for Encode and "bulk" for BulkEncode.
func (c *CachedEncoder) Key(mode, text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("%s:%s:%s:%s:%s", c.prefix, c.encoder.ModelName(), c.encoder.Pooling(), mode, hex.EncodeToString(sum[:])[:16])
}

// Stats returns encoder-level hit counters.
func (c *CachedEncoder) Stats() *Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	return &Stats{
		Hits:    hits,
		Misses:  misses,
		Errors:  c.errors.Load(),
		HitRate: hitRate(hits, misses),
	}
}

func (c *CachedEncoder) Dimensions() int { return c.encoder.Dimensions() }
func (c *CachedEncoder) ModelName() string { return c.encoder.ModelName() }
func (c *CachedEncoder) Pooling() embeddings.Pooling { return c.encoder.Pooling() }
func (c *CachedEncoder) BatchInvariant() bool { return c.encoder.BatchInvariant() }

// Close closes the store. The wrapped encoder stays open.
func (c *CachedEncoder) Close() error {
	return c.store.Close()
}
