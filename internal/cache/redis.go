package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/embeddings"
)

// RedisStore keeps vectors in Redis as JSON arrays with a TTL.
type RedisStore struct {
	client *redis.Client
	config Config
	logger *zap.Logger

	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to config.RedisURL and verifies the connection.
func NewRedisStore(ctx context.Context, config Config, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	opts.MinIdleConns = config.MinIdleConns

	store := &RedisStore{
		client: redis.NewClient(opts),
		config: config,
		logger: logger,
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.client.Ping(pingCtx).Err(); err != nil {
		_ = store.client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis vector cache initialized",
		zap.String("redis_url", maskRedisURL(config.RedisURL)),
		zap.Int("max_connections", opts.PoolSize),
		zap.Duration("default_ttl", config.DefaultTTL))
	return store, nil
}

// Get returns the cached vector for key. Corrupted entries are deleted and
// reported as misses.
func (s *RedisStore) Get(ctx context.Context, key string) (embeddings.Vector, bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		s.errors.Add(1)
		return nil, false, fmt.Errorf("cache lookup failed: %w", err)
	}

	var vec embeddings.Vector
	if err := json.Unmarshal(data, &vec); err != nil {
		s.logger.Warn("Dropping corrupted cache entry", zap.String("key", key), zap.Error(err))
		s.client.Del(ctx, key)
		s.misses.Add(1)
		return nil, false, nil
	}
	s.hits.Add(1)
	return vec, true, nil
}

// Set stores vec under key with the configured TTL.
func (s *RedisStore) Set(ctx context.Context, key string, vec embeddings.Vector) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("failed to marshal vector for caching: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.config.DefaultTTL).Err(); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("failed to cache vector: %w", err)
	}
	return nil
}

// SetBatch stores many vectors in one pipeline round trip.
func (s *RedisStore) SetBatch(ctx context.Context, keys []string, vecs []embeddings.Vector) error {
	if len(keys) != len(vecs) {
		return fmt.Errorf("keys and vectors length mismatch: %d != %d", len(keys), len(vecs))
	}
	if len(keys) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	for i, key := range keys {
		data, err := json.Marshal(vecs[i])
		if err != nil {
			s.logger.Error("Failed to marshal vector for batch caching", zap.Error(err))
			continue
		}
		pipe.Set(ctx, key, data, s.config.DefaultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.errors.Add(1)
		return fmt.Errorf("batch cache operation failed: %w", err)
	}

	s.logger.Debug("Batch cache operation completed", zap.Int("cached_vectors", len(keys)))
	return nil
}

// GetStats returns hit counters plus key count and memory usage when the
// server reports them.
func (s *RedisStore) GetStats(ctx context.Context) *Stats {
	hits, misses := s.hits.Load(), s.misses.Load()
	stats := &Stats{
		Hits:    hits,
		Misses:  misses,
		Errors:  s.errors.Load(),
		HitRate: hitRate(hits, misses),
	}

	if info, err := s.client.Info(ctx, "memory").Result(); err == nil {
		for _, line := range strings.Split(info, "\r\n") {
			if memStr, ok := strings.CutPrefix(line, "used_memory:"); ok {
				if mem, err := strconv.ParseInt(memStr, 10, 64); err == nil {
					stats.MemoryUsage = mem
				}
			}
		}
	}
	if keys, err := s.client.DBSize(ctx).Result(); err == nil {
		stats.TotalKeys = keys
	}
	return stats
}

// Clear removes every key under the configured prefix.
func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	iter := s.client.Scan(ctx, 0, s.config.KeyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cache keys: %w", err)
	}

	const batchSize = 100
	for i := 0; i < len(keys); i += batchSize {
		end := min(i+batchSize, len(keys))
		if err := s.client.Del(ctx, keys[i:end]...).Err(); err != nil {
			return i, fmt.Errorf("failed to delete cache keys: %w", err)
		}
	}

	s.logger.Info("Cache cleared", zap.Int("deleted_keys", len(keys)))
	return len(keys), nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// maskRedisURL masks the password in a Redis URL for logging
func maskRedisURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	userPart := url[:at]
	colon := strings.LastIndex(userPart, ":")
	// the first colon belongs to the scheme
	if colon < 0 || colon <= strings.Index(userPart, "://") {
		return url
	}
	return userPart[:colon+1] + "***" + url[at:]
}
