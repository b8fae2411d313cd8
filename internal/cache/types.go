package cache

import (
	"context"
	"time"

	"github.com/raaihank/text2vec/internal/embeddings"
)

// Store is a key/vector cache. A miss is reported as ok == false with a nil
// error; errors are reserved for backend failures.
type Store interface {
	Get(ctx context.Context, key string) (vec embeddings.Vector, ok bool, err error)
	Set(ctx context.Context, key string, vec embeddings.Vector) error
	SetBatch(ctx context.Context, keys []string, vecs []embeddings.Vector) error
	Close() error
}

// Stats represents cache performance statistics
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Errors      int64   `json:"errors"`
	HitRate     float64 `json:"hit_rate"`
	TotalKeys   int64   `json:"total_keys,omitempty"`
	MemoryUsage int64   `json:"memory_usage_bytes,omitempty"`
}

// Config contains cache configuration
type Config struct {
	Enabled        bool          `yaml:"enabled" mapstructure:"enabled"`
	RedisURL       string        `yaml:"redis_url" mapstructure:"redis_url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"default_ttl" mapstructure:"default_ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	LocalSize      int           `yaml:"local_size" mapstructure:"local_size"`
	LocalTTL       time.Duration `yaml:"local_ttl" mapstructure:"local_ttl"`
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func copyVector(v embeddings.Vector) embeddings.Vector {
	out := make(embeddings.Vector, len(v))
	copy(out, v)
	return out
}
