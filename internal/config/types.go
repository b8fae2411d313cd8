package config

import (
	"time"

	"github.com/raaihank/text2vec/internal/cache"
	"github.com/raaihank/text2vec/internal/etl"
	"github.com/raaihank/text2vec/internal/hub"
	"github.com/raaihank/text2vec/internal/logger"
	"github.com/raaihank/text2vec/internal/vector"
)

// Config represents the main configuration structure
type Config struct {
	Model     ModelConfig     `yaml:"model" mapstructure:"model"`
	Hub       hub.Config      `yaml:"hub" mapstructure:"hub"`
	ONNX      ONNXConfig      `yaml:"onnx" mapstructure:"onnx"`
	Cache     cache.Config    `yaml:"cache" mapstructure:"cache"`
	Database  vector.Config   `yaml:"database" mapstructure:"database"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	ETL       etl.Config      `yaml:"etl" mapstructure:"etl"`
	Logging   logger.Config   `yaml:"logging" mapstructure:"logging"`
}

// ModelConfig selects the pretrained model and how it is pooled
type ModelConfig struct {
	Name         string         `yaml:"name" mapstructure:"name"`
	Pooling      string         `yaml:"pooling" mapstructure:"pooling"`               // mean or masked_mean
	MaxBatchSize int            `yaml:"max_batch_size" mapstructure:"max_batch_size"` // 0 = one inference per call
	Config       map[string]any `yaml:"config" mapstructure:"config"`                 // passed to the loader untouched
}

// ONNXConfig contains ONNX Runtime configuration
type ONNXConfig struct {
	SharedLibraryPath string `yaml:"shared_library_path" mapstructure:"shared_library_path"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port          int             `yaml:"port" mapstructure:"port"`
	ReadTimeout   time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration   `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout   time.Duration   `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	MaxBodyBytes  int64           `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	MaxBatchTexts int             `yaml:"max_batch_texts" mapstructure:"max_batch_texts"`
	RateLimit     RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-client rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`

	// TrustProxyHeaders keys buckets on X-Forwarded-For / X-Real-IP. Enable
	// only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	BroadcastEvents bool          `yaml:"broadcast_events" mapstructure:"broadcast_events"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	return &Config{
		Model: ModelConfig{
			Name:    "sentence-transformers/all-MiniLM-L6-v2",
			Pooling: "mean",
			Config:  map[string]any{},
		},
		Hub: hub.Config{
			Endpoint:     "https://huggingface.co",
			CacheDir:     "./models",
			Revision:     "main",
			AutoDownload: true,
			Timeout:      5 * time.Minute,
		},
		Cache: cache.Config{
			Enabled:        false,
			MaxConnections: 10,
			MinIdleConns:   2,
			DefaultTTL:     24 * time.Hour,
			KeyPrefix:      "text2vec",
			LocalSize:      10000,
			LocalTTL:       10 * time.Minute,
		},
		Database: vector.Config{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Server: ServerConfig{
			Port:          8080,
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  60 * time.Second,
			IdleTimeout:   120 * time.Second,
			MaxBodyBytes:  10 << 20,
			MaxBatchTexts: 1024,
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
				CleanupInterval:   5 * time.Minute,
			},
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  1 << 20,
			AllowedOrigins:  []string{"*"},
			BroadcastEvents: true,
		},
		ETL: etl.Config{
			BatchSize:      64,
			MaxRetries:     3,
			RetryDelay:     time.Second,
			ValidateData:   true,
			MaxTextLength:  10000,
			CreateIndex:    true,
			ProgressReport: 1000,
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
			File: logger.FileConfig{
				Path: "logs/text2vec.log",
			},
		},
	}
}
