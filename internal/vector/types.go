package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// TextVector is an encoded text stored with the model that produced it.
type TextVector struct {
	ID        int64     `db:"id" json:"id"`
	ModelName string    `db:"model_name" json:"model_name"`
	SourceID  string    `db:"source_id" json:"source_id,omitempty"`
	Text      string    `db:"text" json:"text"`
	TextHash  string    `db:"text_hash" json:"text_hash"`
	Embedding []float32 `db:"embedding" json:"embedding,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// SimilarityResult represents a vector similarity search result
type SimilarityResult struct {
	Vector     *TextVector `json:"vector"`
	Similarity float32     `json:"similarity"`
	Distance   float32     `json:"distance"`
}

// SearchOptions contains options for vector similarity search
type SearchOptions struct {
	Limit         int     `json:"limit"`
	MinSimilarity float32 `json:"min_similarity"`
	// ModelName restricts results to vectors from one model; empty searches all.
	ModelName string `json:"model_name,omitempty"`
}

// VectorStats represents database statistics
type VectorStats struct {
	TotalVectors int64            `json:"total_vectors"`
	PerModel     map[string]int64 `json:"per_model"`
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted   int64         `json:"inserted"`
	Duplicates int64         `json:"duplicates"`
	Failed     int64         `json:"failed"`
	Duration   time.Duration `json:"duration"`
	Errors     []error       `json:"-"`
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
}

// HashText returns the hex SHA-256 of text, used for de-duplication.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
