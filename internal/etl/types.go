package etl

import (
	"path/filepath"
	"strings"
	"time"
)

// DataRecord represents a single record from the input dataset
type DataRecord struct {
	ID   string `csv:"id" parquet:"id,optional" json:"id"`
	Text string `csv:"text" parquet:"text" json:"text"`
}

// ProcessingResult represents the result of processing a dataset
type ProcessingResult struct {
	TotalRecords    int64         `json:"total_records"`
	ProcessedOK     int64         `json:"processed_ok"`
	ProcessedFailed int64         `json:"processed_failed"`
	Invalid         int64         `json:"invalid"`
	Duplicates      int64         `json:"duplicates"`
	FailedBatches   int           `json:"failed_batches"`
	IndexCreated    bool          `json:"index_created"`
	Duration        time.Duration `json:"duration"`
	EmbeddingTime   time.Duration `json:"embedding_time"`
	DatabaseTime    time.Duration `json:"database_time"`
	Errors          []string      `json:"errors,omitempty"`
}

// Config contains ETL pipeline configuration
type Config struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`           // 64
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`         // 3
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`         // 1s
	ValidateData   bool          `yaml:"validate_data" mapstructure:"validate_data"`     // true
	MaxTextLength  int           `yaml:"max_text_length" mapstructure:"max_text_length"` // 10000
	CreateIndex    bool          `yaml:"create_index" mapstructure:"create_index"`       // true
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"` // 1000
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`                 // 0 = none
}

// ProcessingStats tracks real-time processing statistics
type ProcessingStats struct {
	StartTime      time.Time `json:"start_time"`
	RecordsRead    int64     `json:"records_read"`
	RecordsValid   int64     `json:"records_valid"`
	RecordsInvalid int64     `json:"records_invalid"`
	VectorsEncoded int64     `json:"vectors_encoded"`
	DatabaseWrites int64     `json:"database_writes"`
	CurrentBatch   int64     `json:"current_batch"`
	ProcessingRate float64   `json:"processing_rate"` // records per second
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSONL   FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".jsonl", ".ndjson", ".json":
		return FormatJSONL
	default:
		return FormatCSV
	}
}
