package etl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/vector"
)

const maxRecordedErrors = 100

// VectorWriter persists encoded records.
type VectorWriter interface {
	BatchInsert(ctx context.Context, vectors []*vector.TextVector) (*vector.BatchInsertResult, error)
	CreateIndex(ctx context.Context) (bool, error)
}

// Pipeline reads a dataset, encodes it in batches and stores the vectors.
type Pipeline struct {
	encoder embeddings.Encoder
	store   VectorWriter
	config  Config
	logger  *zap.Logger
	stats   *ProcessingStats
	mu      sync.RWMutex
}

// NewPipeline creates a new ETL pipeline. A nil store runs the pipeline
// without persisting vectors.
func NewPipeline(encoder embeddings.Encoder, store VectorWriter, config Config, logger *zap.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	if config.ProgressReport <= 0 {
		config.ProgressReport = 1000
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		encoder: encoder,
		store:   store,
		config:  config,
		logger:  logger,
		stats:   &ProcessingStats{StartTime: time.Now()},
	}
}

// ProcessFile processes a dataset file (CSV, Parquet or JSONL)
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string) (*ProcessingResult, error) {
	reader, format, err := OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	p.logger.Info("Starting ETL pipeline",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize))
	return p.Process(ctx, reader)
}

// Process drains reader. Malformed or invalid records are skipped and a
// batch that fails to encode or store is counted as failed without stopping
// the run. Read errors and context cancellation end the run early and
// return the partial result.
func (p *Pipeline) Process(ctx context.Context, reader RecordReader) (*ProcessingResult, error) {
	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	result := &ProcessingResult{}
	p.resetStats()

	var runErr error
	nextReport := int64(p.config.ProgressReport)
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		batch, eof, err := p.readBatch(reader, result)
		if err != nil {
			runErr = err
		}
		if len(batch) > 0 {
			p.processBatch(ctx, batch, result)
		}
		if result.TotalRecords >= nextReport {
			p.reportProgress(result)
			nextReport += int64(p.config.ProgressReport)
		}
		if eof || runErr != nil {
			break
		}
	}
	result.Duration = time.Since(start)

	if runErr == nil && p.config.CreateIndex && p.store != nil && result.ProcessedOK > 0 {
		created, err := p.store.CreateIndex(ctx)
		if err != nil {
			p.logger.Warn("Failed to create vector index", zap.Error(err))
		}
		result.IndexCreated = created
	}

	p.logger.Info("ETL pipeline completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("processed_ok", result.ProcessedOK),
		zap.Int64("processed_failed", result.ProcessedFailed),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("duplicates", result.Duplicates),
		zap.Duration("total_duration", result.Duration),
		zap.Duration("embedding_time", result.EmbeddingTime),
		zap.Duration("database_time", result.DatabaseTime))

	if runErr != nil {
		return result, fmt.Errorf("etl run stopped: %w", runErr)
	}
	return result, nil
}

// readBatch collects up to BatchSize valid records.
func (p *Pipeline) readBatch(reader RecordReader, result *ProcessingResult) (batch []*DataRecord, eof bool, err error) {
	for len(batch) < p.config.BatchSize {
		record, err := reader.Read()
		if err == io.EOF {
			return batch, true, nil
		}

		var recordErr *RecordError
		if errors.As(err, &recordErr) {
			result.TotalRecords++
			p.markInvalid(result, err.Error())
			continue
		}
		if err != nil {
			return batch, false, err
		}

		result.TotalRecords++
		p.updateStats(func(s *ProcessingStats) { s.RecordsRead++ })
		if record.ID == "" {
			record.ID = strconv.FormatInt(result.TotalRecords, 10)
		}
		if msg := p.validateRecord(record); msg != "" {
			p.markInvalid(result, fmt.Sprintf("record %s: %s", record.ID, msg))
			continue
		}
		p.updateStats(func(s *ProcessingStats) { s.RecordsValid++ })
		batch = append(batch, record)
	}
	return batch, false, nil
}

// processBatch encodes one batch with a single BulkEncode call and stores it.
func (p *Pipeline) processBatch(ctx context.Context, batch []*DataRecord, result *ProcessingResult) {
	p.updateStats(func(s *ProcessingStats) { s.CurrentBatch++ })

	texts := make([]string, len(batch))
	for i, record := range batch {
		texts[i] = record.Text
	}

	encodeStart := time.Now()
	vectors, err := p.encoder.BulkEncode(ctx, texts)
	result.EmbeddingTime += time.Since(encodeStart)
	if err != nil {
		p.failBatch(result, len(batch), fmt.Errorf("batch encoding failed: %w", err))
		return
	}
	p.updateStats(func(s *ProcessingStats) { s.VectorsEncoded += int64(len(vectors)) })

	if p.store == nil {
		result.ProcessedOK += int64(len(batch))
		return
	}

	rows := make([]*vector.TextVector, len(batch))
	for i, record := range batch {
		rows[i] = &vector.TextVector{
			ModelName: p.encoder.ModelName(),
			SourceID:  record.ID,
			Text:      record.Text,
			TextHash:  vector.HashText(record.Text),
			Embedding: vectors[i],
		}
	}

	dbStart := time.Now()
	inserted, err := p.insertWithRetry(ctx, rows)
	result.DatabaseTime += time.Since(dbStart)
	if err != nil {
		p.failBatch(result, len(batch), fmt.Errorf("database batch insert failed: %w", err))
		return
	}

	result.ProcessedOK += int64(len(batch))
	result.Duplicates += inserted.Duplicates
	p.updateStats(func(s *ProcessingStats) { s.DatabaseWrites += inserted.Inserted })

	p.logger.Debug("Batch processed successfully",
		zap.Int("batch_size", len(batch)),
		zap.Int64("inserted", inserted.Inserted),
		zap.Int64("duplicates", inserted.Duplicates))
}

func (p *Pipeline) insertWithRetry(ctx context.Context, rows []*vector.TextVector) (*vector.BatchInsertResult, error) {
	var lastErr error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Warn("Retrying batch insert", zap.Int("attempt", attempt), zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.config.RetryDelay):
			}
		}
		res, err := p.store.BatchInsert(ctx, rows)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (p *Pipeline) failBatch(result *ProcessingResult, size int, err error) {
	p.logger.Error("Batch processing failed", zap.Error(err), zap.Int("batch_size", size))
	result.ProcessedFailed += int64(size)
	result.FailedBatches++
	p.recordError(result, err.Error())
}

func (p *Pipeline) markInvalid(result *ProcessingResult, msg string) {
	p.logger.Debug("Skipping invalid record", zap.String("reason", msg))
	result.Invalid++
	p.updateStats(func(s *ProcessingStats) { s.RecordsInvalid++ })
	p.recordError(result, msg)
}

func (p *Pipeline) recordError(result *ProcessingResult, msg string) {
	if len(result.Errors) < maxRecordedErrors {
		result.Errors = append(result.Errors, msg)
	}
}

// validateRecord returns a reason the record is unusable, or "".
func (p *Pipeline) validateRecord(record *DataRecord) string {
	if !p.config.ValidateData {
		return ""
	}
	if strings.TrimSpace(record.Text) == "" {
		return "empty text"
	}
	if p.config.MaxTextLength > 0 && len(record.Text) > p.config.MaxTextLength {
		return fmt.Sprintf("text too long (%d bytes)", len(record.Text))
	}
	return ""
}

// reportProgress reports current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult) {
	stats := p.GetStats()
	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("records_ok", result.ProcessedOK),
		zap.Int64("records_failed", result.ProcessedFailed),
		zap.Float64("rate_per_sec", stats.ProcessingRate),
		zap.Duration("elapsed", time.Since(stats.StartTime)))
}

func (p *Pipeline) resetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = &ProcessingStats{StartTime: time.Now()}
}

func (p *Pipeline) updateStats(fn func(*ProcessingStats)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p.stats)
	if elapsed := time.Since(p.stats.StartTime).Seconds(); elapsed > 0 {
		p.stats.ProcessingRate = float64(p.stats.RecordsRead) / elapsed
	}
}

// GetStats returns current processing statistics
func (p *Pipeline) GetStats() *ProcessingStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	stats := *p.stats
	return &stats
}
