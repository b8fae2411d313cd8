package embeddings

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TextEmbedder turns text into fixed-length vectors by running a pretrained
// transformer and mean-pooling its last hidden state over the token axis.
//
// The tokenizer and model are loaded once for the same model name and never
// change afterwards. TextEmbedder adds no locking around them: concurrent
// Encode and BulkEncode calls are safe only when the backend is reentrant.
// Callers using a non-reentrant backend must serialize access themselves.
type TextEmbedder struct {
	modelName string
	tokenizer Tokenizer
	model     Model
	pooling   Pooling
	maxBatch  int
	logger    *zap.Logger

	mu         sync.RWMutex
	dimensions int
	stats      *ModelStats
	closed     bool
}

type options struct {
	logger   *zap.Logger
	pooling  Pooling
	maxBatch int
}

// Option configures a TextEmbedder.
type Option func(*options)

// WithLogger sets the logger. The default discards all output.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPooling selects the pooling strategy. The default is PoolingMean.
func WithPooling(p Pooling) Option {
	return func(o *options) {
		o.pooling = p
	}
}

// WithMaxBatchSize splits BulkEncode input into chunks of at most n texts,
// one inference per chunk. Zero runs the whole input as one batch.
func WithMaxBatchSize(n int) Option {
	return func(o *options) {
		o.maxBatch = n
	}
}

// NewTextEmbedder loads the tokenizer and then the model for modelName. cfg is
// passed to the loader unchanged; nil selects the loader defaults. Any failure
// is returned as a *ModelLoadError and no embedder is returned.
func NewTextEmbedder(ctx context.Context, loader ModelLoader, modelName string, cfg ModelConfig, opts ...Option) (*TextEmbedder, error) {
	o := options{logger: zap.NewNop(), pooling: PoolingMean}
	for _, opt := range opts {
		opt(&o)
	}

	if loader == nil {
		return nil, &ModelLoadError{ModelName: modelName, Err: fmt.Errorf("%w: nil model loader", ErrInvalidInput)}
	}
	if modelName == "" {
		return nil, &ModelLoadError{ModelName: modelName, Err: fmt.Errorf("%w: model name is required", ErrInvalidInput)}
	}
	if !o.pooling.Valid() {
		return nil, &ModelLoadError{ModelName: modelName, Err: fmt.Errorf("%w: unknown pooling %q", ErrInvalidInput, o.pooling)}
	}
	if o.maxBatch < 0 {
		return nil, &ModelLoadError{ModelName: modelName, Err: fmt.Errorf("%w: max batch size must not be negative", ErrInvalidInput)}
	}

	start := time.Now()
	o.logger.Info("Loading text embedder",
		zap.String("model", modelName),
		zap.String("pooling", string(o.pooling)),
		zap.Bool("custom_config", cfg != nil))

	tokenizer, err := loader.LoadTokenizer(ctx, modelName)
	if err != nil {
		o.logger.Error("Tokenizer load failed", zap.String("model", modelName), zap.Error(err))
		return nil, &ModelLoadError{ModelName: modelName, Component: "tokenizer", Err: err}
	}

	model, err := loader.LoadModel(ctx, modelName, cfg)
	if err != nil {
		o.logger.Error("Model load failed", zap.String("model", modelName), zap.Error(err))
		return nil, &ModelLoadError{ModelName: modelName, Component: "model", Err: err}
	}

	e := &TextEmbedder{
		modelName:  modelName,
		tokenizer:  tokenizer,
		model:      model,
		pooling:    o.pooling,
		maxBatch:   o.maxBatch,
		logger:     o.logger,
		dimensions: model.HiddenSize(),
		stats: &ModelStats{
			ModelName:     modelName,
			Pooling:       o.pooling,
			ModelLoadTime: time.Since(start),
			StartTime:     start,
		},
	}

	o.logger.Info("Text embedder ready",
		zap.String("model", modelName),
		zap.Int("hidden_size", e.dimensions),
		zap.Int("max_batch_size", e.maxBatch),
		zap.Duration("load_time", e.stats.ModelLoadTime))

	return e, nil
}

// Encode returns the mean-pooled vector for a single text. The text is
// tokenized without truncation or padding.
func (e *TextEmbedder) Encode(ctx context.Context, text string) (Vector, error) {
	start := time.Now()

	vectors, tokens, err := e.run(ctx, []string{text}, TokenizeOptions{})
	if err != nil {
		e.updateStats(1, 0, time.Since(start), false)
		e.logger.Debug("Encode failed", zap.Error(err))
		return nil, &VectorEncodingError{Op: "encode", Err: err}
	}

	e.updateStats(1, tokens, time.Since(start), true)
	return vectors[0], nil
}

// BulkEncode returns one vector per text, in input order. Texts are tokenized
// together with truncation and padding. The call either returns every vector
// or fails as a whole.
func (e *TextEmbedder) BulkEncode(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return []Vector{}, nil
	}

	start := time.Now()
	opts := TokenizeOptions{Truncation: true, Padding: true}

	chunk := e.maxBatch
	if chunk <= 0 || chunk > len(texts) {
		chunk = len(texts)
	}

	out := make([]Vector, 0, len(texts))
	totalTokens := 0
	for i := 0; i < len(texts); i += chunk {
		end := i + chunk
		if end > len(texts) {
			end = len(texts)
		}

		vectors, tokens, err := e.run(ctx, texts[i:end], opts)
		if err != nil {
			e.updateStats(int64(len(texts)), 0, time.Since(start), false)
			e.logger.Debug("Bulk encode failed",
				zap.Int("batch_size", len(texts)),
				zap.Int("chunk_start", i),
				zap.Error(err))
			return nil, &VectorEncodingError{Op: "bulk_encode", Err: err}
		}
		out = append(out, vectors...)
		totalTokens += tokens
	}

	duration := time.Since(start)
	e.updateStats(int64(len(texts)), totalTokens, duration, true)

	e.logger.Debug("Bulk encode completed",
		zap.Int("batch_size", len(texts)),
		zap.Int("tokens", totalTokens),
		zap.Duration("duration", duration))

	return out, nil
}

// run tokenizes texts, runs one inference and pools the first output. A panic
// raised by the tokenizer or model is turned into an error.
func (e *TextEmbedder) run(ctx context.Context, texts []string, opts TokenizeOptions) (vectors []Vector, tokens int, err error) {
	defer func() {
		if r := recover(); r != nil {
			vectors, tokens = nil, 0
			err = fmt.Errorf("%w: panic: %v", ErrInferenceFailed, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	batch, err := e.tokenizer.Tokenize(texts, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrTokenizationFailed, err)
	}
	if batch.Size() != len(texts) {
		return nil, 0, fmt.Errorf("%w: tokenizer returned %d rows for %d texts", ErrShapeMismatch, batch.Size(), len(texts))
	}

	outputs, err := e.model.Infer(ctx, batch)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrInferenceFailed, err)
	}
	if len(outputs) == 0 || outputs[0] == nil {
		return nil, 0, fmt.Errorf("%w: model returned no outputs", ErrInferenceFailed)
	}

	vectors, err = pool(outputs[0], batch, e.pooling)
	if err != nil {
		return nil, 0, err
	}
	if err := e.checkDimensions(vectors); err != nil {
		return nil, 0, err
	}

	return vectors, batch.TokenCount(), nil
}

// checkDimensions verifies vector width against the hidden size, learning it
// from the first result when the model did not report one.
func (e *TextEmbedder) checkDimensions(vectors []Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	got := len(vectors[0])

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dimensions == 0 {
		e.dimensions = got
	}
	for _, v := range vectors {
		if len(v) != e.dimensions {
			return fmt.Errorf("%w: vector has %d dimensions, expected %d", ErrShapeMismatch, len(v), e.dimensions)
		}
	}
	return nil
}

// Dimensions returns the vector length, or 0 before the first inference if
// the model did not report a hidden size.
func (e *TextEmbedder) Dimensions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dimensions
}

// ModelName returns the pretrained model name.
func (e *TextEmbedder) ModelName() string {
	return e.modelName
}

// Pooling returns the configured pooling strategy.
func (e *TextEmbedder) Pooling() Pooling {
	return e.pooling
}

// BatchInvariant reports whether padding is excluded from pooling, which makes
// each vector independent of the rest of its batch.
func (e *TextEmbedder) BatchInvariant() bool {
	return e.pooling == PoolingMaskedMean
}

// GetStats returns a snapshot of encoder statistics
func (e *TextEmbedder) GetStats() *ModelStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := *e.stats
	stats.Dimensions = e.dimensions
	return &stats
}

// Close releases the model. Further calls are no-ops.
func (e *TextEmbedder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.logger.Info("Closing text embedder", zap.String("model", e.modelName))
	return e.model.Close()
}

// updateStats updates encoder statistics thread-safely
func (e *TextEmbedder) updateStats(texts int64, tokens int, duration time.Duration, success bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.TotalInferences++
	e.stats.TotalTexts += texts
	e.stats.TotalTokens += int64(tokens)
	e.stats.LastInferenceTime = time.Now()

	if success {
		e.stats.SuccessfulRuns++
		// Running average over successful runs only
		n := time.Duration(e.stats.SuccessfulRuns)
		e.stats.AvgInferenceTime = (e.stats.AvgInferenceTime*(n-1) + duration) / n
	} else {
		e.stats.FailedRuns++
	}

	total := e.stats.SuccessfulRuns + e.stats.FailedRuns
	if total > 0 {
		e.stats.ErrorRate = float64(e.stats.FailedRuns) / float64(total)
	}
	if e.stats.TotalTexts > 0 {
		e.stats.AvgTokensPerText = float64(e.stats.TotalTokens) / float64(e.stats.TotalTexts)
	}
}
