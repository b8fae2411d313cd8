package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	clsID = 101
	sepID = 102
	padID = 0
)

// fakeTokenizer maps each whitespace-separated word to an ID equal to its
// length, wrapped in CLS/SEP.
type fakeTokenizer struct {
	maxLen int
	err    error
	calls  int
	mu     sync.Mutex
}

func (t *fakeTokenizer) Tokenize(texts []string, opts TokenizeOptions) (*EncodedBatch, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}

	batch := &EncodedBatch{}
	longest := 0
	for _, text := range texts {
		ids := []int64{clsID}
		for _, w := range strings.Fields(text) {
			ids = append(ids, int64(len(w)))
		}
		ids = append(ids, sepID)

		truncated := false
		if opts.Truncation && t.maxLen > 0 && len(ids) > t.maxLen {
			ids = append(ids[:t.maxLen-1], sepID)
			truncated = true
		}
		mask := make([]int64, len(ids))
		for i := range mask {
			mask[i] = 1
		}
		if len(ids) > longest {
			longest = len(ids)
		}
		batch.InputIDs = append(batch.InputIDs, ids)
		batch.AttentionMask = append(batch.AttentionMask, mask)
		batch.Truncated = append(batch.Truncated, truncated)
	}

	if opts.Padding {
		for i := range batch.InputIDs {
			for len(batch.InputIDs[i]) < longest {
				batch.InputIDs[i] = append(batch.InputIDs[i], padID)
				batch.AttentionMask[i] = append(batch.AttentionMask[i], 0)
			}
		}
	}
	for _, row := range batch.InputIDs {
		batch.TokenTypeIDs = append(batch.TokenTypeIDs, make([]int64, len(row)))
	}
	return batch, nil
}

// fakeModel emits hidden[b][s][d] = id * (d+1).
type fakeModel struct {
	dim        int
	reportSize bool
	err        error
	panicMsg   string
	outputs    []Tensor
	calls      int
	closed     int
	mu         sync.Mutex
}

func (m *fakeModel) Infer(ctx context.Context, batch *EncodedBatch) ([]Tensor, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return nil, m.err
	}
	if m.outputs != nil {
		return m.outputs, nil
	}

	seqLen := batch.SeqLen()
	data := make([]float32, 0, batch.Size()*seqLen*m.dim)
	for _, row := range batch.InputIDs {
		if len(row) != seqLen {
			return nil, fmt.Errorf("ragged batch")
		}
		for _, id := range row {
			for d := 0; d < m.dim; d++ {
				data = append(data, float32(id)*float32(d+1))
			}
		}
	}
	hidden, err := NewDenseTensor([]int{batch.Size(), seqLen, m.dim}, data)
	if err != nil {
		return nil, err
	}
	// A second pooled output is ignored by the embedder.
	extra, _ := NewDenseTensor([]int{batch.Size(), 1}, make([]float32, batch.Size()))
	return []Tensor{hidden, extra}, nil
}

func (m *fakeModel) HiddenSize() int {
	if m.reportSize {
		return m.dim
	}
	return 0
}

func (m *fakeModel) Close() error {
	m.closed++
	return nil
}

type fakeLoader struct {
	tokenizer  *fakeTokenizer
	model      *fakeModel
	tokErr     error
	modelErr   error
	tokNames   []string
	modelNames []string
	gotCfg     ModelConfig
}

func (l *fakeLoader) LoadTokenizer(ctx context.Context, modelName string) (Tokenizer, error) {
	l.tokNames = append(l.tokNames, modelName)
	if l.tokErr != nil {
		return nil, l.tokErr
	}
	return l.tokenizer, nil
}

func (l *fakeLoader) LoadModel(ctx context.Context, modelName string, cfg ModelConfig) (Model, error) {
	l.modelNames = append(l.modelNames, modelName)
	l.gotCfg = cfg
	if l.modelErr != nil {
		return nil, l.modelErr
	}
	return l.model, nil
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		tokenizer: &fakeTokenizer{maxLen: 8},
		model:     &fakeModel{dim: 3, reportSize: true},
	}
}

func newTestEmbedder(t *testing.T, loader *fakeLoader, opts ...Option) *TextEmbedder {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	e, err := NewTextEmbedder(context.Background(), loader, "test/minilm", nil, opts...)
	require.NoError(t, err)
	return e
}

func TestNewTextEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadsTokenizerAndModelForSameName", func(t *testing.T) {
		loader := newFakeLoader()
		e, err := NewTextEmbedder(ctx, loader, "sentence-transformers/all-MiniLM-L6-v2", nil)
		require.NoError(t, err)

		assert.Equal(t, []string{"sentence-transformers/all-MiniLM-L6-v2"}, loader.tokNames)
		assert.Equal(t, []string{"sentence-transformers/all-MiniLM-L6-v2"}, loader.modelNames)
		assert.Equal(t, "sentence-transformers/all-MiniLM-L6-v2", e.ModelName())
		assert.Equal(t, 3, e.Dimensions())
		assert.Equal(t, PoolingMean, e.Pooling())
		assert.False(t, e.BatchInvariant())
	})

	t.Run("NilConfigStaysNil", func(t *testing.T) {
		loader := newFakeLoader()
		_, err := NewTextEmbedder(ctx, loader, "m", nil)
		require.NoError(t, err)
		assert.Nil(t, loader.gotCfg)
	})

	t.Run("ConfigPassedThroughUnchanged", func(t *testing.T) {
		loader := newFakeLoader()
		cfg := ModelConfig{"intra_op_threads": 2, "output_name": "last_hidden_state"}
		_, err := NewTextEmbedder(ctx, loader, "m", cfg)
		require.NoError(t, err)
		assert.Equal(t, ModelConfig{"intra_op_threads": 2, "output_name": "last_hidden_state"}, loader.gotCfg)
	})

	t.Run("TokenizerFailure", func(t *testing.T) {
		loader := newFakeLoader()
		cause := errors.New("repository not found")
		loader.tokErr = cause

		e, err := NewTextEmbedder(ctx, loader, "missing/model", nil)
		require.Error(t, err)
		assert.Nil(t, e)

		var loadErr *ModelLoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, "tokenizer", loadErr.Component)
		assert.Equal(t, "missing/model", loadErr.ModelName)
		assert.ErrorIs(t, err, cause)
		assert.Empty(t, loader.modelNames, "model must not load after tokenizer failure")
	})

	t.Run("ModelFailureLeavesNoInstance", func(t *testing.T) {
		loader := newFakeLoader()
		loader.modelErr = fmt.Errorf("download: %w", ErrModelNotFound)

		e, err := NewTextEmbedder(ctx, loader, "missing/model", nil)
		assert.Nil(t, e)

		var loadErr *ModelLoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, "model", loadErr.Component)
		assert.ErrorIs(t, err, ErrModelNotFound)
		assert.Len(t, loader.modelNames, 1, "load is not retried")
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		_, err := NewTextEmbedder(ctx, nil, "m", nil)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = NewTextEmbedder(ctx, newFakeLoader(), "", nil)
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = NewTextEmbedder(ctx, newFakeLoader(), "m", nil, WithPooling("max"))
		assert.ErrorIs(t, err, ErrInvalidInput)

		_, err = NewTextEmbedder(ctx, newFakeLoader(), "m", nil, WithMaxBatchSize(-1))
		var loadErr *ModelLoadError
		assert.ErrorAs(t, err, &loadErr)
	})
}

func TestEncode(t *testing.T) {
	ctx := context.Background()

	t.Run("MeanOverTokens", func(t *testing.T) {
		e := newTestEmbedder(t, newFakeLoader())

		// ids: [101, 2, 1, 102] -> mean 51.5
		vec, err := e.Encode(ctx, "ab c")
		require.NoError(t, err)
		require.Len(t, vec, e.Dimensions())
		assert.InDeltaSlice(t, []float32{51.5, 103, 154.5}, vec, 1e-4)
	})

	t.Run("DeterministicOutput", func(t *testing.T) {
		e := newTestEmbedder(t, newFakeLoader())
		v1, err := e.Encode(ctx, "same input text")
		require.NoError(t, err)
		v2, err := e.Encode(ctx, "same input text")
		require.NoError(t, err)
		assert.Equal(t, v1, v2)
	})

	t.Run("EmptyStringReachesTokenizer", func(t *testing.T) {
		loader := newFakeLoader()
		e := newTestEmbedder(t, loader)
		vec, err := e.Encode(ctx, "")
		require.NoError(t, err)
		assert.Len(t, vec, 3)
		assert.Equal(t, 1, loader.tokenizer.calls)
	})

	t.Run("NoTruncationForSingleText", func(t *testing.T) {
		loader := newFakeLoader()
		loader.tokenizer.maxLen = 3
		e := newTestEmbedder(t, loader)

		// Five words plus CLS/SEP exceeds maxLen but Encode does not truncate.
		vec, err := e.Encode(ctx, "a bb ccc dddd eeeee")
		require.NoError(t, err)
		assert.InDelta(t, float32(101+1+2+3+4+5+102)/7, vec[0], 1e-4)
	})

	t.Run("LearnsDimensionsFromFirstInference", func(t *testing.T) {
		loader := newFakeLoader()
		loader.model.reportSize = false
		e := newTestEmbedder(t, loader)
		assert.Equal(t, 0, e.Dimensions())

		vec, err := e.Encode(ctx, "hello")
		require.NoError(t, err)
		assert.Equal(t, len(vec), e.Dimensions())
	})
}

func TestEncodeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("TokenizerError", func(t *testing.T) {
		loader := newFakeLoader()
		cause := errors.New("invalid utf-8")
		loader.tokenizer.err = cause
		e := newTestEmbedder(t, loader)

		vec, err := e.Encode(ctx, "x")
		assert.Nil(t, vec)
		var encErr *VectorEncodingError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, "encode", encErr.Op)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrTokenizationFailed)
	})

	t.Run("ModelError", func(t *testing.T) {
		loader := newFakeLoader()
		cause := errors.New("out of memory")
		loader.model.err = cause
		e := newTestEmbedder(t, loader)

		_, err := e.Encode(ctx, "x")
		var encErr *VectorEncodingError
		require.ErrorAs(t, err, &encErr)
		assert.ErrorIs(t, err, cause)
		assert.ErrorIs(t, err, ErrInferenceFailed)
	})

	t.Run("ModelPanic", func(t *testing.T) {
		loader := newFakeLoader()
		loader.model.panicMsg = "native runtime crashed"
		e := newTestEmbedder(t, loader)

		var err error
		require.NotPanics(t, func() {
			_, err = e.Encode(ctx, "x")
		})
		var encErr *VectorEncodingError
		require.ErrorAs(t, err, &encErr)
		assert.Contains(t, err.Error(), "native runtime crashed")
	})

	t.Run("NoOutputs", func(t *testing.T) {
		loader := newFakeLoader()
		loader.model.outputs = []Tensor{}
		e := newTestEmbedder(t, loader)

		_, err := e.Encode(ctx, "x")
		var encErr *VectorEncodingError
		require.ErrorAs(t, err, &encErr)
		assert.ErrorIs(t, err, ErrInferenceFailed)
	})

	t.Run("WrongRank", func(t *testing.T) {
		loader := newFakeLoader()
		pooled, err := NewDenseTensor([]int{1, 3}, []float32{1, 2, 3})
		require.NoError(t, err)
		loader.model.outputs = []Tensor{pooled}
		e := newTestEmbedder(t, loader)

		_, err = e.Encode(ctx, "x")
		var encErr *VectorEncodingError
		require.ErrorAs(t, err, &encErr)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		loader := newFakeLoader()
		e := newTestEmbedder(t, loader)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := e.Encode(cctx, "x")
		var encErr *VectorEncodingError
		require.ErrorAs(t, err, &encErr)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, loader.model.calls)
	})
}

func TestBulkEncode(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptyInputSkipsInference", func(t *testing.T) {
		loader := newFakeLoader()
		e := newTestEmbedder(t, loader)

		vectors, err := e.BulkEncode(ctx, []string{})
		require.NoError(t, err)
		assert.NotNil(t, vectors)
		assert.Empty(t, vectors)
		assert.Equal(t, 0, loader.tokenizer.calls)
		assert.Equal(t, 0, loader.model.calls)

		vectors, err = e.BulkEncode(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, vectors)
		assert.Equal(t, 0, loader.model.calls)
	})

	t.Run("OneVectorPerTextInOrder", func(t *testing.T) {
		loader := newFakeLoader()
		e := newTestEmbedder(t, loader)

		texts := []string{"a", "bb cc", "ddd eee fff"}
		vectors, err := e.BulkEncode(ctx, texts)
		require.NoError(t, err)
		require.Len(t, vectors, len(texts))
		assert.Equal(t, 1, loader.model.calls, "single inference for the batch")

		for _, v := range vectors {
			assert.Len(t, v, e.Dimensions())
		}
		// Unmasked mean over the padded length 5.
		assert.InDelta(t, float32(101+1+102+0+0)/5, vectors[0][0], 1e-4)
		assert.InDelta(t, float32(101+2+2+102+0)/5, vectors[1][0], 1e-4)
		assert.InDelta(t, float32(101+3+3+3+102)/5, vectors[2][0], 1e-4)
	})

	t.Run("SingleTextMatchesEncode", func(t *testing.T) {
		e := newTestEmbedder(t, newFakeLoader())
		for _, text := range []string{"hello world", "", "one two three four"} {
			single, err := e.Encode(ctx, text)
			require.NoError(t, err)
			bulk, err := e.BulkEncode(ctx, []string{text})
			require.NoError(t, err)
			require.Len(t, bulk, 1)
			assert.InDeltaSlice(t, single, bulk[0], 1e-5)
		}
	})

	t.Run("UnmaskedMeanIncludesPadding", func(t *testing.T) {
		e := newTestEmbedder(t, newFakeLoader())

		single, err := e.Encode(ctx, "hello")
		require.NoError(t, err)
		bulk, err := e.BulkEncode(ctx, []string{"ab c", "hello"})
		require.NoError(t, err)

		// "hello" is padded by one position in the batch.
		assert.InDelta(t, float32(101+5+102)/3, single[0], 1e-4)
		assert.InDelta(t, float32(101+5+102+0)/4, bulk[1][0], 1e-4)
	})

	t.Run("MaskedMeanIgnoresPadding", func(t *testing.T) {
		e := newTestEmbedder(t, newFakeLoader(), WithPooling(PoolingMaskedMean))
		assert.True(t, e.BatchInvariant())

		single, err := e.Encode(ctx, "hello")
		require.NoError(t, err)
		bulk, err := e.BulkEncode(ctx, []string{"ab c", "hello"})
		require.NoError(t, err)
		assert.InDeltaSlice(t, single, bulk[1], 1e-5)
	})

	t.Run("TruncatesLongTexts", func(t *testing.T) {
		loader := newFakeLoader()
		loader.tokenizer.maxLen = 3
		e := newTestEmbedder(t, loader)

		vectors, err := e.BulkEncode(ctx, []string{"a bb ccc dddd"})
		require.NoError(t, err)
		assert.InDelta(t, float32(101+1+102)/3, vectors[0][0], 1e-4)
	})

	t.Run("ChunkedBatches", func(t *testing.T) {
		loader := newFakeLoader()
		e := newTestEmbedder(t, loader, WithMaxBatchSize(2), WithPooling(PoolingMaskedMean))

		texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
		vectors, err := e.BulkEncode(ctx, texts)
		require.NoError(t, err)
		require.Len(t, vectors, len(texts))
		assert.Equal(t, 3, loader.model.calls)

		for i, text := range texts {
			single, err := e.Encode(ctx, text)
			require.NoError(t, err)
			assert.InDeltaSlice(t, single, vectors[i], 1e-5, "text %d", i)
		}
	})

	t.Run("FailureReturnsNoPartialOutput", func(t *testing.T) {
		loader := newFakeLoader()
		cause := errors.New("backend exploded")
		loader.model.err = cause
		e := newTestEmbedder(t, loader, WithMaxBatchSize(1))

		vectors, err := e.BulkEncode(ctx, []string{"a", "b"})
		assert.Nil(t, vectors)
		var encErr *VectorEncodingError
		require.ErrorAs(t, err, &encErr)
		assert.Equal(t, "bulk_encode", encErr.Op)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("RowCountMismatch", func(t *testing.T) {
		loader := newFakeLoader()
		hidden, err := NewDenseTensor([]int{1, 2, 3}, make([]float32, 6))
		require.NoError(t, err)
		loader.model.outputs = []Tensor{hidden}
		e := newTestEmbedder(t, loader)

		_, err = e.BulkEncode(ctx, []string{"a", "b"})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestStatsAndClose(t *testing.T) {
	ctx := context.Background()
	loader := newFakeLoader()
	e := newTestEmbedder(t, loader)

	_, err := e.Encode(ctx, "a b")
	require.NoError(t, err)
	_, err = e.BulkEncode(ctx, []string{"a", "b c"})
	require.NoError(t, err)

	loader.model.err = errors.New("boom")
	_, err = e.Encode(ctx, "x")
	require.Error(t, err)

	stats := e.GetStats()
	assert.Equal(t, "test/minilm", stats.ModelName)
	assert.Equal(t, int64(3), stats.TotalInferences)
	assert.Equal(t, int64(4), stats.TotalTexts)
	assert.Equal(t, int64(2), stats.SuccessfulRuns)
	assert.Equal(t, int64(1), stats.FailedRuns)
	assert.Equal(t, 3, stats.Dimensions)
	assert.InDelta(t, 1.0/3.0, stats.ErrorRate, 1e-9)
	// 4 tokens + 3 + 4 real tokens over 4 texts
	assert.InDelta(t, 11.0/4.0, stats.AvgTokensPerText, 1e-9)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.Equal(t, 1, loader.model.closed)
}

func TestConcurrentEncode(t *testing.T) {
	e := newTestEmbedder(t, newFakeLoader())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Encode(ctx, strings.Repeat("w ", i+1)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent encode failed: %v", err)
	}
	assert.Equal(t, int64(16), e.GetStats().SuccessfulRuns)
}
