package embeddings

import (
	"time"
)

// Vector is a pooled embedding. Its length equals the model's hidden dimension.
type Vector = []float32

// ModelConfig is backend-specific model configuration. It is handed to
// ModelLoader.LoadModel untouched; a nil value selects the loader defaults.
type ModelConfig map[string]any

// Pooling selects how per-token hidden states are reduced to one vector.
type Pooling string

const (
	// PoolingMean averages every sequence position, padding included.
	PoolingMean Pooling = "mean"

	// PoolingMaskedMean averages only positions whose attention mask is 1.
	PoolingMaskedMean Pooling = "masked_mean"
)

// Valid reports whether p names a supported pooling strategy.
func (p Pooling) Valid() bool {
	return p == PoolingMean || p == PoolingMaskedMean
}

// TokenizeOptions controls how a Tokenizer shapes a batch.
type TokenizeOptions struct {
	// Truncation cuts rows to the tokenizer's maximum length.
	Truncation bool
	// Padding pads every row to the longest row in the batch.
	Padding bool
}

// EncodedBatch is tokenized input ready for model inference. Each field holds
// one row per input text; rows have equal length when Padding was requested.
type EncodedBatch struct {
	InputIDs      [][]int64 `json:"input_ids"`
	AttentionMask [][]int64 `json:"attention_mask"`
	TokenTypeIDs  [][]int64 `json:"token_type_ids"`
	Truncated     []bool    `json:"truncated"`
}

// Size returns the number of rows in the batch.
func (b *EncodedBatch) Size() int {
	if b == nil {
		return 0
	}
	return len(b.InputIDs)
}

// SeqLen returns the length of the longest row.
func (b *EncodedBatch) SeqLen() int {
	if b == nil {
		return 0
	}
	longest := 0
	for _, row := range b.InputIDs {
		if len(row) > longest {
			longest = len(row)
		}
	}
	return longest
}

// TokenCount returns the number of non-padding tokens in the batch.
func (b *EncodedBatch) TokenCount() int {
	if b == nil {
		return 0
	}
	count := 0
	for _, row := range b.AttentionMask {
		for _, m := range row {
			if m != 0 {
				count++
			}
		}
	}
	return count
}

// ModelStats represents encoder performance statistics
type ModelStats struct {
	ModelName         string        `json:"model_name"`
	Pooling           Pooling       `json:"pooling"`
	Dimensions        int           `json:"dimensions"`
	TotalInferences   int64         `json:"total_inferences"`
	TotalTexts        int64         `json:"total_texts"`
	TotalTokens       int64         `json:"total_tokens"`
	SuccessfulRuns    int64         `json:"successful_runs"`
	FailedRuns        int64         `json:"failed_runs"`
	AvgInferenceTime  time.Duration `json:"avg_inference_time"`
	AvgTokensPerText  float64       `json:"avg_tokens_per_text"`
	ModelLoadTime     time.Duration `json:"model_load_time"`
	LastInferenceTime time.Time     `json:"last_inference_time"`
	ErrorRate         float64       `json:"error_rate"`
	StartTime         time.Time     `json:"start_time"`
}
