package embeddings

import (
	"context"
)

// Tokenizer converts raw text into model input.
type Tokenizer interface {
	Tokenize(texts []string, opts TokenizeOptions) (*EncodedBatch, error)
}

// Model runs transformer inference over an encoded batch.
type Model interface {
	// Infer returns the model outputs. The first output must be the
	// per-token hidden states shaped [batch, sequence, hidden]; any further
	// outputs are ignored by the embedder.
	Infer(ctx context.Context, batch *EncodedBatch) ([]Tensor, error)
	// HiddenSize returns the hidden dimension, or 0 if it is only known
	// after the first inference.
	HiddenSize() int
	// Close releases any native resources.
	Close() error
}

// ModelLoader resolves a named pretrained model into a tokenizer and a model.
// Both must be loaded for the same model name.
type ModelLoader interface {
	LoadTokenizer(ctx context.Context, modelName string) (Tokenizer, error)
	LoadModel(ctx context.Context, modelName string, cfg ModelConfig) (Model, error)
}

// Encoder turns text into vectors.
type Encoder interface {
	Encode(ctx context.Context, text string) (Vector, error)
	BulkEncode(ctx context.Context, texts []string) ([]Vector, error)
	Dimensions() int
	ModelName() string
	Pooling() Pooling
	// BatchInvariant reports whether a text's vector is independent of the
	// other texts in the same BulkEncode call.
	BatchInvariant() bool
}

// Ensure TextEmbedder implements the interface
var _ Encoder = (*TextEmbedder)(nil)
