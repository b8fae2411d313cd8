package embeddings

import (
	"fmt"
)

// EmbeddingError is a typed sentinel error with a stable code.
type EmbeddingError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *EmbeddingError) Error() string {
	return e.Message
}

// Common error types
var (
	ErrInvalidInput       = &EmbeddingError{Type: "invalid_input", Message: "invalid input", Code: 1001}
	ErrModelNotFound      = &EmbeddingError{Type: "model_not_found", Message: "model not found", Code: 1002}
	ErrInferenceFailed    = &EmbeddingError{Type: "inference_failed", Message: "inference failed", Code: 1003}
	ErrTokenizationFailed = &EmbeddingError{Type: "tokenization_failed", Message: "tokenization failed", Code: 1004}
	ErrShapeMismatch      = &EmbeddingError{Type: "shape_mismatch", Message: "unexpected tensor shape", Code: 1005}
	ErrBackendUnavailable = &EmbeddingError{Type: "backend_unavailable", Message: "inference backend not available in this build", Code: 1006}
)

// ModelLoadError is returned when a tokenizer or model cannot be resolved or
// instantiated. It is never retried by the embedder.
type ModelLoadError struct {
	ModelName string
	Component string // "tokenizer" or "model"
	Err       error
}

func (e *ModelLoadError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("failed to load model %q: %v", e.ModelName, e.Err)
	}
	return fmt.Sprintf("failed to load %s for model %q: %v", e.Component, e.ModelName, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// VectorEncodingError wraps any tokenizer or model failure raised while
// encoding. Err is the original cause.
type VectorEncodingError struct {
	Op  string // "encode" or "bulk_encode"
	Err error
}

func (e *VectorEncodingError) Error() string {
	return fmt.Sprintf("%s: vector encoding failed: %v", e.Op, e.Err)
}

func (e *VectorEncodingError) Unwrap() error {
	return e.Err
}
