//go:build !onnx
// +build !onnx

package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/embeddings"
)

// ONNXModel is unavailable in builds without the onnx tag.
type ONNXModel struct{}

// NewONNXModel always fails; rebuild with -tags onnx to enable ONNX Runtime.
func NewONNXModel(opts ONNXOptions, logger *zap.Logger) (*ONNXModel, error) {
	return nil, fmt.Errorf("%w: rebuild with -tags onnx to load %s", embeddings.ErrBackendUnavailable, opts.ModelPath)
}

// Infer always returns ErrBackendUnavailable.
func (m *ONNXModel) Infer(ctx context.Context, batch *embeddings.EncodedBatch) ([]embeddings.Tensor, error) {
	return nil, embeddings.ErrBackendUnavailable
}

// HiddenSize reports 0; the stub never knows its output width.
func (m *ONNXModel) HiddenSize() int { return 0 }

// Close is a no-op.
func (m *ONNXModel) Close() error { return nil }
