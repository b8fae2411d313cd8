//go:build !onnx
// +build !onnx

package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/hub"
)

func TestStubBackendUnavailable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "onnx"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onnx", "model.onnx"), []byte("graph"), 0o644))

	loader := NewLoader(hub.NewClient(hub.Config{CacheDir: t.TempDir()}, nil), "", nil)
	model, err := loader.LoadModel(context.Background(), dir, nil)
	assert.ErrorIs(t, err, embeddings.ErrBackendUnavailable)
	assert.Nil(t, model)
}
