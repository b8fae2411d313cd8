package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/org/model/resolve/main/vocab.txt", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("[PAD]\n[UNK]\n"))
	})
	mux.HandleFunc("/org/model/resolve/main/onnx/model.onnx", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_, _ = w.Write([]byte("onnx-bytes"))
	})
	mux.HandleFunc("/org/broken/resolve/main/vocab.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &hits
}

func TestResolveDownloadsAndCaches(t *testing.T) {
	server, hits := newTestHub(t)
	cacheDir := t.TempDir()
	client := NewClient(Config{Endpoint: server.URL + "/", CacheDir: cacheDir, Token: "secret", AutoDownload: true}, nil)

	path, err := client.Resolve(context.Background(), "org/model", "vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "models--org--model", "main", "vocab.txt"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[PAD]\n[UNK]\n", string(data))

	_, err = client.Resolve(context.Background(), "org/model", "vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(hits), "second resolve is served from cache")

	nested, err := client.Resolve(context.Background(), "org/model", "onnx/model.onnx")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "models--org--model", "main", "onnx", "model.onnx"), nested)
}

func TestResolveErrors(t *testing.T) {
	server, _ := newTestHub(t)
	ctx := context.Background()

	t.Run("MissingFile", func(t *testing.T) {
		client := NewClient(Config{Endpoint: server.URL, CacheDir: t.TempDir(), AutoDownload: true}, nil)
		_, err := client.Resolve(ctx, "org/model", "missing.json")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("UnauthorizedIsNotFound", func(t *testing.T) {
		client := NewClient(Config{Endpoint: server.URL, CacheDir: t.TempDir(), AutoDownload: true}, nil)
		_, err := client.Resolve(ctx, "org/model", "vocab.txt")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ServerError", func(t *testing.T) {
		client := NewClient(Config{Endpoint: server.URL, CacheDir: t.TempDir(), AutoDownload: true}, nil)
		_, err := client.Resolve(ctx, "org/broken", "vocab.txt")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})

	t.Run("AutoDownloadDisabled", func(t *testing.T) {
		client := NewClient(Config{Endpoint: server.URL, CacheDir: t.TempDir()}, nil)
		_, err := client.Resolve(ctx, "org/model", "onnx/model.onnx")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RejectsPathTraversal", func(t *testing.T) {
		client := NewClient(Config{Endpoint: server.URL, CacheDir: t.TempDir()}, nil)
		_, err := client.Resolve(ctx, "org/model", "../secret")
		assert.Error(t, err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		client := NewClient(Config{Endpoint: server.URL, CacheDir: t.TempDir(), AutoDownload: true}, nil)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := client.Resolve(cancelled, "org/model", "onnx/model.onnx")
		assert.Error(t, err)
	})
}

func TestResolveLocalDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte("x"), 0o644))
	client := NewClient(Config{Endpoint: "http://127.0.0.1:0", CacheDir: t.TempDir(), AutoDownload: true}, nil)

	path, err := client.Resolve(context.Background(), dir, "vocab.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "vocab.txt"), path)

	_, err = client.Resolve(context.Background(), dir, "config.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveOptional(t *testing.T) {
	server, _ := newTestHub(t)
	client := NewClient(Config{Endpoint: server.URL, CacheDir: t.TempDir(), AutoDownload: true}, nil)

	path, err := client.ResolveOptional(context.Background(), "org/model", "tokenizer_config.json")
	require.NoError(t, err)
	assert.Empty(t, path)

	path, err = client.ResolveOptional(context.Background(), "org/model", "onnx/model.onnx")
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	_, err = client.ResolveOptional(context.Background(), "org/broken", "vocab.txt")
	assert.Error(t, err)
}
