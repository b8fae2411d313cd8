// Package hub resolves pretrained model files from a local directory, the
// on-disk cache or a Hugging Face compatible model hub.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when a model or one of its files does not exist.
var ErrNotFound = errors.New("model file not found")

// Config contains hub configuration
type Config struct {
	Endpoint     string        `yaml:"endpoint" mapstructure:"endpoint"`           // "https://huggingface.co"
	CacheDir     string        `yaml:"cache_dir" mapstructure:"cache_dir"`         // "./models"
	Revision     string        `yaml:"revision" mapstructure:"revision"`           // "main"
	Token        string        `yaml:"token" mapstructure:"token"`                 // optional bearer token
	AutoDownload bool          `yaml:"auto_download" mapstructure:"auto_download"` // true
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`             // 5m
}

// Client resolves model files to local paths, downloading them on demand.
type Client struct {
	config Config
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a hub client. Empty fields fall back to Hugging Face defaults.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Endpoint == "" {
		config.Endpoint = "https://huggingface.co"
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")
	if config.Revision == "" {
		config.Revision = "main"
	}
	if config.CacheDir == "" {
		config.CacheDir = "./models"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
		logger: logger,
	}
}

// Resolve returns a local path for file within model. A model name that is
// an existing directory is used in place; otherwise the cache is consulted
// and, when auto-download is enabled, the file is fetched from the hub.
func (c *Client) Resolve(ctx context.Context, model, file string) (string, error) {
	if err := validateName(model, file); err != nil {
		return "", err
	}

	if info, err := os.Stat(model); err == nil && info.IsDir() {
		path := filepath.Join(model, filepath.FromSlash(file))
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return path, nil
	}

	path := c.cachePath(model, file)
	if _, err := os.Stat(path); err == nil {
		c.logger.Debug("Model file found in cache", zap.String("model", model), zap.String("path", path))
		return path, nil
	}

	if !c.config.AutoDownload {
		return "", fmt.Errorf("%w: %s/%s not cached and auto-download disabled", ErrNotFound, model, file)
	}

	if err := c.download(ctx, model, file, path); err != nil {
		return "", err
	}
	return path, nil
}

// ResolveOptional behaves like Resolve but returns an empty path, without
// error, when the file does not exist.
func (c *Client) ResolveOptional(ctx context.Context, model, file string) (string, error) {
	path, err := c.Resolve(ctx, model, file)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return path, err
}

// cachePath lays files out as <cache_dir>/models--<org>--<name>/<revision>/<file>.
func (c *Client) cachePath(model, file string) string {
	repo := "models--" + strings.ReplaceAll(model, "/", "--")
	return filepath.Join(c.config.CacheDir, repo, c.config.Revision, filepath.FromSlash(file))
}

func (c *Client) download(ctx context.Context, model, file, dst string) error {
	fileURL := fmt.Sprintf("%s/%s/resolve/%s/%s", c.config.Endpoint, model, url.PathEscape(c.config.Revision), file)
	start := time.Now()
	c.logger.Info("Downloading model file", zap.String("model", model), zap.String("file", file))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", fileURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		// The hub answers 401 for repositories that do not exist.
		return fmt.Errorf("%w: %s/%s (HTTP %d)", ErrNotFound, model, file, resp.StatusCode)
	default:
		return fmt.Errorf("failed to download %s: HTTP %d", fileURL, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("failed to move download into cache: %w", err)
	}

	c.logger.Info("Model file downloaded",
		zap.String("model", model),
		zap.String("file", file),
		zap.Int64("bytes", written),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func validateName(model, file string) error {
	if model == "" || file == "" {
		return fmt.Errorf("%w: empty model or file name", ErrNotFound)
	}
	for _, part := range strings.Split(filepath.ToSlash(file), "/") {
		if part == ".." {
			return fmt.Errorf("invalid file name %q", file)
		}
	}
	return nil
}
