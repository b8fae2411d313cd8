package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/hub"
	"github.com/raaihank/text2vec/internal/tokenizer"
)

// Loader resolves model files through the hub and builds the WordPiece
// tokenizer and ONNX model for a checkpoint.
type Loader struct {
	hub               *hub.Client
	sharedLibraryPath string
	logger            *zap.Logger

	newModel func(opts ONNXOptions, logger *zap.Logger) (embeddings.Model, error)
}

var _ embeddings.ModelLoader = (*Loader)(nil)

// NewLoader creates a loader. sharedLibraryPath points at the ONNX Runtime
// shared library and may be empty to use the platform default.
func NewLoader(client *hub.Client, sharedLibraryPath string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		hub:               client,
		sharedLibraryPath: sharedLibraryPath,
		logger:            logger,
		newModel: func(opts ONNXOptions, logger *zap.Logger) (embeddings.Model, error) {
			model, err := NewONNXModel(opts, logger)
			if err != nil {
				return nil, err
			}
			return model, nil
		},
	}
}

// LoadTokenizer resolves vocab.txt and the optional tokenizer_config.json.
func (l *Loader) LoadTokenizer(ctx context.Context, modelName string) (embeddings.Tokenizer, error) {
	vocabPath, err := l.hub.Resolve(ctx, modelName, tokenizer.VocabFile)
	if err != nil {
		return nil, notFound(err)
	}
	configPath, err := l.hub.ResolveOptional(ctx, modelName, tokenizer.ConfigFile)
	if err != nil {
		return nil, err
	}

	tok, err := tokenizer.LoadFiles(vocabPath, configPath)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Tokenizer loaded",
		zap.String("model", modelName),
		zap.Int("vocab_size", tok.VocabSize()),
		zap.Int("max_length", tok.MaxLength()))
	return tok, nil
}

// LoadModel resolves the ONNX graph named by the onnx_file key and reads the
// hidden size from config.json when the checkpoint ships one.
func (l *Loader) LoadModel(ctx context.Context, modelName string, cfg embeddings.ModelConfig) (embeddings.Model, error) {
	onnxFile, opts, err := optionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	opts.ModelPath, err = l.hub.Resolve(ctx, modelName, onnxFile)
	if err != nil {
		return nil, notFound(err)
	}
	opts.SharedLibraryPath = l.sharedLibraryPath

	configPath, err := l.hub.ResolveOptional(ctx, modelName, ModelConfigFile)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if opts.HiddenSize, err = readHiddenSize(configPath); err != nil {
			return nil, err
		}
	}

	l.logger.Debug("Loading ONNX model",
		zap.String("model", modelName),
		zap.String("path", opts.ModelPath),
		zap.Int("hidden_size", opts.HiddenSize))
	return l.newModel(opts, l.logger)
}

func readHiddenSize(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read model config: %w", err)
	}
	var cfg struct {
		HiddenSize int `json:"hidden_size"`
		Dim        int `json:"dim"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return 0, fmt.Errorf("failed to parse model config %s: %w", path, err)
	}
	if cfg.HiddenSize == 0 {
		// DistilBERT names it dim
		return cfg.Dim, nil
	}
	return cfg.HiddenSize, nil
}

func notFound(err error) error {
	if errors.Is(err, hub.ErrNotFound) {
		return fmt.Errorf("%w: %w", embeddings.ErrModelNotFound, err)
	}
	return err
}
