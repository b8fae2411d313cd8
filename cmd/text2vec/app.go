package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/backend"
	"github.com/raaihank/text2vec/internal/cache"
	"github.com/raaihank/text2vec/internal/config"
	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/hub"
	"github.com/raaihank/text2vec/internal/logger"
	"github.com/raaihank/text2vec/internal/vector"
)

// app holds the services shared by every command
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	embedder *embeddings.TextEmbedder
	encoder  embeddings.Encoder
	cached   *cache.CachedEncoder
	store    *vector.Store
}

type appOptions struct {
	// logOutput receives logs; commands that print results log to stderr
	logOutput io.Writer
	// withStore connects to the vector database when one is configured
	withStore bool
	// requireStore fails when no database is configured
	requireStore bool
}

// loadConfig loads configuration and builds the logger
func loadConfig(out io.Writer) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.Logging.Output = out
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// newApp loads the configured model and, optionally, the cache and store
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	if opts.logOutput == nil {
		opts.logOutput = os.Stdout
	}
	cfg, log, err := loadConfig(opts.logOutput)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log}

	if opts.requireStore && cfg.Database.DatabaseURL == "" {
		return nil, fmt.Errorf("database.database_url is not configured")
	}

	hubClient := hub.NewClient(cfg.Hub, log.WithComponent("hub").Logger)
	loader := backend.NewLoader(hubClient, cfg.ONNX.SharedLibraryPath, log.WithComponent("backend").Logger)

	var modelConfig embeddings.ModelConfig
	if len(cfg.Model.Config) > 0 {
		modelConfig = embeddings.ModelConfig(cfg.Model.Config)
	}
	a.embedder, err = embeddings.NewTextEmbedder(ctx, loader, cfg.Model.Name, modelConfig,
		embeddings.WithLogger(log.WithComponent("embeddings").Logger),
		embeddings.WithPooling(embeddings.Pooling(cfg.Model.Pooling)),
		embeddings.WithMaxBatchSize(cfg.Model.MaxBatchSize))
	if err != nil {
		return nil, err
	}
	a.encoder = a.embedder

	if cfg.Cache.Enabled {
		store, err := cache.NewStore(ctx, cfg.Cache, log.WithComponent("cache").Logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize vector cache: %w", err)
		}
		a.cached = cache.NewCachedEncoder(a.embedder, store, cfg.Cache.KeyPrefix, log.WithComponent("cache").Logger)
		a.encoder = a.cached
	}

	if opts.withStore && cfg.Database.DatabaseURL != "" {
		a.store, err = vector.NewStore(ctx, &cfg.Database, log.WithComponent("vector").Logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
	}

	return a, nil
}

// ensureSchema creates the vectors table sized for the loaded model
func (a *app) ensureSchema(ctx context.Context) error {
	dims := a.encoder.Dimensions()
	if dims == 0 {
		// the model did not report a hidden size; learn it from one encode
		vec, err := a.encoder.Encode(ctx, "dimension probe")
		if err != nil {
			return err
		}
		dims = len(vec)
	}
	return a.store.EnsureSchema(ctx, dims)
}

// Close releases every service the app opened
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close vector store", zap.Error(err))
		}
	}
	if a.cached != nil {
		if err := a.cached.Close(); err != nil {
			a.log.Warn("Failed to close vector cache", zap.Error(err))
		}
	}
	if a.embedder != nil {
		if err := a.embedder.Close(); err != nil {
			a.log.Warn("Failed to close embedder", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}
