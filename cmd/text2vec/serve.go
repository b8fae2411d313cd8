package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/config"
	"github.com/raaihank/text2vec/internal/server"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket encoding server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func runServer(ctx context.Context) error {
	a, err := newApp(ctx, appOptions{withStore: true})
	if err != nil {
		return err
	}
	defer a.Close()

	a.log.Info("Starting text2vec",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.String("model", a.cfg.Model.Name),
		zap.Int("port", a.cfg.Server.Port))

	opts := []server.Option{
		server.WithStats("model", func(context.Context) (any, error) {
			return a.embedder.GetStats(), nil
		}),
	}
	if a.cached != nil {
		opts = append(opts, server.WithStats("cache", func(context.Context) (any, error) {
			return a.cached.Stats(), nil
		}))
	}
	if a.store != nil {
		if err := a.ensureSchema(ctx); err != nil {
			return err
		}
		opts = append(opts,
			server.WithSearcher(a.store),
			server.WithStats("vectors", func(ctx context.Context) (any, error) {
				return a.store.GetStats(ctx)
			}))
	}

	srv, err := server.New(a.cfg, a.log, a.encoder, opts...)
	if err != nil {
		return err
	}

	// Apply log level changes without a restart
	err = config.Watch(func(c *config.Config) {
		if err := a.log.SetLevel(c.Logging.Level); err != nil {
			a.log.Warn("Failed to apply log level", zap.Error(err))
			return
		}
		a.log.Info("Configuration reloaded", zap.String("log_level", c.Logging.Level))
	}, func(err error) {
		a.log.Warn("Ignoring invalid configuration change", zap.Error(err))
	})
	if err != nil {
		a.log.Debug("Configuration hot reload disabled", zap.Error(err))
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		a.log.Info("HTTP server listening", zap.Int("port", a.cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return err
	case sig := <-shutdown:
		a.log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(ctx); err != nil {
			return err
		}
		a.log.Info("Server shutdown complete")
		return nil
	}
}
