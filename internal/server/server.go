package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/config"
	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/logger"
	"github.com/raaihank/text2vec/internal/vector"
	"github.com/raaihank/text2vec/internal/websocket"
)

// Version is reported by /info
var Version = "dev"

// Searcher finds stored vectors similar to a query vector
type Searcher interface {
	FindSimilar(ctx context.Context, embedding []float32, options *vector.SearchOptions) ([]*vector.SimilarityResult, error)
}

// StatsFunc produces one section of the /stats response
type StatsFunc func(ctx context.Context) (any, error)

// Option configures optional server features
type Option func(*Server)

// WithSearcher enables POST /v1/search
func WithSearcher(searcher Searcher) Option {
	return func(s *Server) {
		s.searcher = searcher
	}
}

// WithStats adds a named section to /stats
func WithStats(name string, fn StatsFunc) Option {
	return func(s *Server) {
		s.statsNames = append(s.statsNames, name)
		s.stats[name] = fn
	}
}

// Server is the HTTP and WebSocket front end of an encoder
type Server struct {
	config   *config.Config
	logger   *logger.Logger
	encoder  embeddings.Encoder
	searcher Searcher
	router   *mux.Router
	server   *http.Server
	wsHub    *websocket.Hub
	limiter  *RateLimiter

	statsNames []string
	stats      map[string]StatsFunc

	startTime   time.Time
	requests    atomic.Int64
	rateLimited atomic.Int64

	// background work started by Start stops when ctx is cancelled
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new server instance
func New(cfg *config.Config, log *logger.Logger, encoder embeddings.Encoder, opts ...Option) (*Server, error) {
	if encoder == nil {
		return nil, fmt.Errorf("server needs an encoder")
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		config:    cfg,
		logger:    log.WithComponent("server"),
		encoder:   encoder,
		router:    mux.NewRouter(),
		wsHub:     websocket.NewHub(cfg.WebSocket, encoder, log.WithComponent("websocket").Logger),
		limiter:   NewRateLimiter(cfg.Server.RateLimit),
		stats:     make(map[string]StatsFunc),
		startTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(server)
	}

	server.setupRoutes()

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return server, nil
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	if s.config.WebSocket.Enabled {
		s.router.HandleFunc(s.config.WebSocket.Path, s.wsHub.HandleWebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.HandleFunc("/encode", s.handleEncode).Methods(http.MethodPost)
	api.HandleFunc("/bulk_encode", s.handleBulkEncode).Methods(http.MethodPost)
	if s.searcher != nil {
		api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the WebSocket hub and the HTTP server. It blocks until the
// server stops and returns nil after a graceful Stop.
func (s *Server) Start() error {
	s.logger.Info("Starting text2vec server",
		zap.Int("port", s.config.Server.Port),
		zap.String("model", s.encoder.ModelName()),
		zap.String("pooling", string(s.encoder.Pooling())),
		zap.Bool("search_enabled", s.searcher != nil),
		zap.Bool("websocket_enabled", s.config.WebSocket.Enabled))

	go s.wsHub.Run(s.ctx)
	s.limiter.StartCleanupRoutine(s.ctx)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.cancel()
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server and disconnects WebSocket clients
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping text2vec server")
	s.cancel()
	return s.server.Shutdown(ctx)
}

// GetWebSocketHub returns the WebSocket hub for broadcasting events
func (s *Server) GetWebSocketHub() *websocket.Hub {
	return s.wsHub
}
