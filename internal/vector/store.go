package vector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

const (
	tableName = "text_vectors"

	// rows per INSERT statement; keeps us well under the 65535 parameter limit
	insertChunkSize = 1000
	columnsPerRow   = 5

	minVectorsForIndex = 1000
	indexName          = "idx_text_vectors_embedding"
)

// Store handles vector storage operations with PostgreSQL + pgvector
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore connects to the database and checks that pgvector is installed.
func NewStore(ctx context.Context, config *Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := NewStoreWithDB(db, logger)
	if err := store.initialize(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	logger.Info("Vector store initialized successfully",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Int("max_idle_conns", config.MaxIdleConns))
	return store, nil
}

// NewStoreWithDB wraps an existing connection pool.
func NewStoreWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var available bool
	query := "SELECT EXISTS(SELECT 1 FROM pg_available_extensions WHERE name = 'vector')"
	if err := s.db.GetContext(ctx, &available, query); err != nil {
		return fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !available {
		return fmt.Errorf("pgvector extension is not available")
	}
	return nil
}

// EnsureSchema creates the pgvector extension and the vectors table sized
// for dims-dimensional embeddings.
func (s *Store) EnsureSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return fmt.Errorf("invalid embedding dimensions %d", dims)
	}

	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			model_name TEXT NOT NULL,
			source_id TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			text_hash TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (model_name, text_hash)
		)`, tableName, dims),
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	s.logger.Info("Vector schema ready", zap.String("table", tableName), zap.Int("dimensions", dims))
	return nil
}

// Insert stores one vector. Re-inserting the same text for the same model
// only refreshes updated_at.
func (s *Store) Insert(ctx context.Context, vector *TextVector) error {
	if vector.TextHash == "" {
		vector.TextHash = HashText(vector.Text)
	}

	query := `
		INSERT INTO text_vectors (model_name, source_id, text, text_hash, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (model_name, text_hash) DO UPDATE SET updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		vector.ModelName,
		vector.SourceID,
		vector.Text,
		vector.TextHash,
		pgvector.NewVector(vector.Embedding),
	).Scan(&vector.ID, &vector.CreatedAt, &vector.UpdatedAt)
	if err != nil {
		s.logger.Error("Failed to insert vector", zap.Error(err), zap.String("model", vector.ModelName))
		return fmt.Errorf("failed to insert vector: %w", err)
	}

	s.logger.Debug("Vector inserted", zap.Int64("id", vector.ID), zap.String("model", vector.ModelName))
	return nil
}

// BatchInsert adds many vectors with multi-row inserts, skipping texts the
// model has already stored.
func (s *Store) BatchInsert(ctx context.Context, vectors []*TextVector) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(vectors) == 0 {
		return result, nil
	}
	start := time.Now()

	for offset := 0; offset < len(vectors); offset += insertChunkSize {
		chunk := vectors[offset:min(offset+insertChunkSize, len(vectors))]
		inserted, err := s.insertChunk(ctx, chunk)
		if err != nil {
			result.Failed += int64(len(chunk))
			result.Errors = append(result.Errors, err)
			result.Duration = time.Since(start)
			s.logger.Error("Batch insert failed", zap.Error(err), zap.Int("rows", len(chunk)))
			return result, fmt.Errorf("batch insert failed: %w", err)
		}
		result.Inserted += inserted
		result.Duplicates += int64(len(chunk)) - inserted
	}
	result.Duration = time.Since(start)

	s.logger.Info("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("duplicates_skipped", result.Duplicates),
		zap.Duration("duration", result.Duration))
	return result, nil
}

func (s *Store) insertChunk(ctx context.Context, vectors []*TextVector) (int64, error) {
	valueStrings := make([]string, 0, len(vectors))
	valueArgs := make([]any, 0, len(vectors)*columnsPerRow)
	for i, vector := range vectors {
		if vector.TextHash == "" {
			vector.TextHash = HashText(vector.Text)
		}
		n := i * columnsPerRow
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)", n+1, n+2, n+3, n+4, n+5))
		valueArgs = append(valueArgs,
			vector.ModelName,
			vector.SourceID,
			vector.Text,
			vector.TextHash,
			pgvector.NewVector(vector.Embedding),
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO text_vectors (model_name, source_id, text, text_hash, embedding)
		VALUES %s
		ON CONFLICT (model_name, text_hash) DO NOTHING`,
		strings.Join(valueStrings, ","))

	res, err := s.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return 0, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		s.logger.Warn("Could not get rows affected", zap.Error(err))
		return int64(len(vectors)), nil
	}
	return inserted, nil
}

// FindSimilar returns the stored vectors closest to embedding by cosine
// distance, best first.
func (s *Store) FindSimilar(ctx context.Context, embedding []float32, options *SearchOptions) ([]*SimilarityResult, error) {
	if options == nil {
		options = &SearchOptions{Limit: 5, MinSimilarity: 0.7}
	}
	if options.Limit <= 0 {
		options.Limit = 5
	}

	whereClause := "WHERE (1 - (embedding <=> $1)) >= $2"
	args := []any{pgvector.NewVector(embedding), options.MinSimilarity}
	argIndex := 3
	if options.ModelName != "" {
		whereClause += fmt.Sprintf(" AND model_name = $%d", argIndex)
		args = append(args, options.ModelName)
		argIndex++
	}

	query := fmt.Sprintf(`
		SELECT
			id, model_name, source_id, text, text_hash, embedding,
			created_at, updated_at,
			(1 - (embedding <=> $1)) AS similarity,
			(embedding <=> $1) AS distance
		FROM text_vectors
		%s
		ORDER BY embedding <=> $1
		LIMIT $%d`, whereClause, argIndex)
	args = append(args, options.Limit)

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Error("Similarity search failed", zap.Error(err))
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}
	defer rows.Close()

	results := []*SimilarityResult{}
	for rows.Next() {
		var (
			vector TextVector
			result SimilarityResult
			stored pgvector.Vector
		)
		if err := rows.Scan(
			&vector.ID,
			&vector.ModelName,
			&vector.SourceID,
			&vector.Text,
			&vector.TextHash,
			&stored,
			&vector.CreatedAt,
			&vector.UpdatedAt,
			&result.Similarity,
			&result.Distance,
		); err != nil {
			return nil, fmt.Errorf("failed to scan similarity result: %w", err)
		}
		vector.Embedding = stored.Slice()
		result.Vector = &vector
		results = append(results, &result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("similarity search failed: %w", err)
	}

	s.logger.Debug("Similarity search completed",
		zap.Int("results", len(results)),
		zap.Duration("duration", time.Since(start)),
		zap.Float32("min_similarity", options.MinSimilarity))
	return results, nil
}

// GetStats returns vector counts overall and per model.
func (s *Store) GetStats(ctx context.Context) (*VectorStats, error) {
	var rows []struct {
		ModelName string `db:"model_name"`
		Count     int64  `db:"count"`
	}
	query := "SELECT model_name, COUNT(*) AS count FROM text_vectors GROUP BY model_name"
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get vector stats: %w", err)
	}

	stats := &VectorStats{PerModel: make(map[string]int64, len(rows))}
	for _, row := range rows {
		stats.PerModel[row.ModelName] = row.Count
		stats.TotalVectors += row.Count
	}
	return stats, nil
}

// CreateIndex builds the ivfflat cosine index once enough vectors exist.
// It reports whether this call created the index; an index that already
// exists is left alone and reported as false.
func (s *Store) CreateIndex(ctx context.Context) (bool, error) {
	var exists bool
	existsQuery := "SELECT EXISTS(SELECT 1 FROM pg_indexes WHERE tablename = $1 AND indexname = $2)"
	if err := s.db.GetContext(ctx, &exists, existsQuery, tableName, indexName); err != nil {
		return false, fmt.Errorf("failed to check vector index: %w", err)
	}
	if exists {
		s.logger.Debug("Vector similarity index already exists", zap.String("index", indexName))
		return false, nil
	}

	var count int64
	if err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM text_vectors"); err != nil {
		return false, fmt.Errorf("failed to count vectors: %w", err)
	}
	if count < minVectorsForIndex {
		s.logger.Info("Skipping index creation, not enough vectors", zap.Int64("count", count))
		return false, nil
	}

	s.logger.Info("Creating vector similarity index...", zap.Int64("vector_count", count))
	query := `
		CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_text_vectors_embedding
		ON text_vectors USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return false, fmt.Errorf("failed to create vector index: %w", err)
	}

	s.logger.Info("Vector similarity index created successfully")
	return true, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL hides the password of a URL-style DSN for logging.
func maskDatabaseURL(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
