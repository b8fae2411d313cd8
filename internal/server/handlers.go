package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/embeddings"
	"github.com/raaihank/text2vec/internal/vector"
	"github.com/raaihank/text2vec/internal/websocket"
)

// EncodeRequest is the body of POST /v1/encode
type EncodeRequest struct {
	Text *string `json:"text"`
}

// EncodeResponse is the reply to POST /v1/encode
type EncodeResponse struct {
	Model      string            `json:"model"`
	Dimensions int               `json:"dimensions"`
	Vector     embeddings.Vector `json:"vector"`
}

// BulkEncodeRequest is the body of POST /v1/bulk_encode
type BulkEncodeRequest struct {
	Texts []string `json:"texts"`
}

// BulkEncodeResponse is the reply to POST /v1/bulk_encode
type BulkEncodeResponse struct {
	Model      string              `json:"model"`
	Dimensions int                 `json:"dimensions"`
	Vectors    []embeddings.Vector `json:"vectors"`
}

// SearchRequest is the body of POST /v1/search
type SearchRequest struct {
	Text          *string  `json:"text"`
	Limit         int      `json:"limit"`
	MinSimilarity *float32 `json:"min_similarity"`
}

// SearchHit is one entry of a search reply
type SearchHit struct {
	ID         int64   `json:"id"`
	SourceID   string  `json:"source_id"`
	Text       string  `json:"text"`
	Similarity float32 `json:"similarity"`
	Distance   float32 `json:"distance"`
}

// SearchResponse is the reply to POST /v1/search
type SearchResponse struct {
	Model   string      `json:"model"`
	Count   int         `json:"count"`
	Results []SearchHit `json:"results"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Type      string `json:"type,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":              "text2vec",
		"version":           Version,
		"model":             s.encoder.ModelName(),
		"pooling":           s.encoder.Pooling(),
		"dimensions":        s.encoder.Dimensions(),
		"batch_invariant":   s.encoder.BatchInvariant(),
		"search_enabled":    s.searcher != nil,
		"websocket_enabled": s.config.WebSocket.Enabled,
		"max_batch_texts":   s.config.Server.MaxBatchTexts,
	})
}

// handleStats reports server counters plus every registered stats section.
// A failing section is reported inline instead of failing the request.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"server": map[string]any{
			"requests":            s.requests.Load(),
			"rate_limited":        s.rateLimited.Load(),
			"rate_limit_clients":  s.limiter.Clients(),
			"websocket_connected": s.wsHub.ActiveConnections(),
		},
		"websocket": s.wsHub.GetStats(),
	}
	for _, name := range s.statsNames {
		section, err := s.stats[name](r.Context())
		if err != nil {
			s.logger.Warn("Stats section failed", zap.String("section", name), zap.Error(err))
			resp[name] = map[string]string{"error": err.Error()}
			continue
		}
		resp[name] = section
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEncode encodes one text
func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	var req EncodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Text == nil {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	start := time.Now()
	vec, err := s.encoder.Encode(r.Context(), *req.Text)
	if err != nil {
		s.writeEncodeError(w, r, err)
		return
	}

	s.broadcastCompleted("encode", 1, len(vec), time.Since(start))
	writeJSON(w, http.StatusOK, EncodeResponse{
		Model:      s.encoder.ModelName(),
		Dimensions: len(vec),
		Vector:     vec,
	})
}

// handleBulkEncode encodes a batch of texts in one call
func (s *Server) handleBulkEncode(w http.ResponseWriter, r *http.Request) {
	var req BulkEncodeRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if limit := s.config.Server.MaxBatchTexts; limit > 0 && len(req.Texts) > limit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many texts: %d (max %d)", len(req.Texts), limit))
		return
	}

	start := time.Now()
	vectors, err := s.encoder.BulkEncode(r.Context(), req.Texts)
	if err != nil {
		s.writeEncodeError(w, r, err)
		return
	}

	dims := s.encoder.Dimensions()
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	s.broadcastCompleted("bulk_encode", len(vectors), dims, time.Since(start))
	writeJSON(w, http.StatusOK, BulkEncodeResponse{
		Model:      s.encoder.ModelName(),
		Dimensions: dims,
		Vectors:    vectors,
	})
}

// handleSearch encodes the query and returns the closest stored texts
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.Text == nil || *req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	vec, err := s.encoder.Encode(r.Context(), *req.Text)
	if err != nil {
		s.writeEncodeError(w, r, err)
		return
	}

	opts := &vector.SearchOptions{Limit: req.Limit, MinSimilarity: 0.7, ModelName: s.encoder.ModelName()}
	if req.MinSimilarity != nil {
		opts.MinSimilarity = *req.MinSimilarity
	}
	results, err := s.searcher.FindSimilar(r.Context(), vec, opts)
	if err != nil {
		s.logger.WithRequestID(getRequestID(r.Context())).Error("Search failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	resp := SearchResponse{Model: s.encoder.ModelName(), Count: len(results), Results: make([]SearchHit, 0, len(results))}
	for _, res := range results {
		resp.Results = append(resp.Results, SearchHit{
			ID:         res.Vector.ID,
			SourceID:   res.Vector.SourceID,
			Text:       res.Vector.Text,
			Similarity: res.Similarity,
			Distance:   res.Distance,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) broadcastCompleted(op string, texts, dims int, duration time.Duration) {
	s.wsHub.BroadcastEvent(websocket.Event{
		Type: websocket.EventTypeEncodeCompleted,
		Data: websocket.EncodeCompletedEvent{
			Source:     "http",
			Op:         op,
			Model:      s.encoder.ModelName(),
			Texts:      texts,
			Dimensions: dims,
			Duration:   duration,
		},
	})
}

// decodeJSON reads a size-limited JSON body into v and writes a 400 on failure
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if s.config.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxBodyBytes)
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeEncodeError maps encoder failures to HTTP statuses
func (s *Server) writeEncodeError(w http.ResponseWriter, r *http.Request, err error) {
	log := s.logger.WithRequestID(getRequestID(r.Context()))

	var encErr *embeddings.VectorEncodingError
	if !errors.As(err, &encErr) {
		log.Error("Encoding failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "encoding failed")
		return
	}

	log.Warn("Vector encoding failed", zap.Error(err))
	resp := errorResponse{Error: err.Error(), RequestID: getRequestID(r.Context())}
	var embErr *embeddings.EmbeddingError
	if errors.As(err, &embErr) {
		resp.Type = embErr.Type
	}
	writeJSON(w, http.StatusUnprocessableEntity, resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
