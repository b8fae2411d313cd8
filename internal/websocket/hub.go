package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/raaihank/text2vec/internal/config"
	"github.com/raaihank/text2vec/internal/embeddings"
)

const sendBufferSize = 256

// Hub maintains the set of active clients, serves their encode requests and
// broadcasts events to them.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Events waiting to be broadcast
	broadcast chan Event

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	config   config.WebSocketConfig
	encoder  embeddings.Encoder
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu    sync.RWMutex
	stats *HubStats
}

// HubStats tracks WebSocket hub statistics
type HubStats struct {
	TotalConnections   int64     `json:"total_connections"`
	ActiveConnections  int64     `json:"active_connections"`
	TotalMessages      int64     `json:"total_messages"`
	TotalBroadcasts    int64     `json:"total_broadcasts"`
	EncodeRequests     int64     `json:"encode_requests"`
	EncodeErrors       int64     `json:"encode_errors"`
	LastConnectionTime time.Time `json:"last_connection_time"`
	LastBroadcastTime  time.Time `json:"last_broadcast_time"`
}

// NewHub creates a new WebSocket hub that encodes with encoder
func NewHub(cfg config.WebSocketConfig, encoder embeddings.Encoder, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongTimeout {
		cfg.PingInterval = cfg.PongTimeout * 9 / 10
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1 << 20
	}

	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     cfg,
		encoder:    encoder,
		logger:     logger,
		stats:      &HubStats{},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Run handles client registration and broadcasting until ctx is done, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket hub")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event, nil)
		}
	}
}

// registerClient registers a new client
func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	h.stats.TotalConnections++
	h.stats.LastConnectionTime = time.Now()
	active := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("Client connected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active))

	if h.config.BroadcastEvents {
		h.broadcastEvent(h.connectionEvent("connected", client), client)
	}
}

// unregisterClient unregisters a client
func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		client.close()
	}
	active := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.logger.Info("Client disconnected",
		zap.String("client_id", client.ID),
		zap.String("client_ip", client.IP),
		zap.Int("active_connections", active))

	if h.config.BroadcastEvents {
		h.broadcastEvent(h.connectionEvent("disconnected", client), nil)
	}
}

func (h *Hub) connectionEvent(action string, client *Client) Event {
	return Event{
		Type:      EventTypeConnection,
		Timestamp: time.Now(),
		Data: ConnectionEvent{
			Action:    action,
			ClientID:  client.ID,
			ClientIP:  client.IP,
			UserAgent: client.UserAgent,
		},
	}
}

// broadcastEvent sends event to every subscribed client except exclude.
// Clients whose buffer is full are dropped.
func (h *Hub) broadcastEvent(event Event, exclude *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stats.TotalBroadcasts++
	h.stats.LastBroadcastTime = time.Now()

	for client := range h.clients {
		if client == exclude || !client.subscribed(event.Type) {
			continue
		}
		if client.enqueue(event) {
			h.stats.TotalMessages++
			continue
		}
		h.logger.Warn("Client send channel full, closing connection", zap.String("client_id", client.ID))
		delete(h.clients, client)
		client.close()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		client.close()
	}
}

// BroadcastEvent queues an event for every subscribed client. Events are
// dropped when broadcasting is disabled or the queue is full.
func (h *Hub) BroadcastEvent(event Event) {
	if !h.config.BroadcastEvents {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("Broadcast channel full, dropping event", zap.String("event_type", string(event.Type)))
	}
}

// HandleWebSocket upgrades the request and starts the client's pumps
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.config.MaxConnections > 0 && h.ActiveConnections() >= h.config.MaxConnections {
		http.Error(w, "too many WebSocket connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Conn:        conn,
		ConnectedAt: time.Now(),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
		send:        make(chan Event, sendBufferSize),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	h.logger.Warn("Rejected WebSocket origin", zap.String("origin", origin))
	return false
}

// writePump writes queued events and keepalive pings to the client
func (h *Hub) writePump(client *Client) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.Conn.WriteJSON(event); err != nil {
				h.logger.Error("Failed to write WebSocket message",
					zap.String("client_id", client.ID),
					zap.Error(err))
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads and serves client messages until the connection drops
func (h *Hub) readPump(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		select {
		case h.unregister <- client:
		case <-h.done:
		}
		client.Conn.Close()
	}()

	conn := client.Conn
	conn.SetReadLimit(h.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read error", zap.String("client_id", client.ID), zap.Error(err))
			}
			return
		}
		h.handleClientMessage(ctx, client, data)
	}
}

// handleClientMessage serves one message from a client
func (h *Hub) handleClientMessage(ctx context.Context, client *Client, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(client, errorEvent("", "invalid message: "+err.Error(), http.StatusBadRequest))
		return
	}

	switch msg.Type {
	case "encode":
		h.handleEncode(ctx, client, msg)
	case "bulk_encode":
		h.handleBulkEncode(ctx, client, msg)
	case "subscribe":
		client.subscribe(msg.Events)
		h.logger.Debug("Client subscription updated",
			zap.String("client_id", client.ID),
			zap.Any("events", msg.Events))
		h.reply(client, Event{Type: EventTypeSubscribed, ID: msg.ID, Timestamp: time.Now(), Data: msg.Events})
	case "ping":
		h.reply(client, Event{Type: EventTypePong, ID: msg.ID, Timestamp: time.Now()})
	default:
		h.reply(client, errorEvent(msg.ID, "unknown message type: "+msg.Type, http.StatusBadRequest))
	}
}

func (h *Hub) handleEncode(ctx context.Context, client *Client, msg ClientMessage) {
	if msg.Text == nil {
		h.reply(client, errorEvent(msg.ID, "text is required", http.StatusBadRequest))
		return
	}

	start := time.Now()
	vec, err := h.encoder.Encode(ctx, *msg.Text)
	h.countEncode(err)
	if err != nil {
		h.replyEncodeError(client, msg.ID, err)
		return
	}

	h.reply(client, Event{
		Type:      EventTypeEncodeResult,
		ID:        msg.ID,
		Timestamp: time.Now(),
		Data: EncodeResult{
			Model:      h.encoder.ModelName(),
			Dimensions: len(vec),
			Vector:     vec,
		},
	})
	h.BroadcastEvent(h.completedEvent(client, "encode", 1, len(vec), time.Since(start)))
}

func (h *Hub) handleBulkEncode(ctx context.Context, client *Client, msg ClientMessage) {
	start := time.Now()
	vectors, err := h.encoder.BulkEncode(ctx, msg.Texts)
	h.countEncode(err)
	if err != nil {
		h.replyEncodeError(client, msg.ID, err)
		return
	}

	h.reply(client, Event{
		Type:      EventTypeBulkEncodeResult,
		ID:        msg.ID,
		Timestamp: time.Now(),
		Data: BulkEncodeResult{
			Model:      h.encoder.ModelName(),
			Dimensions: h.encoder.Dimensions(),
			Vectors:    vectors,
		},
	})
	h.BroadcastEvent(h.completedEvent(client, "bulk_encode", len(vectors), h.encoder.Dimensions(), time.Since(start)))
}

func (h *Hub) completedEvent(client *Client, op string, texts, dims int, duration time.Duration) Event {
	return Event{
		Type:      EventTypeEncodeCompleted,
		Timestamp: time.Now(),
		Data: EncodeCompletedEvent{
			Source:     "websocket",
			Op:         op,
			ClientID:   client.ID,
			Model:      h.encoder.ModelName(),
			Texts:      texts,
			Dimensions: dims,
			Duration:   duration,
		},
	}
}

func (h *Hub) replyEncodeError(client *Client, id string, err error) {
	code := http.StatusInternalServerError
	var encErr *embeddings.VectorEncodingError
	if errors.As(err, &encErr) {
		code = http.StatusUnprocessableEntity
	}
	h.logger.Warn("WebSocket encode failed", zap.String("client_id", client.ID), zap.Error(err))
	h.reply(client, errorEvent(id, err.Error(), code))
}

func (h *Hub) reply(client *Client, event Event) {
	if !client.enqueue(event) {
		h.logger.Warn("Dropping reply for slow or closed client",
			zap.String("client_id", client.ID),
			zap.String("event_type", string(event.Type)))
	}
}

func (h *Hub) countEncode(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.EncodeRequests++
	if err != nil {
		h.stats.EncodeErrors++
	}
}

func errorEvent(id, message string, code int) Event {
	return Event{
		Type:      EventTypeError,
		ID:        id,
		Timestamp: time.Now(),
		Data:      ErrorResult{Message: message, Code: code},
	}
}

// ActiveConnections returns the number of registered clients
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := *h.stats
	stats.ActiveConnections = int64(len(h.clients))
	return stats
}

// clientIP extracts the client IP from the request
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
