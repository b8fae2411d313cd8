package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raaihank/text2vec/internal/embeddings"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeEncodeCompleted is broadcast after every successful encode
	EventTypeEncodeCompleted EventType = "encode_completed"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"

	// Replies sent only to the requesting client
	EventTypeEncodeResult     EventType = "encode_result"
	EventTypeBulkEncodeResult EventType = "bulk_encode_result"
	EventTypeSubscribed       EventType = "subscribed"
	EventTypePong             EventType = "pong"
	EventTypeError            EventType = "error"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType `json:"type"`
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// EncodeCompletedEvent describes a finished encode call from any surface
type EncodeCompletedEvent struct {
	Source     string        `json:"source"` // "http" or "websocket"
	Op         string        `json:"op"`     // "encode" or "bulk_encode"
	ClientID   string        `json:"client_id,omitempty"`
	Model      string        `json:"model"`
	Texts      int           `json:"texts"`
	Dimensions int           `json:"dimensions"`
	Duration   time.Duration `json:"duration"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// EncodeResult is the reply to an encode message
type EncodeResult struct {
	Model      string            `json:"model"`
	Dimensions int               `json:"dimensions"`
	Vector     embeddings.Vector `json:"vector"`
}

// BulkEncodeResult is the reply to a bulk_encode message
type BulkEncodeResult struct {
	Model      string              `json:"model"`
	Dimensions int                 `json:"dimensions"`
	Vectors    []embeddings.Vector `json:"vectors"`
}

// ErrorResult is the reply to a message that could not be served
type ErrorResult struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type   string      `json:"type"` // encode, bulk_encode, subscribe, ping
	ID     string      `json:"id,omitempty"`
	Text   *string     `json:"text,omitempty"`
	Texts  []string    `json:"texts,omitempty"`
	Events []EventType `json:"events,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	ConnectedAt time.Time
	IP          string
	UserAgent   string

	send chan Event

	mu            sync.Mutex
	subscriptions map[EventType]bool // nil receives every broadcast
	closed        bool
}

// enqueue queues an event for the writer. It reports false when the client
// is closed or its buffer is full.
func (c *Client) enqueue(event Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- event:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) subscribe(events []EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(events) == 0 {
		c.subscriptions = nil
		return
	}
	c.subscriptions = make(map[EventType]bool, len(events))
	for _, e := range events {
		c.subscriptions[e] = true
	}
}

func (c *Client) subscribed(eventType EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscriptions == nil || c.subscriptions[eventType]
}
