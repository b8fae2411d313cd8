package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raaihank/text2vec/internal/config"
	"github.com/raaihank/text2vec/internal/embeddings"
)

type fakeEncoder struct{}

func (fakeEncoder) Encode(_ context.Context, text string) (embeddings.Vector, error) {
	if text == "fail" {
		return nil, &embeddings.VectorEncodingError{Op: "encode", Err: embeddings.ErrInferenceFailed}
	}
	return embeddings.Vector{float32(len(text)), 1}, nil
}

func (f fakeEncoder) BulkEncode(ctx context.Context, texts []string) ([]embeddings.Vector, error) {
	out := make([]embeddings.Vector, len(texts))
	for i, text := range texts {
		vec, err := f.Encode(ctx, text)
		if err != nil {
			return nil, &embeddings.VectorEncodingError{Op: "bulk_encode", Err: err}
		}
		out[i] = vec
	}
	return out, nil
}

func (fakeEncoder) Dimensions() int { return 2 }
func (fakeEncoder) ModelName() string { return "fake-model" }
func (fakeEncoder) Pooling() embeddings.Pooling { return embeddings.PoolingMean }
func (fakeEncoder) BatchInvariant() bool { return true }

// wireEvent mirrors Event with a raw payload for decoding in tests.
type wireEvent struct {
	Type EventType       `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func testConfig() config.WebSocketConfig {
	cfg := config.GetDefaults().WebSocket
	cfg.PingInterval = time.Second
	cfg.PongTimeout = 5 * time.Second
	return cfg
}

func startHub(t *testing.T, cfg config.WebSocketConfig) (*Hub, string) {
	t.Helper()
	hub := NewHub(cfg, fakeEncoder{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func receive(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event wireEvent
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestHubEncode(t *testing.T) {
	_, url := startHub(t, testConfig())
	conn := dial(t, url)

	t.Run("Encode", func(t *testing.T) {
		send(t, conn, `{"type":"encode","id":"1","text":"hello"}`)
		event := receive(t, conn)
		require.Equal(t, EventTypeEncodeResult, event.Type)
		assert.Equal(t, "1", event.ID)

		var result EncodeResult
		require.NoError(t, json.Unmarshal(event.Data, &result))
		assert.Equal(t, embeddings.Vector{5, 1}, result.Vector)
		assert.Equal(t, "fake-model", result.Model)
		assert.Equal(t, 2, result.Dimensions)

		// the sender is subscribed to everything, so it sees its own completion
		event = receive(t, conn)
		assert.Equal(t, EventTypeEncodeCompleted, event.Type)
	})

	t.Run("BulkEncode", func(t *testing.T) {
		send(t, conn, `{"type":"bulk_encode","id":"2","texts":["a","abc"]}`)
		event := receive(t, conn)
		require.Equal(t, EventTypeBulkEncodeResult, event.Type)

		var result BulkEncodeResult
		require.NoError(t, json.Unmarshal(event.Data, &result))
		assert.Equal(t, []embeddings.Vector{{1, 1}, {3, 1}}, result.Vectors)
		receive(t, conn) // encode_completed
	})

	t.Run("Errors", func(t *testing.T) {
		tests := []struct {
			msg  string
			code int
		}{
			{`{"type":"encode","id":"3"}`, http.StatusBadRequest},
			{`{"type":"encode","id":"3","text":"fail"}`, http.StatusUnprocessableEntity},
			{`{"type":"bulk_encode","id":"3","texts":["ok","fail"]}`, http.StatusUnprocessableEntity},
			{`{"type":"transcode","id":"3"}`, http.StatusBadRequest},
			{`not json`, http.StatusBadRequest},
		}
		for _, tt := range tests {
			send(t, conn, tt.msg)
			event := receive(t, conn)
			require.Equal(t, EventTypeError, event.Type, tt.msg)

			var result ErrorResult
			require.NoError(t, json.Unmarshal(event.Data, &result))
			assert.Equal(t, tt.code, result.Code, tt.msg)
			assert.NotEmpty(t, result.Message)
		}
	})

	t.Run("Ping", func(t *testing.T) {
		send(t, conn, `{"type":"ping","id":"4"}`)
		event := receive(t, conn)
		assert.Equal(t, EventTypePong, event.Type)
		assert.Equal(t, "4", event.ID)
	})
}

func TestHubBroadcastsToSubscribers(t *testing.T) {
	hub, url := startHub(t, testConfig())

	watcher := dial(t, url)
	send(t, watcher, `{"type":"subscribe","events":["encode_completed"]}`)
	require.Equal(t, EventTypeSubscribed, receive(t, watcher).Type)

	worker := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 2 }, 5*time.Second, 10*time.Millisecond)

	send(t, worker, `{"type":"encode","id":"1","text":"hi"}`)
	require.Equal(t, EventTypeEncodeResult, receive(t, worker).Type)

	event := receive(t, watcher)
	require.Equal(t, EventTypeEncodeCompleted, event.Type)
	var completed EncodeCompletedEvent
	require.NoError(t, json.Unmarshal(event.Data, &completed))
	assert.Equal(t, "websocket", completed.Source)
	assert.Equal(t, "encode", completed.Op)
	assert.Equal(t, 1, completed.Texts)

	// HTTP-side completions reach the same subscribers
	hub.BroadcastEvent(Event{Type: EventTypeEncodeCompleted, Data: EncodeCompletedEvent{Source: "http", Op: "bulk_encode", Texts: 3}})
	event = receive(t, watcher)
	require.NoError(t, json.Unmarshal(event.Data, &completed))
	assert.Equal(t, "http", completed.Source)

	stats := hub.GetStats()
	assert.EqualValues(t, 2, stats.ActiveConnections)
	assert.EqualValues(t, 1, stats.EncodeRequests)
}

func TestHubBroadcastDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.BroadcastEvents = false
	hub, url := startHub(t, cfg)
	conn := dial(t, url)

	send(t, conn, `{"type":"encode","id":"1","text":"hi"}`)
	require.Equal(t, EventTypeEncodeResult, receive(t, conn).Type)

	send(t, conn, `{"type":"ping","id":"2"}`)
	assert.Equal(t, EventTypePong, receive(t, conn).Type)
	assert.Zero(t, hub.GetStats().TotalBroadcasts)
}

func TestHubMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	hub, url := startHub(t, cfg)

	dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHubDisconnect(t *testing.T) {
	hub, url := startHub(t, testConfig())
	conn := dial(t, url)
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 1 }, 5*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ActiveConnections() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, hub.GetStats().TotalConnections)
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	hub := NewHub(cfg, fakeEncoder{}, nil)

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"HTTPS://APP.EXAMPLE.COM", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, hub.checkOrigin(r), tt.origin)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1:1234", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	assert.Equal(t, "203.0.113.7", clientIP(r))
}
