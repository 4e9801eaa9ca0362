// Package push fans live updates out to dashboard viewers over websockets.
//
// Delivery is at-most-once. Each subscriber owns a bounded queue and a
// writer goroutine with a per-write deadline, so a stalled viewer only
// loses its own messages and never blocks the caller of Emit.
package push

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// EventVitalsUpdate carries the projected vitals after each debug record.
	EventVitalsUpdate = "vitals_update"

	// EventLatencyPing is sent by clients with a timestamp to measure round trips.
	EventLatencyPing = "latency_ping"

	// EventLatencyPong echoes the client's timestamp back unchanged.
	EventLatencyPong = "latency_pong"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	DefaultBufferSize   = 16
	DefaultPongWait     = 60 * time.Second

	// maxMessageBytes caps inbound frames. Clients only send latency probes.
	maxMessageBytes = 4096
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Options tunes a Hub. Zero values take the defaults above.
type Options struct {
	WriteTimeout time.Duration
	BufferSize   int
	PongWait     time.Duration
}

// Hub is the registry of connected subscribers. It is an http.Handler that
// upgrades each request to a websocket subscription.
type Hub struct {
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	bufferSize   int
	pongWait     time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty Hub.
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards and instrumented pages are served from arbitrary origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeTimeout: opts.WriteTimeout,
		bufferSize:   opts.BufferSize,
		pongWait:     opts.PongWait,
		clients:      make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and serves the subscriber until it
// disconnects or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.bufferSize),
		done: make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeTimeout))
		conn.Close()
		return
	}
	h.logger.Debug("subscriber connected", "remote", r.RemoteAddr, "subscribers", h.Count())

	go c.writeLoop()
	c.readLoop()
}

// Emit broadcasts one named event to every subscriber connected right now.
// A subscriber whose queue is full misses this message. The only error is
// a payload that cannot be encoded.
func (h *Hub) Emit(event string, data any) error {
	frame, err := encode(event, data)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.enqueue(frame) {
			h.delivered.Add(1)
		} else {
			h.dropped.Add(1)
		}
	}
	return nil
}

// Count returns the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Delivered returns how many frames were queued to subscribers.
func (h *Hub) Delivered() uint64 { return h.delivered.Load() }

// Dropped returns how many frames were discarded because a queue was full.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	deadline := time.Now().Add(h.writeTimeout)
	for c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		c.close()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func encode(event string, data any) ([]byte, error) {
	raw, ok := data.(json.RawMessage)
	if !ok {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
	}
	frame, err := json.Marshal(Message{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", event, err)
	}
	return frame, nil
}

// client is one connected subscriber. Only writeLoop writes data frames
// to conn; send is never closed so Emit can always select on it.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *client) enqueue(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *client) readLoop() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(maxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("subscriber read failed", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Event != EventLatencyPing {
			continue
		}
		frame, err := encode(EventLatencyPong, msg.Data)
		if err != nil {
			continue
		}
		c.enqueue(frame)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.pongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.hub.logger.Debug("subscriber write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.writeTimeout)); err != nil {
				c.close()
				return
			}
		}
	}
}
