// Package websocket broadcasts live-reload and error messages to the
// browsers connected to the development server.
//
// The Hub owns every connection. A single goroutine registers, removes and
// broadcasts to clients; each client has its own writer so a slow tab
// never delays the others.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/sitepipe/internal/errors"
	"github.com/conneroisu/sitepipe/internal/logging"
	"github.com/conneroisu/sitepipe/internal/notify"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

// Hub tracks connected clients and fans broadcasts out to them. It
// implements notify.Reloader and notify.Notifier.
type Hub struct {
	clients      map[*websocket.Conn]*client
	clientsMutex sync.RWMutex

	broadcast  chan []byte
	register   chan *client
	unregister chan *websocket.Conn

	originPatterns []string
	logger         logging.Logger

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

var (
	_ notify.Reloader = (*Hub)(nil)
	_ notify.Notifier = (*Hub)(nil)
)

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithOriginPatterns allows cross-origin connections from hosts matching
// the patterns. Same-origin connections are always allowed.
func WithOriginPatterns(patterns ...string) HubOption {
	return func(h *Hub) { h.originPatterns = append(h.originPatterns, patterns...) }
}

// WithLogger sets the hub's logger.
func WithLogger(l logging.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a hub and starts its broadcast loop. Call Shutdown to
// stop it.
func NewHub(opts ...HubOption) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:    make(map[*websocket.Conn]*client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client, 32),
		unregister: make(chan *websocket.Conn, 32),
		logger:     logging.Discard(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.WithComponent("livereload")

	go h.run()
	return h
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  h.originPatterns,
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{conn: conn, send: make(chan []byte, 16)}

	select {
	case h.register <- c:
	case <-h.ctx.Done():
		_ = conn.Close(websocket.StatusServiceRestart, "server shutting down")
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// Reload asks every client to refresh. ScopeCSS swaps stylesheets in
// place; any other scope reloads the page.
func (h *Hub) Reload(ctx context.Context, scope notify.Scope) error {
	msgType := TypeReload
	if scope == notify.ScopeCSS {
		msgType = TypeCSS
	}
	return h.Broadcast(ctx, Message{Type: msgType})
}

// NotifyError shows err in the browser overlay.
func (h *Hub) NotifyError(ctx context.Context, err *errors.PipelineError) error {
	msg := Message{
		Type:    TypeError,
		Task:    err.Task,
		File:    err.FilePath,
		Line:    err.Line,
		Column:  err.Column,
		Content: err.Message,
	}
	if err.Cause != nil {
		msg.Content += ": " + err.Cause.Error()
	}
	return h.Broadcast(ctx, msg)
}

// Broadcast queues msg for every connected client. It does not wait for
// delivery.
func (h *Hub) Broadcast(ctx context.Context, msg Message) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case h.broadcast <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.ctx.Done():
		return h.ctx.Err()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection and stops the hub. It is safe to call
// more than once.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.cancel()

		h.clientsMutex.Lock()
		defer h.clientsMutex.Unlock()
		for conn, c := range h.clients {
			delete(h.clients, conn)
			close(c.send)
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
	})
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clientsMutex.Lock()
			h.clients[c.conn] = c
			total := len(h.clients)
			h.clientsMutex.Unlock()
			h.logger.Debug(h.ctx, "Client connected", "clients", total)

		case conn := <-h.unregister:
			h.remove(conn)

		case message := <-h.broadcast:
			h.clientsMutex.RLock()
			var slow []*websocket.Conn
			for conn, c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, conn)
				}
			}
			h.clientsMutex.RUnlock()

			for _, conn := range slow {
				h.logger.Warn(h.ctx, nil, "Dropping slow client")
				h.remove(conn)
			}

		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.clientsMutex.Lock()
	c, ok := h.clients[conn]
	if ok {
		delete(h.clients, conn)
		close(c.send)
	}
	total := len(h.clients)
	h.clientsMutex.Unlock()

	if ok {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Debug(h.ctx, "Client disconnected", "clients", total)
	}
}

// readPump discards client messages until the connection closes.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c.conn:
		case <-h.ctx.Done():
		}
	}()

	for {
		if _, _, err := c.conn.Read(h.ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && h.ctx.Err() == nil {
				h.logger.Debug(h.ctx, "WebSocket read ended", "error", err.Error())
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}
