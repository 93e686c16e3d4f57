package main

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/itskum47/hostforge/hostd/messages"
	"github.com/itskum47/hostforge/hostd/observability"
	"go.uber.org/zap"
)

const (
	maxWSConnections = 200
	wsWriteTimeout   = 5 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// The API listens on the host's private address; browsers reach it through
	// the local UI.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient serializes data writes on one connection. Pings go through
// WriteControl, which may run concurrently.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

// MessageHub pushes every message posted through the sink to the connected
// websocket clients. One subscription serves all clients.
type MessageHub struct {
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	sink       *messages.Sink
	logger     *zap.Logger
}

func NewMessageHub(sink *messages.Sink, logger *zap.Logger) *MessageHub {
	return &MessageHub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		sink:       sink,
		logger:     logger.Named("ws"),
	}
}

// Run forwards messages until ctx is done.
func (h *MessageHub) Run(ctx context.Context) error {
	feed, cancel := h.sink.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				c.conn.Close()
				h.logger.Warn("websocket connection rejected", zap.Int("max", maxWSConnections))
				continue
			}
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(n))
			h.logger.Debug("websocket client registered", zap.Int("clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			observability.StreamClients.Set(float64(n))

		case m, ok := <-feed:
			if !ok {
				h.shutdown()
				return nil
			}
			h.broadcast(m)
		}
	}
}

func (h *MessageHub) broadcast(m messages.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.send(m); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			go h.Unregister(c)
		}
	}
}

func (h *MessageHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
		close(h.done)
	}
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*wsClient]struct{})
	observability.StreamClients.Set(0)
}

// Register adds a client. It is a no-op after the hub stopped.
func (h *MessageHub) Register(c *wsClient) {
	select {
	case h.register <- c:
	case <-h.done:
		c.conn.Close()
	}
}

func (h *MessageHub) Unregister(c *wsClient) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *MessageHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleMessageStream upgrades to a websocket. With ?since=<offset> the global
// message log from that offset is replayed first.
func (a *API) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	var since int64 = -1
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative offset", http.StatusBadRequest)
			return
		}
		since = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsClient{conn: conn}

	if since >= 0 {
		backlog, _, err := a.Sink.Since(r.Context(), since)
		if err != nil {
			a.logger.Warn("message replay failed", zap.Error(err))
		}
		for _, m := range backlog {
			if err := c.send(m); err != nil {
				conn.Close()
				return
			}
		}
	}

	a.Hub.Register(c)
	defer a.Hub.Unregister(c)

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	// Read pump; clients send nothing, this only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}
