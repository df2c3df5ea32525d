package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

// WSClient is one order book subscriber
type WSClient struct {
	conn *websocket.Conn
	pair string
	mu   sync.Mutex
}

func (c *WSClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans order book snapshots out to the subscribers of each pair
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[string]map[*WSClient]bool
	logger   *zap.Logger
	onJoin   func()
	onLeave  func()
}

// NewHub creates a hub accepting connections from any origin in allowed
// ("*" allows all)
func NewHub(allowed []string, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients: make(map[string]map[*WSClient]bool),
		logger:  logger,
		onJoin:  func() {},
		onLeave: func() {},
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowed)}
	return h
}

// OnConnectionChange registers callbacks run when a client joins or leaves
func (h *Hub) OnConnectionChange(join, leave func()) {
	h.onJoin, h.onLeave = join, leave
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

func pairKey(base, quote string) string {
	return strings.ToUpper(base) + "/" + strings.ToUpper(quote)
}

func (h *Hub) add(c *WSClient) {
	h.mu.Lock()
	if h.clients[c.pair] == nil {
		h.clients[c.pair] = make(map[*WSClient]bool)
	}
	h.clients[c.pair][c] = true
	h.mu.Unlock()
	h.onJoin()
}

func (h *Hub) remove(c *WSClient) {
	h.mu.Lock()
	_, ok := h.clients[c.pair][c]
	if ok {
		delete(h.clients[c.pair], c)
		if len(h.clients[c.pair]) == 0 {
			delete(h.clients, c.pair)
		}
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		h.onLeave()
	}
}

// Subscribers returns the number of clients watching a pair
func (h *Hub) Subscribers(base, quote string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[pairKey(base, quote)])
}

// Broadcast sends v as JSON to every subscriber of the pair, dropping
// clients whose connection fails
func (h *Hub) Broadcast(base, quote string, v any) {
	pair := pairKey(base, quote)
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal order book", zap.String("pair", pair), zap.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*WSClient, 0, len(h.clients[pair]))
	for c := range h.clients[pair] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			h.logger.Debug("dropping websocket client", zap.String("pair", pair), zap.Error(err))
			h.remove(c)
		}
	}
}

// serve upgrades the request and keeps the client subscribed until the
// connection closes. initial is sent before any broadcast.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, base, quote string, initial any) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &WSClient{conn: conn, pair: pairKey(base, quote)}
	h.add(client)
	defer h.remove(client)

	data, err := json.Marshal(initial)
	if err != nil || client.write(data) != nil {
		return
	}

	// Keep connection alive and handle disconnection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*WSClient
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		h.remove(c)
	}
}
