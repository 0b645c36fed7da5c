package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = wsPingInterval + 15*time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 64
)

// eventFrame is the JSON shape pushed to dashboard clients.
type eventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	TS      int64  `json:"ts"`
}

// wsHub fans bus events out to connected dashboard clients.
type wsHub struct {
	server *Server
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func newWSHub(s *Server, logger *slog.Logger) *wsHub {
	return &wsHub{
		server: s,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The dashboard binds loopback or sits behind the tunnel,
			// which does its own access control.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

// handleUpgrade authenticates and promotes the connection. Bad tokens
// are rejected after the upgrade with a dedicated close code so browser
// clients can distinguish auth failure from a network drop.
func (h *wsHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if h.server.guard.locked(ip) || !h.server.guard.allow(ip) {
		httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !h.server.tokenValid(bearerToken(r)) {
		h.server.guard.recordFailure(ip)
		deadline := time.Now().Add(wsWriteWait)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(protocol.CloseAuthFailed, "auth failed"), deadline)
		conn.Close()
		return
	}
	h.server.guard.clearFailures(ip)

	c := &wsClient{
		id:   "ws-" + uuid.NewString(),
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writeLoop(h.logger)
	c.readLoop()
}

func (h *wsHub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if h.server.deps.Bus != nil {
		h.server.deps.Bus.Subscribe(c.id, func(e bus.Event) {
			c.enqueue(eventFrame{Type: "event", Event: e.Name, Payload: e.Payload, TS: time.Now().UnixMilli()})
		})
	}
	h.logger.Info("dashboard client connected", "id", c.id)
}

func (h *wsHub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	if h.server.deps.Bus != nil {
		h.server.deps.Bus.Unsubscribe(c.id)
	}
	c.close()
	h.logger.Info("dashboard client disconnected", "id", c.id)
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// enqueue drops the frame if the client cannot keep up. A slow browser
// tab must not block the bus.
func (c *wsClient) enqueue(f eventFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
	}
}

func (c *wsClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readLoop() {
	defer c.close()
	c.conn.SetReadLimit(1 << 16)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		// Inbound frames are ignored; the WS surface is push-only.
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writeLoop(logger *slog.Logger) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debug("websocket write failed", "id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
