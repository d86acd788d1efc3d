// Package external is the WebSocket channel to the external party. Inbound
// messages become external turns; operator messages are pushed to every
// connected client.
package external

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-lab/internal/service/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
)

// Inbound receives messages typed by the external party.
type Inbound interface {
	HandleExternal(ctx context.Context, text string) (session.Result, error)
}

type inboundMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Hub tracks connected external clients. It satisfies session.Outbox.
type Hub struct {
	inbound  Inbound
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a hub that forwards inbound messages to inbound.
func NewHub(inbound Inbound, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		inbound: inbound,
		logger:  logger.Named("external"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
}

// RegisterRoutes mounts the WebSocket endpoint.
func (h *Hub) RegisterRoutes(r chi.Router) {
	r.Get("/ws/external", h.handleWebSocket)
}

// Connected returns the number of open connections.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Deliver sends an operator message to every client and returns how many
// received it.
func (h *Hub) Deliver(_ context.Context, from, text string, at time.Time) (int, error) {
	msg := outgoingMessage{Type: "message", From: from, Text: text, Timestamp: at.UnixMilli()}

	var errs []error
	delivered := 0
	for _, c := range h.snapshot() {
		if err := c.writeJSON(msg); err != nil {
			errs = append(errs, err)
			continue
		}
		delivered++
	}
	if delivered == 0 && len(errs) > 0 {
		return 0, fmt.Errorf("deliver to external clients: %w", errors.Join(errs...))
	}
	return delivered, nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	for _, c := range h.snapshot() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	}
}

func (h *Hub) snapshot() []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.inbound == nil {
		http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{conn: conn}
	h.add(c)
	defer h.remove(c)
	h.logger.Info("external party connected", zap.String("remote", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, c)

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read failed", zap.Error(err))
			}
			h.logger.Info("external party disconnected", zap.String("remote", r.RemoteAddr))
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		h.handleMessage(ctx, c, msg)
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *client, msg inboundMessage) {
	switch strings.ToLower(msg.Type) {
	case "message", "text":
	default:
		h.sendError(c, fmt.Sprintf("unsupported message type %q", msg.Type))
		return
	}

	if _, err := h.inbound.HandleExternal(ctx, msg.Text); err != nil {
		var verr *session.ValidationError
		if errors.As(err, &verr) {
			h.sendError(c, verr.Reason)
			return
		}
		h.logger.Error("handle external message", zap.Error(err))
		h.sendError(c, "message not accepted")
	}
}

func (h *Hub) sendError(c *client, message string) {
	if err := c.writeJSON(outgoingMessage{Type: "error", Text: message}); err != nil {
		h.logger.Warn("write error failed", zap.Error(err))
	}
}

// pingLoop 定期发送ping消息
func (h *Hub) pingLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
