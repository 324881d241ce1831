// Package push owns the operator console sockets. Each socket is registered
// as a live-push subscriber for its lifetime and deregistered on close.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/technosupport/vms-alerts/internal/alerts"
	"github.com/technosupport/vms-alerts/internal/dispatch"
	"github.com/technosupport/vms-alerts/internal/tokens"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type Registrar interface {
	Register(sub alerts.Subscriber) error
	Deregister(id string)
}

type TokenValidator interface {
	Validate(token string) (*tokens.Claims, error)
}

type client struct {
	handle string
	subID  string
	conn   *websocket.Conn

	writeMu sync.Mutex
	once    sync.Once
	done    chan struct{}
}

type Hub struct {
	registry Registrar
	tokens   TokenValidator
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*client
}

func NewHub(reg Registrar, tv TokenValidator, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		registry: reg,
		tokens:   tv,
		log:      log,
		conns:    make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Len returns the number of open sockets.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Send writes one alert frame to the socket identified by handle.
func (h *Hub) Send(ctx context.Context, handle string, payload []byte) error {
	h.mu.RLock()
	c, ok := h.conns[handle]
	h.mu.RUnlock()
	if !ok {
		return dispatch.ErrConnectionClosed
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(deadline)
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()

	if err != nil {
		h.drop(c)
		return fmt.Errorf("%w: %v", dispatch.ErrConnectionClosed, err)
	}
	return nil
}

// ServeWS upgrades an operator console. Query parameters:
//
//	token         operator token (required)
//	cameras       comma separated camera ids, default "all"
//	min_severity  low|medium|high, default low
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tok := q.Get("token")
	if tok == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.tokens.Validate(tok)
	if err != nil || !claims.Role.Allows(tokens.RoleViewer) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	minSev := alerts.SeverityLow
	if v := q.Get("min_severity"); v != "" {
		if minSev, err = alerts.ParseSeverity(v); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	topics := splitTopics(q.Get("cameras"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	handle := uuid.NewString()
	c := &client{
		handle: handle,
		subID:  "console:" + handle,
		conn:   conn,
		done:   make(chan struct{}),
	}
	sub := alerts.Subscriber{
		ID:          c.subID,
		Channel:     alerts.ChannelLivePush,
		Address:     handle,
		Topics:      topics,
		MinSeverity: minSev,
	}

	h.mu.Lock()
	h.conns[handle] = c
	h.mu.Unlock()

	if err := h.registry.Register(sub); err != nil {
		h.log.Error("console register failed", zap.String("operator_id", claims.OperatorID), zap.Error(err))
		h.drop(c)
		return
	}
	h.log.Info("console connected",
		zap.String("operator_id", claims.OperatorID),
		zap.String("subscriber_id", c.subID),
		zap.Strings("topics", topics),
		zap.String("min_severity", minSev.String()),
	)

	hello, _ := json.Marshal(map[string]any{
		"type":          "subscribed",
		"subscriber_id": c.subID,
		"topics":        topics,
		"min_severity":  minSev,
	})
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, hello)
	c.writeMu.Unlock()
	if err != nil {
		h.drop(c)
		return
	}

	go h.pingLoop(c)
	h.readLoop(c)
}

// readLoop discards client frames; it only exists to observe pongs and close.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				h.log.Debug("console read ended", zap.String("subscriber_id", c.subID), zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) pingLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				h.drop(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	c.once.Do(func() {
		h.mu.Lock()
		delete(h.conns, c.handle)
		h.mu.Unlock()

		h.registry.Deregister(c.subID)
		close(c.done)
		_ = c.conn.Close()
		h.log.Info("console disconnected", zap.String("subscriber_id", c.subID))
	})
}

// Close drops every socket.
func (h *Hub) Close() {
	h.mu.RLock()
	all := make([]*client, 0, len(h.conns))
	for _, c := range h.conns {
		all = append(all, c)
	}
	h.mu.RUnlock()

	for _, c := range all {
		h.drop(c)
	}
}

func splitTopics(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{alerts.TopicAll}
	}
	return out
}
