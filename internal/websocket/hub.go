package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rcourtman/quartermaster/internal/logging"
	"github.com/rcourtman/quartermaster/internal/metrics"
	"github.com/rcourtman/quartermaster/internal/utils"
	"github.com/rcourtman/quartermaster/internal/view"
	"github.com/rcourtman/quartermaster/internal/widget"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 64
)

// Message types on the wire.
const (
	TypeEvent  = "event"
	TypeRender = "render"
)

// Message is one frame in either direction.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Mounter runs one panel session for a connection.
type Mounter interface {
	Mount(ctx context.Context, events <-chan widget.DOMEvent, render func(*html.Node) error) error
}

// Client is one connected browser.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	events chan widget.DOMEvent
	id     string
}

// Hub tracks connected clients and mounts a session for each.
type Hub struct {
	mounter        Mounter
	clients        map[*Client]bool
	register       chan *Client
	unregister     chan *Client
	mu             sync.RWMutex
	allowedOrigins []string
	upgrader       websocket.Upgrader
	ctx            context.Context
	sessions       sync.WaitGroup
	draining       bool
}

// NewHub creates a hub whose connections mount sessions through m.
func NewHub(m Mounter) *Hub {
	h := &Hub{
		mounter:    m,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        context.Background(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetAllowedOrigins sets the origins allowed to connect. "*" allows any.
// With no list only same-host origins are accepted.
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allowedOrigins = nil
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			h.allowedOrigins = append(h.allowedOrigins, strings.TrimRight(o, "/"))
		}
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	h.mu.RLock()
	allowed := h.allowedOrigins
	h.mu.RUnlock()

	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	if len(allowed) > 0 {
		log.Warn().Str("origin", origin).Msg("WebSocket origin rejected")
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	log.Warn().Str("origin", origin).Str("host", r.Host).Msg("WebSocket origin rejected")
	return false
}

// Run tracks client registration until ctx ends. Sessions started while
// the hub runs end with ctx.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.SessionsActive.Inc()
			log.Info().Str("client", client.id).Msg("WebSocket client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.mu.Unlock()
				metrics.SessionsActive.Dec()
				log.Info().Str("client", client.id).Msg("WebSocket client disconnected")
			} else {
				h.mu.Unlock()
			}
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades the request and serves one session on it. The
// session lives as long as the connection and the hub.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		events: make(chan widget.DOMEvent),
		id:     utils.GenerateID("session"),
	}

	select {
	case h.register <- client:
	case <-r.Context().Done():
		conn.Close()
		return
	}

	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		conn.Close()
		return
	}
	base := h.ctx
	h.sessions.Add(1)
	h.mu.Unlock()

	ctx, _ := logging.WithSessionID(base, client.id)
	go func() {
		defer h.sessions.Done()
		client.serve(ctx)
	}()
}

// Wait refuses new sessions and blocks until every running session has
// returned or ctx ends. Call it after the hub's context is cancelled.
func (h *Hub) Wait(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the pumps and the session until any of them stops.
func (c *Client) serve(ctx context.Context) {
	hubDone := ctx.Done()
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-hubDone:
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return c.conn.Close()
	})
	g.Go(func() error { return c.readPump(ctx) })
	g.Go(func() error { return c.writePump(ctx) })
	g.Go(func() error {
		err := c.hub.mounter.Mount(ctx, c.events, c.render(ctx))
		if err != nil {
			return err
		}
		return context.Canceled
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger := logging.FromContext(ctx)
		logger.Debug().Err(err).Msg("Session ended")
	}
}

// render returns the session's render callback. Consecutive identical
// markup is sent once.
func (c *Client) render(ctx context.Context) func(*html.Node) error {
	var last string
	return func(n *html.Node) error {
		markup, err := view.Render(n)
		if err != nil {
			return err
		}
		if markup == last {
			return nil
		}
		last = markup

		data, err := json.Marshal(markup)
		if err != nil {
			return err
		}
		frame, err := json.Marshal(Message{Type: TypeRender, Data: data})
		if err != nil {
			return err
		}
		select {
		case c.send <- frame:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// readPump forwards client events, in order, to the session.
func (c *Client) readPump(ctx context.Context) error {
	defer close(c.events)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	logger := logging.FromContext(ctx)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) && ctx.Err() == nil {
				logger.Error().Err(err).Msg("WebSocket read error")
			}
			return context.Canceled
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			logger.Warn().Err(err).Msg("Failed to unmarshal WebSocket message")
			continue
		}
		if msg.Type != TypeEvent {
			logger.Debug().Str("type", msg.Type).Msg("Ignoring WebSocket message")
			continue
		}

		var evt widget.DOMEvent
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			logger.Warn().Err(err).Msg("Malformed DOM event")
			continue
		}
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writePump sends rendered frames and keeps the connection alive.
func (c *Client) writePump(ctx context.Context) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return ctx.Err()

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return err
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
