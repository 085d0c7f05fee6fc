// Package live streams crawl progress to websocket clients.
package live

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
	"github.com/nats-io/nats.go"

	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/events"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/pkg/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 1024
	sendBufferSize = 64
)

// Message types sent to clients.
const (
	TypePage   = "page"
	TypeRecord = "record"
	TypeRun    = "run"
	TypePong   = "pong"
)

// Config holds websocket settings.
type Config struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBufferSize int
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WriteWait:      writeWait,
		PongWait:       pongWait,
		PingPeriod:     pingPeriod,
		MaxMessageSize: maxMessageSize,
		SendBufferSize: sendBufferSize,
		AllowedOrigins: []string{"*"},
	}
}

// Message is one frame sent to clients.
type Message struct {
	Type      string    `json:"type"`
	Site      string    `json:"site,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PageEvent is the payload of a page message.
type PageEvent struct {
	Page    int `json:"page"`
	Entries int `json:"entries"`
}

// request is a message from a client changing its site filter.
type request struct {
	Type string `json:"type"`
	Site string `json:"site"`
}

// Hub fans crawl progress out to connected clients. It is a crawler.Observer
// for runs in this process and can relay the NATS harvest stream for runs
// elsewhere.
type Hub struct {
	crawler.NopObserver

	mu       sync.RWMutex
	clients  map[*client]struct{}
	subs     []*nats.Subscription
	closed   bool
	config   Config
	log      *logger.Logger
	upgrader websocket.Upgrader
}

type client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	mu    sync.RWMutex
	sites map[string]bool
}

// NewHub creates a hub.
func NewHub(cfg Config, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	h := &Hub{
		clients: make(map[*client]struct{}),
		config:  cfg,
		log:     log.WithComponent("live"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 || h.config.AllowedOrigins[0] == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request. The optional sites query parameter is a
// comma-separated list of site codes; without it the client receives every
// site.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	c := &client{
		id:    uuid.New().String(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, h.config.SendBufferSize),
		sites: make(map[string]bool),
	}
	for _, code := range strings.Split(r.URL.Query().Get("sites"), ",") {
		if code = strings.TrimSpace(code); code != "" {
			c.sites[code] = true
		}
	}

	if !h.register(c) {
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()

	h.log.Debug("client connected", "client_id", c.id, "sites", len(c.sites))
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
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends msg to every client following msg.Site. Slow clients drop
// messages rather than stall the crawl.
func (h *Hub) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.WithError(err).Warn("failed to marshal message", "type", msg.Type)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.follows(msg.Site) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Debug("client buffer full, dropping message", "client_id", c.id)
		}
	}
}

// PageFetched implements crawler.Observer.
func (h *Hub) PageFetched(_ context.Context, site string, page, entries int) {
	h.Broadcast(Message{Type: TypePage, Site: site, Data: PageEvent{Page: page, Entries: entries}})
}

// RecordSaved implements crawler.Observer.
func (h *Hub) RecordSaved(ctx context.Context, rec models.SavedRecord) {
	h.Broadcast(Message{Type: TypeRecord, Site: rec.Site, Data: events.NewRecordSavedEvent(logger.RunID(ctx), rec)})
}

// RunFinished implements crawler.Observer.
func (h *Hub) RunFinished(_ context.Context, res crawler.Result) {
	h.Broadcast(Message{Type: TypeRun, Site: res.Site, Data: events.NewRunFinishedEvent(res)})
}

// Follow relays new events from the harvest stream, for runs made by other
// processes.
func (h *Hub) Follow(js nats.JetStreamContext) error {
	record, err := js.Subscribe(events.SubjectRecordSaved, func(msg *nats.Msg) {
		var e events.RecordSavedEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			h.log.WithError(err).Warn("bad record event")
			return
		}
		h.Broadcast(Message{Type: TypeRecord, Site: e.Site, Data: e, Timestamp: e.SavedAt})
	}, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.SubjectRecordSaved, err)
	}

	run, err := js.Subscribe(events.SubjectRunFinished, func(msg *nats.Msg) {
		var e events.RunFinishedEvent
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			h.log.WithError(err).Warn("bad run event")
			return
		}
		h.Broadcast(Message{Type: TypeRun, Site: e.Site, Data: e, Timestamp: e.FinishedAt})
	}, nats.DeliverNew())
	if err != nil {
		_ = record.Unsubscribe()
		return fmt.Errorf("failed to subscribe to %s: %w", events.SubjectRunFinished, err)
	}

	h.mu.Lock()
	h.subs = append(h.subs, record, run)
	h.mu.Unlock()
	return nil
}

// Close stops relaying and disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	h.subs = nil
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return errors.Join(errs...)
}

func (c *client) follows(site string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sites) == 0 || site == "" || c.sites[site]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.config.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).Debug("client disconnected unexpectedly", "client_id", c.id)
			}
			return
		}
		c.handle(data)
	}
}

func (c *client) handle(data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		c.hub.log.Debug("ignoring malformed client message", "client_id", c.id)
		return
	}

	switch req.Type {
	case "subscribe":
		if req.Site != "" {
			c.mu.Lock()
			c.sites[req.Site] = true
			c.mu.Unlock()
		}
	case "unsubscribe":
		c.mu.Lock()
		delete(c.sites, req.Site)
		c.mu.Unlock()
	case "ping":
		pong, _ := json.Marshal(Message{Type: TypePong, Timestamp: time.Now().UTC()})
		c.hub.mu.RLock()
		if _, ok := c.hub.clients[c]; ok {
			select {
			case c.send <- pong:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
