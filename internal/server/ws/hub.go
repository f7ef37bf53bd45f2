// Package ws pushes auction events to browsers over WebSocket and accepts
// room joins and bids from them.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
	"github.com/evtrade/bidcore/internal/server/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 256
	// actionTimeout bounds a single join or place_bid.
	actionTimeout = 15 * time.Second
	// maxRooms caps the auctions one connection may watch.
	maxRooms = 50
)

// StateProvider returns the live state of an auction.
type StateProvider interface {
	State(ctx context.Context, auctionID string) (domain.AuctionState, error)
}

// BidPlacer places bids submitted over the socket.
type BidPlacer interface {
	PlaceBid(ctx context.Context, req domain.BidRequest) (domain.BidResult, error)
}

// Config tunes the hub.
type Config struct {
	// AllowedOrigins restricts browser origins; empty allows all.
	AllowedOrigins []string
}

// Hub routes bus events to connected clients: auction topics to clients that
// joined the auction's room and user topics to that user's connections.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan routed
	register   chan *client
	unregister chan *client
	done       chan struct{}

	bus     domain.SignalBus
	states  StateProvider
	bids    BidPlacer
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	mu       sync.RWMutex
	logger   *slog.Logger
}

// routed is a bus message with its parsed destination.
type routed struct {
	kind string
	id   string
	data []byte
}

// NewHub creates a Hub. m may be nil.
func NewHub(bus domain.SignalBus, states StateProvider, bids BidPlacer, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Hub {
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan routed, 1024),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		states:     states,
		bids:       bids,
		metrics:    m,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.OriginAllowed(cfg.AllowedOrigins, origin)
		},
	}
	return h
}

// Run subscribes to every event topic and serves the hub until ctx is
// cancelled, then disconnects all clients. Messages on topics that are
// neither auction nor user topics are ignored.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	ch, err := h.bus.Subscribe(ctx, domain.EventTopicPattern)
	if err != nil {
		return fmt.Errorf("ws: subscribe: %w", err)
	}
	go h.forward(ctx, ch)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.metrics.SetWSClients(0)
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWSClients(n)
			h.logger.Debug("ws: client connected",
				slog.String("user_id", c.userID),
				slog.Int("total_clients", n),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				c.close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.SetWSClients(n)
			h.logger.Debug("ws: client disconnected",
				slog.String("user_id", c.userID),
				slog.Int("total_clients", n),
			)

		case msg := <-h.broadcast:
			h.route(msg)
		}
	}
}

// forward parses envelopes from the subscription and hands them to Run in
// arrival order.
func (h *Hub) forward(ctx context.Context, ch <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				h.logger.Warn("ws: subscription closed")
				return
			}
			var env struct {
				Topic string `json:"topic"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				h.logger.Warn("ws: dropping malformed event", slog.String("error", err.Error()))
				continue
			}
			kind, id, ok := domain.ParseTopic(env.Topic)
			if !ok {
				continue
			}
			select {
			case h.broadcast <- routed{kind: kind, id: id, data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (h *Hub) route(msg routed) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		var match bool
		switch msg.kind {
		case "auction":
			match = c.inRoom(msg.id)
		case "user":
			match = c.userID == msg.id
		}
		if match && !c.enqueue(msg.data) {
			h.logger.Warn("ws: dropping message for slow client", slog.String("user_id", c.userID))
		}
	}
}

// HandleWS upgrades an authenticated request and registers the client.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthenticated","code":"` + domain.CodeUnauthenticated + `"}`))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	// The request context ends when this handler returns.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &client{
		hub:    h,
		conn:   conn,
		userID: sess.UserID,
		name:   sess.Name,
		send:   make(chan []byte, sendBufferSize),
		rooms:  make(map[string]bool),
		ctx:    ctx,
		cancel: cancel,
	}

	select {
	case h.register <- c:
	case <-h.done:
		cancel()
		_ = conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
