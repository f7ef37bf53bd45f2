package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

// Client actions.
const (
	actionJoin     = "join"
	actionLeave    = "leave"
	actionPlaceBid = "place_bid"
)

// Reply types sent only to the requesting client.
const (
	replyJoined    = "joined"
	replyLeft      = "left"
	replyBidFailed = "bid_failed"
	replyError     = "error"
)

// clientMsg is a request from the browser.
type clientMsg struct {
	Action    string          `json:"action"`
	AuctionID string          `json:"auction_id"`
	Amount    decimal.Decimal `json:"amount"`
	RequestID string          `json:"request_id,omitempty"`
}

// outbound mirrors domain.Event for replies so clients parse one shape.
type outbound struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	AuctionID string    `json:"auction_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

type failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// client is one WebSocket connection of an authenticated user.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	name   string
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	rooms  map[string]bool
	closed bool
}

// enqueue queues data without blocking. It reports false when the buffer is
// full or the client is gone.
func (c *client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close stops the write pump. Safe to call more than once.
func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) inRoom(auctionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[auctionID]
}

func (c *client) join(auctionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rooms[auctionID] && len(c.rooms) >= maxRooms {
		return fmt.Errorf("%w: at most %d auctions per connection", domain.ErrInvalidRequest, maxRooms)
	}
	c.rooms[auctionID] = true
	return nil
}

func (c *client) leave(auctionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.rooms, auctionID)
}

// readPump handles client requests until the connection fails.
func (c *client) readPump() {
	defer func() {
		c.cancel()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
			c.close()
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply(outbound{Type: replyError, Payload: failure{
				Code:    domain.CodeInvalidRequest,
				Message: "malformed message",
			}})
			continue
		}
		c.handle(msg)
	}
}

// handle runs one client action. Bids run synchronously so a client's
// replies arrive in request order.
func (c *client) handle(msg clientMsg) {
	ctx, cancel := context.WithTimeout(c.ctx, actionTimeout)
	defer cancel()

	if msg.AuctionID == "" {
		c.fail(msg, replyError, fmt.Errorf("%w: auction_id is required", domain.ErrInvalidRequest))
		return
	}

	switch msg.Action {
	case actionJoin:
		if err := c.join(msg.AuctionID); err != nil {
			c.fail(msg, replyError, err)
			return
		}
		state, err := c.hub.states.State(ctx, msg.AuctionID)
		if err != nil {
			c.leave(msg.AuctionID)
			c.fail(msg, replyError, err)
			return
		}
		c.reply(outbound{Type: replyJoined, AuctionID: msg.AuctionID, RequestID: msg.RequestID})
		c.reply(outbound{
			Type:      string(domain.EventAuctionState),
			Topic:     domain.AuctionTopic(msg.AuctionID),
			AuctionID: msg.AuctionID,
			RequestID: msg.RequestID,
			Payload:   state,
		})

	case actionLeave:
		c.leave(msg.AuctionID)
		c.reply(outbound{Type: replyLeft, AuctionID: msg.AuctionID, RequestID: msg.RequestID})

	case actionPlaceBid:
		res, err := c.hub.bids.PlaceBid(ctx, domain.BidRequest{
			AuctionID:  msg.AuctionID,
			BidderID:   c.userID,
			BidderName: c.name,
			Amount:     msg.Amount,
		})
		if err != nil {
			c.fail(msg, replyBidFailed, err)
			return
		}
		c.reply(outbound{
			Type:      string(domain.EventBidAccepted),
			AuctionID: msg.AuctionID,
			RequestID: msg.RequestID,
			Payload:   res,
		})

	default:
		c.fail(msg, replyError, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidRequest, msg.Action))
	}
}

// fail replies with the error's taxonomy code. Internal errors are logged and
// not exposed.
func (c *client) fail(msg clientMsg, typ string, err error) {
	code := domain.ErrorCode(err)
	text := err.Error()
	if code == domain.CodeInternal && !errors.Is(err, context.Canceled) {
		c.hub.logger.Error("ws: action failed",
			slog.String("action", msg.Action),
			slog.String("auction_id", msg.AuctionID),
			slog.String("user_id", c.userID),
			slog.String("error", err.Error()),
		)
		text = "internal error"
	}
	c.reply(outbound{
		Type:      typ,
		AuctionID: msg.AuctionID,
		RequestID: msg.RequestID,
		Payload:   failure{Code: code, Message: text},
	})
}

func (c *client) reply(out outbound) {
	out.At = time.Now().UTC()
	data, err := json.Marshal(out)
	if err != nil {
		c.hub.logger.Error("ws: marshal reply", slog.String("error", err.Error()))
		return
	}
	if !c.enqueue(data) {
		c.hub.logger.Warn("ws: dropping reply for slow client", slog.String("user_id", c.userID))
	}
}

// writePump writes queued messages as text frames and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
