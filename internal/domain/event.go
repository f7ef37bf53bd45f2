package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a real-time notification.
type EventType string

const (
	EventBidAccepted      EventType = "bid_accepted"
	EventOutbid           EventType = "outbid"
	EventAuctionStarted   EventType = "auction_started"
	EventAuctionEnded     EventType = "auction_ended"
	EventAuctionCancelled EventType = "auction_cancelled"
	EventAuctionWon       EventType = "auction_won"
	EventAuctionSold      EventType = "auction_sold"
	EventFundsReleased    EventType = "funds_released"
	EventAuctionState     EventType = "auction_state"
)

const (
	auctionTopicPrefix = "auction:"
	userTopicPrefix    = "user:"
)

// AuctionTopic is the broadcast topic for everyone watching an auction.
func AuctionTopic(auctionID string) string {
	return auctionTopicPrefix + auctionID
}

// UserTopic is the direct topic for a single user.
func UserTopic(userID string) string {
	return userTopicPrefix + userID
}

// AuctionTopicPattern and UserTopicPattern match every auction or user topic.
// EventTopicPattern matches both; a single subscription keeps a publisher's
// auction and user events in publish order.
const (
	AuctionTopicPattern = auctionTopicPrefix + "*"
	UserTopicPattern    = userTopicPrefix + "*"
	EventTopicPattern   = "*"
)

// ParseTopic splits a topic into its kind ("auction" or "user") and id.
func ParseTopic(topic string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(topic, auctionTopicPrefix):
		return "auction", strings.TrimPrefix(topic, auctionTopicPrefix), true
	case strings.HasPrefix(topic, userTopicPrefix):
		return "user", strings.TrimPrefix(topic, userTopicPrefix), true
	}
	return "", "", false
}

// Event is the envelope published on the bus and pushed to clients.
type Event struct {
	Type      EventType       `json:"type"`
	Topic     string          `json:"topic"`
	AuctionID string          `json:"auction_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	At        time.Time       `json:"at"`
}

// SettlementEvent is sent to the winner and to the seller after settlement.
type SettlementEvent struct {
	AuctionID string          `json:"auction_id"`
	WinnerID  string          `json:"winner_id"`
	SellerID  string          `json:"seller_id"`
	Amount    decimal.Decimal `json:"amount"`
	BidID     string          `json:"bid_id"`
}

// FundsReleasedEvent tells a user that a hold was returned to them.
type FundsReleasedEvent struct {
	AuctionID string          `json:"auction_id"`
	UserID    string          `json:"user_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}
