package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
)

const publishTimeout = 2 * time.Second

// Fanout publishes real-time events onto the signal bus. Delivery is
// best-effort: publish failures are logged and counted but never fail the
// operation that produced the event.
type Fanout struct {
	bus     domain.SignalBus
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// NewFanout creates a Fanout on bus. m may be nil.
func NewFanout(bus domain.SignalBus, m *metrics.Metrics, logger *slog.Logger) *Fanout {
	return &Fanout{
		bus:     bus,
		metrics: m,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "fanout")),
	}
}

// Broadcast sends an event to everyone watching the auction.
func (f *Fanout) Broadcast(ctx context.Context, auctionID string, t domain.EventType, payload any) {
	f.publish(ctx, domain.AuctionTopic(auctionID), auctionID, t, payload)
}

// Notify sends an event to a single user's topic.
func (f *Fanout) Notify(ctx context.Context, userID, auctionID string, t domain.EventType, payload any) {
	f.publish(ctx, domain.UserTopic(userID), auctionID, t, payload)
}

func (f *Fanout) publish(ctx context.Context, topic, auctionID string, t domain.EventType, payload any) {
	if f == nil || f.bus == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		f.fail(ctx, topic, t, err)
		return
	}
	msg, err := json.Marshal(domain.Event{
		Type:      t,
		Topic:     topic,
		AuctionID: auctionID,
		Payload:   raw,
		At:        f.now().UTC(),
	})
	if err != nil {
		f.fail(ctx, topic, t, err)
		return
	}

	// Events describe committed state, so the caller going away must not
	// drop them.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := f.bus.Publish(pubCtx, topic, msg); err != nil {
		f.fail(ctx, topic, t, err)
		return
	}
	f.metrics.IncEvent(string(t), "ok")
}

func (f *Fanout) fail(ctx context.Context, topic string, t domain.EventType, err error) {
	f.metrics.IncEvent(string(t), "error")
	f.logger.WarnContext(ctx, "event publish failed",
		slog.String("topic", topic),
		slog.String("type", string(t)),
		slog.String("error", err.Error()),
	)
}
