package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
)

type failingBus struct{}

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("bus down")
}

func (failingBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("bus down")
}

func TestFanoutEnvelope(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.fanout.Broadcast(ctx, "a1", domain.EventAuctionState, map[string]string{"k": "v"})
	h.fanout.Notify(context.Background(), "u1", "a1", domain.EventOutbid, domain.OutbidEvent{AuctionID: "a1", OutbidUserID: "u1"})

	events := h.drain()
	require.Len(t, events, 2, "a cancelled caller context does not drop events")

	assert.Equal(t, domain.EventAuctionState, events[0].Type)
	assert.Equal(t, "auction:a1", events[0].Topic)
	assert.Equal(t, "a1", events[0].AuctionID)
	assert.JSONEq(t, `{"k":"v"}`, string(events[0].Payload))
	assert.True(t, events[0].At.Equal(testStart))

	assert.Equal(t, "user:u1", events[1].Topic)
	assert.Equal(t, "u1", decodePayload[domain.OutbidEvent](t, events[1]).OutbidUserID)
}

func TestFanoutSwallowsBusErrors(t *testing.T) {
	m := metrics.MustNew(prometheus.NewRegistry())
	f := NewFanout(failingBus{}, m, slog.New(slog.DiscardHandler))
	require.NotPanics(t, func() {
		f.Broadcast(context.Background(), "a1", domain.EventBidAccepted, domain.BidResult{AuctionID: "a1"})
	})

	var nilFanout *Fanout
	require.NotPanics(t, func() {
		nilFanout.Notify(context.Background(), "u1", "", domain.EventFundsReleased, nil)
	})
}
