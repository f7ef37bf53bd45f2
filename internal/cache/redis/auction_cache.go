package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/evtrade/bidcore/internal/domain"
)

//go:embed scripts/auction_state_cas.lua
var auctionStateCASLua string

// auctionStateTTL keeps ended auctions from lingering in the cache.
const auctionStateTTL = 24 * time.Hour

// AuctionCache implements domain.AuctionCache using Redis hashes at
// "<prefix>:auction_state:{id}". Writes go through a Lua script so the
// version check and the write happen atomically.
type AuctionCache struct {
	c   *Client
	rdb *redis.Client
	cas *redis.Script
}

// NewAuctionCache creates an AuctionCache backed by the given Client.
func NewAuctionCache(c *Client) *AuctionCache {
	return &AuctionCache{c: c, rdb: c.Underlying(), cas: redis.NewScript(auctionStateCASLua)}
}

// Set stores state unless the cached entry already has a newer version.
func (ac *AuctionCache) Set(ctx context.Context, state domain.AuctionState) error {
	args := []interface{}{
		state.Version,
		auctionStateTTL.Milliseconds(),
		"status", string(state.Status),
		"current_price", state.CurrentPrice.String(),
		"min_next_bid", state.MinNextBid.String(),
		"total_bids", strconv.Itoa(state.TotalBids),
		"highest_bidder_id", state.HighestBidderID,
		"end_time", strconv.FormatInt(state.EndTime.UnixNano(), 10),
		"version", strconv.FormatInt(state.Version, 10),
	}
	if err := ac.cas.Run(ctx, ac.rdb, []string{ac.c.auctionStateKey(state.AuctionID)}, args...).Err(); err != nil {
		return fmt.Errorf("redis: set auction state %s: %w", state.AuctionID, err)
	}
	return nil
}

// Get returns the cached state, or domain.ErrNotFound.
func (ac *AuctionCache) Get(ctx context.Context, auctionID string) (domain.AuctionState, error) {
	vals, err := ac.rdb.HGetAll(ctx, ac.c.auctionStateKey(auctionID)).Result()
	if err != nil {
		return domain.AuctionState{}, fmt.Errorf("redis: get auction state %s: %w", auctionID, err)
	}
	if len(vals) == 0 {
		return domain.AuctionState{}, domain.ErrNotFound
	}

	state := domain.AuctionState{
		AuctionID:       auctionID,
		Status:          domain.AuctionStatus(vals["status"]),
		HighestBidderID: vals["highest_bidder_id"],
	}
	if state.CurrentPrice, err = decimal.NewFromString(vals["current_price"]); err != nil {
		return domain.AuctionState{}, fmt.Errorf("redis: parse current_price %s: %w", auctionID, err)
	}
	if state.MinNextBid, err = decimal.NewFromString(vals["min_next_bid"]); err != nil {
		return domain.AuctionState{}, fmt.Errorf("redis: parse min_next_bid %s: %w", auctionID, err)
	}
	if state.TotalBids, err = strconv.Atoi(vals["total_bids"]); err != nil {
		return domain.AuctionState{}, fmt.Errorf("redis: parse total_bids %s: %w", auctionID, err)
	}
	endNano, err := strconv.ParseInt(vals["end_time"], 10, 64)
	if err != nil {
		return domain.AuctionState{}, fmt.Errorf("redis: parse end_time %s: %w", auctionID, err)
	}
	state.EndTime = time.Unix(0, endNano).UTC()
	if state.Version, err = strconv.ParseInt(vals["version"], 10, 64); err != nil {
		return domain.AuctionState{}, fmt.Errorf("redis: parse version %s: %w", auctionID, err)
	}
	return state, nil
}

// Invalidate removes the cached state.
func (ac *AuctionCache) Invalidate(ctx context.Context, auctionID string) error {
	if err := ac.rdb.Del(ctx, ac.c.auctionStateKey(auctionID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate auction state %s: %w", auctionID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.AuctionCache = (*AuctionCache)(nil)
