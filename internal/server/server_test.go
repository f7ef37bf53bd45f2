package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtrade/bidcore/internal/cache/local"
	"github.com/evtrade/bidcore/internal/crypto"
	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/metrics"
	"github.com/evtrade/bidcore/internal/server/handler"
	"github.com/evtrade/bidcore/internal/server/ws"
	"github.com/evtrade/bidcore/internal/service"
	"github.com/evtrade/bidcore/internal/store/memory"
)

type testEnv struct {
	srv    *httptest.Server
	signer *crypto.SessionSigner
	hub    *ws.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)

	store := memory.New()
	locks := local.NewLockManager()
	bus := local.NewBus(1024)
	cache := local.NewAuctionCache()
	cfg := service.BidConfig{LockTimeout: 2 * time.Second, LockTTL: 10 * time.Second}

	ledger := service.NewLedger(store, "VND", logger)
	fanout := service.NewFanout(bus, m, logger)
	settler := service.NewSettler(store, ledger, locks, cache, fanout, nil, nil, m, cfg, logger)
	bids := service.NewBidProcessor(store, ledger, locks, nil, cache, fanout, settler, m, cfg, logger)
	auctions := service.NewAuctionService(store, cache, settler, fanout, logger)

	signer, err := crypto.NewSessionSigner("test-secret-0123456789", "bidcore", time.Hour)
	require.NoError(t, err)

	hub := ws.NewHub(bus, auctions, bids, m, ws.Config{}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	s := NewServer(Config{RequestsPerMinute: 1000}, Handlers{
		Health:   handler.NewHealthHandler("full", map[string]handler.Pinger{"store": store}, logger),
		Auctions: handler.NewAuctionHandler(auctions, bids, logger),
		Wallet:   handler.NewWalletHandler(ledger, logger),
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, signer, local.NewRateLimiter(), hub, logger)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testEnv{srv: srv, signer: signer, hub: hub}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := e.signer.Issue(userID, strings.ToUpper(userID))
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (e *testEnv) createAuction(t *testing.T, seller string) string {
	t.Helper()
	now := time.Now().UTC()
	status, body := e.do(t, http.MethodPost, "/api/auctions", e.token(t, seller), map[string]any{
		"item_id":        "pack-42",
		"starting_price": "1000",
		"step_price":     "100",
		"buy_now_price":  "5000",
		"start_time":     now.Add(-time.Minute),
		"end_time":       now.Add(time.Hour),
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "active", body["status"])
	assert.Equal(t, seller, body["seller_id"])
	return body["id"].(string)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	status, body := e.do(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBiddingOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAuction(t, "seller")
	alice := e.token(t, "alice")

	status, body := e.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", "", map[string]any{"amount": "1100"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, domain.CodeUnauthenticated, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", alice, map[string]any{"amount": "1100"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodeInsufficientFunds, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/wallet/deposit", alice, map[string]any{"amount": "3000", "reference": "topup-1"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "3000", body["balance"])

	status, body = e.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", alice, map[string]any{"amount": "1100"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "1100", body["new_current_price"])
	assert.EqualValues(t, 1, body["total_bids"])
	assert.Equal(t, "ALICE", body["bidder_name"])

	status, body = e.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", alice, map[string]any{"amount": "1300"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodeAlreadyHighestBidder, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", e.token(t, "bob"), map[string]any{"amount": "1150"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodeBidTooLow, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", alice, map[string]any{"amount": "-5"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.CodeInvalidAmount, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/auctions/missing/bids", alice, map[string]any{"amount": "1100"})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, domain.CodeNotFound, body["code"])

	status, body = e.do(t, http.MethodGet, "/api/wallet", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1100", body["held"])
	assert.Equal(t, "1900", body["available"])

	status, body = e.do(t, http.MethodPost, "/api/wallet/withdraw", alice, map[string]any{"amount": "2000", "reference": "out-1"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, domain.CodeInsufficientFunds, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/wallet/withdraw", alice, map[string]any{"amount": "900", "reference": "out-1"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "2100", body["balance"])
	assert.Equal(t, "1000", body["available"])

	status, body = e.do(t, http.MethodGet, "/api/wallet/reconcile", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["consistent"])

	status, body = e.do(t, http.MethodGet, "/api/auctions/"+id+"/state", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1200", body["min_next_bid"])

	status, body = e.do(t, http.MethodGet, "/api/auctions/"+id+"/bids", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["bids"], 1)

	status, body = e.do(t, http.MethodGet, "/api/bids/mine", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["bids"], 1)

	status, body = e.do(t, http.MethodPost, "/api/auctions/"+id+"/cancel", alice, nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, domain.CodeForbidden, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/auctions/"+id+"/cancel", e.token(t, "seller"), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", body["status"])
}

func TestRejectsBadTokensAndBodies(t *testing.T) {
	e := newTestEnv(t)

	status, body := e.do(t, http.MethodGet, "/api/wallet", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, domain.CodeUnauthenticated, body["code"])

	status, body = e.do(t, http.MethodPost, "/api/wallet/deposit", e.token(t, "u1"), map[string]any{"amount": "10", "extra": true})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.CodeInvalidRequest, body["code"])

	status, body = e.do(t, http.MethodGet, "/api/auctions?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, domain.CodeInvalidRequest, body["code"])
}

// wsConn dials the hub as userID.
func (e *testEnv) wsConn(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + e.token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	AuctionID string          `json:"auction_id"`
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

// next reads frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestWebSocketRoomsAndBids(t *testing.T) {
	e := newTestEnv(t)
	id := e.createAuction(t, "seller")
	for _, u := range []string{"alice", "bob"} {
		status, _ := e.do(t, http.MethodPost, "/api/wallet/deposit", e.token(t, u), map[string]any{"amount": "5000"})
		require.Equal(t, http.StatusOK, status)
	}

	resp, err := http.Get(e.srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	watcher := e.wsConn(t, "alice")
	require.NoError(t, watcher.WriteJSON(map[string]string{"action": "join", "auction_id": id, "request_id": "r1"}))
	next(t, watcher, "joined")
	snap := next(t, watcher, string(domain.EventAuctionState))
	assert.Equal(t, "r1", snap.RequestID)
	var state domain.AuctionState
	require.NoError(t, json.Unmarshal(snap.Payload, &state))
	assert.Equal(t, id, state.AuctionID)
	assert.Equal(t, "1000", state.CurrentPrice.String())

	// Alice bids over the socket and gets a private reply.
	require.NoError(t, watcher.WriteJSON(map[string]string{"action": "place_bid", "auction_id": id, "amount": "1100", "request_id": "r2"}))
	var reply frame
	for {
		reply = next(t, watcher, string(domain.EventBidAccepted))
		if reply.RequestID == "r2" {
			break
		}
	}
	assert.Empty(t, reply.Topic)

	// Bob outbids over HTTP: Alice sees the room broadcast and her outbid
	// notice.
	status, body := e.do(t, http.MethodPost, "/api/auctions/"+id+"/bids", e.token(t, "bob"), map[string]any{"amount": "1200"})
	require.Equal(t, http.StatusCreated, status, body)

	// The room broadcast precedes the outbid notice.
	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(5*time.Second)))
	var seen []frame
	broadcastAt, outbidAt := -1, -1
	for broadcastAt < 0 || outbidAt < 0 {
		var f frame
		require.NoError(t, watcher.ReadJSON(&f))
		switch {
		case f.Type == string(domain.EventBidAccepted) && f.Topic != "" && strings.Contains(string(f.Payload), `"BOB"`):
			broadcastAt = len(seen)
		case f.Type == string(domain.EventOutbid):
			outbidAt = len(seen)
		}
		seen = append(seen, f)
	}
	assert.Less(t, broadcastAt, outbidAt)
	assert.Equal(t, domain.AuctionTopic(id), seen[broadcastAt].Topic)

	outbid := seen[outbidAt]
	assert.Equal(t, domain.UserTopic("alice"), outbid.Topic)
	var ev domain.OutbidEvent
	require.NoError(t, json.Unmarshal(outbid.Payload, &ev))
	assert.Equal(t, "alice", ev.OutbidUserID)
	assert.Equal(t, "1100", ev.AmountToRelease.String())

	// A rejected socket bid is reported to the caller only.
	require.NoError(t, watcher.WriteJSON(map[string]string{"action": "place_bid", "auction_id": id, "amount": "1250"}))
	failed := next(t, watcher, "bid_failed")
	assert.Contains(t, string(failed.Payload), domain.CodeBidTooLow)

	require.NoError(t, watcher.WriteJSON(map[string]string{"action": "join", "auction_id": "missing"}))
	errFrame := next(t, watcher, "error")
	assert.Contains(t, string(errFrame.Payload), domain.CodeNotFound)

	assert.Eventually(t, func() bool { return e.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}
