package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evtrade/bidcore/internal/crypto"
	"github.com/evtrade/bidcore/internal/domain"
)

type stubVerifier map[string]error

func (s stubVerifier) Verify(token string) (crypto.Session, error) {
	if err, ok := s[token]; ok && err != nil {
		return crypto.Session{}, err
	}
	if _, ok := s[token]; !ok {
		return crypto.Session{}, crypto.ErrInvalidToken
	}
	return crypto.Session{UserID: "user-" + token}, nil
}

func whoami(w http.ResponseWriter, r *http.Request) {
	sess, ok := SessionFrom(r.Context())
	if !ok {
		_, _ = w.Write([]byte("anonymous"))
		return
	}
	_, _ = w.Write([]byte(sess.UserID))
}

func TestAuth(t *testing.T) {
	h := Auth(stubVerifier{"good": nil, "old": crypto.ErrTokenExpired})(http.HandlerFunc(whoami))

	tests := []struct {
		name     string
		header   string
		query    string
		status   int
		wantBody string
	}{
		{"anonymous", "", "", http.StatusOK, "anonymous"},
		{"bearer", "Bearer good", "", http.StatusOK, "user-good"},
		{"lowercase scheme", "bearer good", "", http.StatusOK, "user-good"},
		{"query token", "", "good", http.StatusOK, "user-good"},
		{"invalid", "Bearer nope", "", http.StatusUnauthorized, ""},
		{"expired", "Bearer old", "", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/wallet?token="+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusOK {
				assert.Equal(t, tt.wantBody, rec.Body.String())
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, domain.CodeUnauthenticated, body["code"])
		})
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"http://localhost:3000"})(http.HandlerFunc(whoami))

	req := httptest.NewRequest(http.MethodOptions, "/api/auctions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/api/auctions", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	assert.True(t, OriginAllowed(nil, "http://anything"))
	assert.True(t, OriginAllowed([]string{"*"}, "http://anything"))
}

type countingLimiter struct {
	allowed map[string]int
	limit   int
	err     error
}

func (c *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.allowed[key]++
	return c.allowed[key] <= c.limit, nil
}

func TestRateLimit(t *testing.T) {
	lim := &countingLimiter{allowed: map[string]int{}, limit: 2}
	logger := slog.New(slog.DiscardHandler)
	h := Auth(stubVerifier{"good": nil})(RateLimit(lim, 2, time.Minute, logger)(http.HandlerFunc(whoami)))

	do := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/auctions", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusOK, do(""))
	assert.Equal(t, http.StatusTooManyRequests, do(""))
	assert.Equal(t, http.StatusOK, do("good"), "users get their own bucket")
	assert.Equal(t, 3, lim.allowed["api:ip:10.0.0.1"])

	lim.err = errors.New("redis down")
	assert.Equal(t, http.StatusOK, do(""), "limiter errors fail open")
}

func TestExtractClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	assert.Equal(t, "192.0.2.1", extractClientIP(req))
	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", extractClientIP(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", extractClientIP(req))
}
