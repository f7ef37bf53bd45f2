package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/evtrade/bidcore/internal/domain"
	"github.com/evtrade/bidcore/internal/server/middleware"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 << 10

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeJSON marshals v and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error","code":"Internal"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// StatusFor maps an error code onto an HTTP status.
func StatusFor(code string) int {
	switch code {
	case domain.CodeInvalidRequest, domain.CodeInvalidAmount:
		return http.StatusBadRequest
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeTimeout:
		return http.StatusRequestTimeout
	case domain.CodeAuctionNotActive, domain.CodeBidTooLow, domain.CodeStaleBid,
		domain.CodeAlreadyHighestBidder, domain.CodeInsufficientFunds,
		domain.CodeBuyNowUnavailable, domain.CodeConflict, domain.CodeAlreadyExists:
		return http.StatusConflict
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// writeError classifies err and writes the JSON error body. Internal errors
// are logged and their message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	code := domain.ErrorCode(err)
	msg := err.Error()
	if code == domain.CodeInternal {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		msg = "internal server error"
	}
	writeJSON(w, StatusFor(code), errorResponse{Error: msg, Code: code})
}

// badRequest writes a 400 with the InvalidRequest code.
func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Code: domain.CodeInvalidRequest})
}

// decodeJSON reads a size-limited JSON body into dst, rejecting unknown
// fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}

// requireUser returns the authenticated session or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (userID, name string, ok bool) {
	sess, ok := middleware.SessionFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{
			Error: domain.ErrUnauthenticated.Error(),
			Code:  domain.CodeUnauthenticated,
		})
		return "", "", false
	}
	return sess.UserID, sess.Name, true
}

// parseListOpts reads limit (default 50, max 500) and offset.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	limit = min(limit, 500)

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return domain.ListOpts{Limit: limit, Offset: offset}
}
