package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/evtrade/bidcore/internal/crypto"
	"github.com/evtrade/bidcore/internal/domain"
)

// TokenVerifier checks a session token.
type TokenVerifier interface {
	Verify(token string) (crypto.Session, error)
}

type sessionKey struct{}

// WithSession returns a copy of ctx carrying sess.
func WithSession(ctx context.Context, sess crypto.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, sess)
}

// SessionFrom returns the session attached by Auth, if any.
func SessionFrom(ctx context.Context) (crypto.Session, bool) {
	sess, ok := ctx.Value(sessionKey{}).(crypto.Session)
	return sess, ok
}

// Auth attaches the caller's session to the request context. Requests without
// a token pass through anonymously and handlers decide whether a session is
// required; a present but invalid or expired token is rejected with 401.
func Auth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractToken(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			sess, err := verifier.Verify(token)
			if err != nil {
				msg := "invalid session token"
				if errors.Is(err, crypto.ErrTokenExpired) {
					msg = "session token expired"
				}
				writeError(w, http.StatusUnauthorized, msg, domain.CodeUnauthenticated)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// ExtractToken reads a bearer token from the Authorization header or, for
// browser WebSocket clients that cannot set headers, the token query
// parameter.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// writeError sends the API's JSON error body.
func writeError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}
