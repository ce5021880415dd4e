package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/jmcleod/cmpauth/internal/uuid"
)

type contextKey int

const requestIDKey contextKey = iota

// RequestIDHeader carries the request id on responses.
const RequestIDHeader = "X-Request-Id"

// RequestID assigns every request a fresh id, exposes it on the response
// and stores it on the request context. Client-supplied ids are ignored.
func (a *API) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New()
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
