package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/kalambet/gardenq/internal/queue"
)

const (
	headerUser  = "X-User-Address"
	headerChain = "X-Chain-ID"
)

func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(auth, prefix) || subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(token)) != 1 {
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type scopeKey struct{}

// RequireScope reads the account and network headers into the request context.
func RequireScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, err := scopeFromHeaders(r.Header)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v (set %s and %s)", err, headerUser, headerChain)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), scopeKey{}, scope)))
	})
}

func scopeFromHeaders(h http.Header) (queue.Scope, error) {
	chain, err := strconv.ParseInt(strings.TrimSpace(h.Get(headerChain)), 10, 64)
	if err != nil {
		return queue.Scope{}, queue.ErrInvalidScope
	}
	scope := queue.NewScope(h.Get(headerUser), chain)
	if err := scope.Validate(); err != nil {
		return queue.Scope{}, err
	}
	return scope, nil
}

func scopeFrom(ctx context.Context) queue.Scope {
	s, _ := ctx.Value(scopeKey{}).(queue.Scope)
	return s
}
