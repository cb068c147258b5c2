package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ScopeHeader     = "X-Scope-ID"
	RequestIDHeader = "X-Request-ID"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	scopeIDKey   contextKey = "scope_id"
	requestIDKey contextKey = "request_id"
)

// NewMiddleware tags each request with a request id and, when the scope
// header names a known scope, the scope id. Missing scopes get 400 and
// unknown ones 403. This identifies callers, it does not authenticate them.
func NewMiddleware(resolver *Resolver, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			scopeID := r.Header.Get(ScopeHeader)
			if scopeID == "" {
				writeError(w, http.StatusBadRequest, "missing "+ScopeHeader+" header")
				return
			}

			if _, err := resolver.Scope(ctx, scopeID); err != nil {
				if errors.Is(err, ErrScopeNotFound) {
					writeError(w, http.StatusForbidden, "unknown scope")
					return
				}
				logger.Error("scope lookup failed", zap.String("scope", scopeID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			ctx = context.WithValue(ctx, scopeIDKey, scopeID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func GetScopeID(ctx context.Context) string {
	if id, ok := ctx.Value(scopeIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithScopeID(ctx context.Context, scopeID string) context.Context {
	return context.WithValue(ctx, scopeIDKey, scopeID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
