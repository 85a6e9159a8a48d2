// Package kit carries the transport-agnostic endpoint shape shared by the
// MCP tools and the HTTP routes, plus the request-scoped context keys they
// set.
package kit

import (
	"context"
	"log/slog"
	"time"

	"github.com/hazyhaar/domharvest/internal/idgen"
)

// Endpoint is one operation, independent of the transport that reaches it.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware decorates an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}

// WithRequestIDs assigns a request id when the context has none.
func WithRequestIDs(gen idgen.Generator) Middleware {
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			if GetRequestID(ctx) == "" {
				ctx = WithRequestID(ctx, gen())
			}
			return next(ctx, req)
		}
	}
}

// Logging logs the outcome of every call at debug level, failures at warn.
func Logging(logger *slog.Logger, op string) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			attrs := []any{
				"op", op,
				"transport", GetTransport(ctx),
				"request_id", GetRequestID(ctx),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if sid := GetSessionID(ctx); sid != "" {
				attrs = append(attrs, "session", sid)
			}
			if err != nil {
				logger.WarnContext(ctx, "kit: call failed", append(attrs, "error", err)...)
				return resp, err
			}
			logger.DebugContext(ctx, "kit: call", attrs...)
			return resp, nil
		}
	}
}
