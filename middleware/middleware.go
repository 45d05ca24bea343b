// Package middleware wraps handlers with cross-cutting behaviour. The same
// shape serves both sides: servers wrap their endpoint dispatch, clients
// wrap the function that sends a call to a peer.
package middleware

import (
	"context"

	"peerwire/message"
)

// HandlerFunc handles one call. It satisfies transport.Handler.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *message.Request) (*message.Response, error) {
	return f(ctx, req)
}

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
