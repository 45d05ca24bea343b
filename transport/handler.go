package transport

import (
	"context"

	"peerwire/message"
)

// Handler serves inbound calls. Returning an error sends an error frame whose
// code comes from protocol.SystemErrorCode; application failures are
// reported with a Response whose OK is false.
type Handler interface {
	Handle(ctx context.Context, req *message.Request) (*message.Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Response, error)

// Handle calls f(ctx, req).
func (f HandlerFunc) Handle(ctx context.Context, req *message.Request) (*message.Response, error) {
	return f(ctx, req)
}
