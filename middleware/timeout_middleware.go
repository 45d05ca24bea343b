package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"peerwire/message"
	"peerwire/protocol"
)

// Timeout bounds a call by the smaller of limit and the request's TTL. A
// zero limit uses the TTL alone. The handler keeps running in the
// background after a timeout, with its context cancelled.
func Timeout(limit time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			d := limit
			if req.TTL > 0 && (d <= 0 || req.TTL < d) {
				d = req.TTL
			}
			if d <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type result struct {
				res *message.Response
				err error
			}
			done := make(chan result, 1)
			go func() {
				res, err := next(ctx, req)
				done <- result{res, err}
			}()

			select {
			case r := <-done:
				return r.res, r.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.Canceled) {
					return nil, protocol.WrapSystemError(protocol.ErrCodeCancelled, ctx.Err())
				}
				return nil, protocol.NewSystemError(protocol.ErrCodeTimeout, "%s::%s timed out after %v", req.Service, req.Method, d)
			}
		}
	}
}
