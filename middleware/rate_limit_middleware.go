package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"peerwire/message"
	"peerwire/protocol"
)

// RateLimit admits calls through a token bucket of r calls per second
// with the given burst. Calls over the limit fail with a Busy error, which
// callers may retry elsewhere.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			if !limiter.Allow() {
				return nil, protocol.NewSystemError(protocol.ErrCodeBusy, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
