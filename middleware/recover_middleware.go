package middleware

import (
	"context"

	"go.uber.org/zap"

	"peerwire/message"
	"peerwire/protocol"
)

// Recover turns a panicking handler into an UnexpectedError.
func Recover(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (res *message.Response, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked",
						zap.String("service", req.Service),
						zap.String("method", req.Method),
						zap.Any("panic", r),
						zap.StackSkip("stack", 1))
					res, err = nil, protocol.NewSystemError(protocol.ErrCodeUnexpected, "%s::%s panicked: %v", req.Service, req.Method, r)
				}
			}()
			return next(ctx, req)
		}
	}
}
