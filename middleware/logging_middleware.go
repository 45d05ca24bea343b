package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"peerwire/message"
	"peerwire/protocol"
)

// Logging logs every call with its duration. Failed calls are logged at
// warn level with the error code.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			start := time.Now()
			res, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("service", req.Service),
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case err != nil:
				fields = append(fields, zap.Stringer("code", protocol.SystemErrorCode(err)), zap.Error(err))
				logger.Warn("call failed", fields...)
			case res != nil && !res.OK:
				logger.Info("call returned an application error", fields...)
			default:
				logger.Debug("call", fields...)
			}
			return res, err
		}
	}
}
