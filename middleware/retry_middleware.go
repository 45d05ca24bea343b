package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"peerwire/message"
	"peerwire/protocol"
)

// Attempts records the peers a call has been sent to. Retry puts one in
// the context so the handler it wraps can pick a different peer each time.
type Attempts struct {
	mu    sync.Mutex
	tried map[string]struct{}
	n     int
}

type attemptsKey struct{}

// AttemptsFrom returns the Attempts of ctx, or nil outside Retry.
func AttemptsFrom(ctx context.Context) *Attempts {
	a, _ := ctx.Value(attemptsKey{}).(*Attempts)
	return a
}

// Record notes that the current attempt went to hostPort.
func (a *Attempts) Record(hostPort string) {
	a.mu.Lock()
	a.tried[hostPort] = struct{}{}
	a.mu.Unlock()
}

// Tried returns a copy of the peers tried so far.
func (a *Attempts) Tried() map[string]struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]struct{}, len(a.tried))
	for hp := range a.tried {
		out[hp] = struct{}{}
	}
	return out
}

// Count returns the number of attempts started.
func (a *Attempts) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// Retryable reports whether a call that failed with err may be sent
// again. Declined, Busy, Timeout and network errors are retried unless
// the request's "re" header contains "n".
func Retryable(req *message.Request, err error) bool {
	if err == nil {
		return false
	}
	if flags, ok := req.Headers.Get(message.HeaderRetryFlags); ok && strings.Contains(flags, "n") {
		return false
	}
	switch protocol.SystemErrorCode(err) {
	case protocol.ErrCodeDeclined, protocol.ErrCodeBusy, protocol.ErrCodeTimeout, protocol.ErrCodeNetwork:
		return true
	}
	return false
}

// Retry resends retryable failures up to maxRetries times, sleeping
// baseDelay, 2*baseDelay, 4*baseDelay... between attempts.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			a := AttemptsFrom(ctx)
			if a == nil {
				a = &Attempts{tried: make(map[string]struct{})}
				ctx = context.WithValue(ctx, attemptsKey{}, a)
			}

			for i := 0; ; i++ {
				a.mu.Lock()
				a.n++
				a.mu.Unlock()

				res, err := next(ctx, req)
				if i >= maxRetries || !Retryable(req, err) {
					return res, err
				}
				logger.Info("retrying call",
					zap.String("service", req.Service),
					zap.String("method", req.Method),
					zap.Int("attempt", i+1),
					zap.Error(err))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return res, err
				}
			}
		}
	}
}
