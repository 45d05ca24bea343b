package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"peerwire/message"
	"peerwire/protocol"
)

// echoHandler answers every call right away.
func echoHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	return &message.Response{OK: true, Arg3: []byte("ok")}, nil
}

// slowHandler takes 200ms unless its context ends first.
func slowHandler(ctx context.Context, req *message.Request) (*message.Response, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return &message.Response{OK: true, Arg3: []byte("ok")}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func addReq() *message.Request {
	return &message.Request{Service: "Arith", Method: "Add"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	res, err := handler(context.Background(), addReq())
	if err != nil || string(res.Arg3) != "ok" {
		t.Fatalf("expect payload 'ok', got %+v, %v", res, err)
	}

	failing := Logging(zap.New(core))(func(context.Context, *message.Request) (*message.Response, error) {
		return nil, protocol.NewSystemError(protocol.ErrCodeBusy, "full")
	})
	failing(context.Background(), addReq())

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("logged %d entries, want 2", len(entries))
	}
	if entries[1].Level != zap.WarnLevel || entries[1].ContextMap()["code"] != "busy" {
		t.Fatalf("failure entry = %+v", entries[1])
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)
	if _, err := handler(context.Background(), addReq()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), addReq())
	if protocol.SystemErrorCode(err) != protocol.ErrCodeTimeout {
		t.Fatalf("expect timeout error, got %v", err)
	}
}

func TestTimeoutUsesTTL(t *testing.T) {
	handler := Timeout(0)(slowHandler)
	req := addReq()
	req.TTL = 30 * time.Millisecond
	start := time.Now()
	_, err := handler(context.Background(), req)
	if protocol.SystemErrorCode(err) != protocol.ErrCodeTimeout {
		t.Fatalf("expect timeout error, got %v", err)
	}
	if time.Since(start) > 150*time.Millisecond {
		t.Fatalf("TTL was not applied")
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is refused
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		if _, err := handler(context.Background(), addReq()); err != nil {
			t.Fatalf("request %d should pass, got error: %v", i, err)
		}
	}
	_, err := handler(context.Background(), addReq())
	if protocol.SystemErrorCode(err) != protocol.ErrCodeBusy {
		t.Fatalf("request 3 should be rate limited, got: %v", err)
	}
}

func TestRecover(t *testing.T) {
	handler := Recover(zap.NewNop())(func(context.Context, *message.Request) (*message.Response, error) {
		panic("boom")
	})
	_, err := handler(context.Background(), addReq())
	if protocol.SystemErrorCode(err) != protocol.ErrCodeUnexpected {
		t.Fatalf("expect unexpected error, got %v", err)
	}
}

func TestRetry(t *testing.T) {
	var peers []string
	flaky := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		a := AttemptsFrom(ctx)
		hp := "peer-" + string(rune('a'+len(a.Tried())))
		a.Record(hp)
		peers = append(peers, hp)
		if len(peers) < 3 {
			return nil, protocol.NewSystemError(protocol.ErrCodeDeclined, "busy elsewhere")
		}
		return &message.Response{OK: true}, nil
	}

	res, err := Retry(3, time.Millisecond, zap.NewNop())(flaky)(context.Background(), addReq())
	if err != nil || !res.OK {
		t.Fatalf("Retry = %+v, %v", res, err)
	}
	if len(peers) != 3 || peers[0] == peers[1] || peers[1] == peers[2] {
		t.Fatalf("attempts went to %v", peers)
	}
}

func TestRetryStops(t *testing.T) {
	calls := 0
	appErr := func(context.Context, *message.Request) (*message.Response, error) {
		calls++
		return nil, &protocol.ApplicationError{Service: "Arith", Method: "Add"}
	}
	Retry(3, time.Millisecond, zap.NewNop())(appErr)(context.Background(), addReq())
	if calls != 1 {
		t.Fatalf("application error retried: %d calls", calls)
	}

	calls = 0
	busy := func(context.Context, *message.Request) (*message.Response, error) {
		calls++
		return nil, protocol.NewSystemError(protocol.ErrCodeBusy, "busy")
	}
	Retry(2, time.Millisecond, zap.NewNop())(busy)(context.Background(), addReq())
	if calls != 3 {
		t.Fatalf("busy retried %d times, want 1 call and 2 retries", calls)
	}

	calls = 0
	req := addReq()
	req.Headers.Set(message.HeaderRetryFlags, "n")
	Retry(2, time.Millisecond, zap.NewNop())(busy)(context.Background(), req)
	if calls != 1 {
		t.Fatalf("re=n still retried: %d calls", calls)
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	handler := Chain(mark("outer"), mark("inner"), Timeout(500*time.Millisecond))(echoHandler)
	if _, err := handler(context.Background(), addReq()); err != nil {
		t.Fatalf("expect no error, got %v", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("order = %v", order)
	}
}
