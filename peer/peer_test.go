package peer

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	testingclock "k8s.io/utils/clock/testing"

	"peerwire/health"
	"peerwire/message"
	"peerwire/protocol"
	"peerwire/registry"
	"peerwire/transport"
)

var echo = transport.HandlerFunc(func(_ context.Context, req *message.Request) (*message.Response, error) {
	return &message.Response{OK: true, Arg3: req.Arg3}, nil
})

// pipeDialer connects every dial to an in-process server over net.Pipe.
func pipeDialer(h transport.Handler, dials *atomic.Int32) DialFunc {
	return func(ctx context.Context, hostPort string, opts transport.Options) (*transport.Conn, error) {
		dials.Add(1)
		a, b := net.Pipe()
		transport.Server(b, transport.Options{Handler: h, HostPort: hostPort})
		c := transport.Client(a, opts)
		select {
		case <-c.Ready():
			return c, nil
		case <-ctx.Done():
			c.Close()
			return nil, ctx.Err()
		}
	}
}

func failingDialer(ctx context.Context, hostPort string, _ transport.Options) (*transport.Conn, error) {
	return nil, protocol.WrapSystemError(protocol.ErrCodeNetwork, errors.Errorf("dial %s: connection refused", hostPort))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPeerDialsOnce(t *testing.T) {
	var dials atomic.Int32
	l := NewList(Options{Dial: pipeDialer(echo, &dials)})
	defer l.Close()
	p := l.Add("10.0.0.1:4040")

	if score := p.Score(); score != 0.1 {
		t.Fatalf("score without connections = %v, want 0.1", score)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.Call(context.Background(), &message.Request{Service: "s", Method: "echo", Arg3: []byte("ping")})
			if err != nil || string(res.Arg3) != "ping" {
				t.Errorf("Call = %+v, %v", res, err)
			}
		}()
	}
	wg.Wait()

	if n := dials.Load(); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}
	if p.Connections() != 1 {
		t.Fatalf("Connections() = %d", p.Connections())
	}
	if score := p.Score(); score != 1 {
		t.Fatalf("score when connected = %v, want 1", score)
	}
}

func TestPeerRedialsAfterClose(t *testing.T) {
	var dials atomic.Int32
	l := NewList(Options{Dial: pipeDialer(echo, &dials)})
	defer l.Close()
	p := l.Add("10.0.0.1:4040")

	c, err := p.Conn(context.Background())
	if err != nil {
		t.Fatalf("Conn: %v", err)
	}
	c.Close()
	waitFor(t, "closed connection to leave the pool", func() bool { return p.Connections() == 0 })

	if _, err := p.Call(context.Background(), &message.Request{Service: "s", Method: "echo"}); err != nil {
		t.Fatalf("Call after reconnect: %v", err)
	}
	if n := dials.Load(); n != 2 {
		t.Fatalf("dialed %d times, want 2", n)
	}
}

func TestPeerBreakerTrips(t *testing.T) {
	clk := testingclock.NewFakePassiveClock(time.Unix(0, 0))
	var changes []health.State
	l := NewList(Options{
		Dial:   failingDialer,
		Health: health.Options{Clock: clk, MinRequests: health.NoMinRequests},
		OnHealthChange: func(p *Peer, _, to health.State) {
			changes = append(changes, to)
		},
	})
	defer l.Close()
	p := l.Add("10.0.0.1:4040")

	for i := 0; i < 3; i++ {
		_, err := p.Call(context.Background(), &message.Request{Service: "s", Method: "m"})
		if protocol.SystemErrorCode(err) != protocol.ErrCodeNetwork {
			t.Fatalf("Call = %v, want network error", err)
		}
	}
	clk.SetTime(clk.Now().Add(time.Second))

	_, err := l.Choose("", nil)
	if protocol.SystemErrorCode(err) != protocol.ErrCodeDeclined {
		t.Fatalf("Choose with a tripped peer = %v, want declined", err)
	}
	if p.Health().State() != health.StateUnhealthy {
		t.Fatalf("state = %s", p.Health().State())
	}
	if len(changes) != 1 || changes[0] != health.StateUnhealthy {
		t.Fatalf("health changes = %v", changes)
	}
}

func TestPeerRateLimit(t *testing.T) {
	var dials atomic.Int32
	l := NewList(Options{Dial: pipeDialer(echo, &dials), Rate: 0.001, Burst: 1})
	defer l.Close()
	p := l.Add("10.0.0.1:4040")

	if _, err := p.Call(context.Background(), &message.Request{Service: "s", Method: "m"}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	_, err := p.Call(context.Background(), &message.Request{Service: "s", Method: "m"})
	if protocol.SystemErrorCode(err) != protocol.ErrCodeBusy {
		t.Fatalf("second call = %v, want busy", err)
	}
}

func TestListUpdate(t *testing.T) {
	l := NewList(Options{Dial: failingDialer})
	defer l.Close()

	l.Update([]string{"a:1", "b:2"})
	if l.Len() != 2 {
		t.Fatalf("Len() = %d", l.Len())
	}
	b, _ := l.Get("b:2")

	l.Update([]string{"b:2", "c:3"})
	peers := l.Peers()
	if len(peers) != 2 || peers[0].HostPort() != "b:2" || peers[1].HostPort() != "c:3" {
		t.Fatalf("peers = %v", peers)
	}
	if again, _ := l.Get("b:2"); again != b {
		t.Fatalf("surviving peer was replaced")
	}
	if _, ok := l.Get("a:1"); ok {
		t.Fatalf("a:1 still listed")
	}
}

func TestListChooseExclude(t *testing.T) {
	l := NewList(Options{Dial: failingDialer})
	defer l.Close()
	l.Update([]string{"a:1", "b:2"})

	for i := 0; i < 4; i++ {
		p, err := l.Choose("", map[string]struct{}{"a:1": {}})
		if err != nil {
			t.Fatalf("Choose: %v", err)
		}
		if p.HostPort() != "b:2" {
			t.Fatalf("Choose returned excluded peer %s", p.HostPort())
		}
	}
	if _, err := l.Choose("", map[string]struct{}{"a:1": {}, "b:2": {}}); protocol.SystemErrorCode(err) != protocol.ErrCodeDeclined {
		t.Fatalf("Choose with everything excluded = %v", err)
	}
}

func TestListFollow(t *testing.T) {
	reg := registry.NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Register(ctx, "Arith", registry.Instance{HostPort: "a:1"}, time.Second)

	l := NewList(Options{Dial: failingDialer})
	defer l.Close()
	if err := l.Follow(ctx, reg, "Arith"); err != nil {
		t.Fatalf("Follow: %v", err)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() after Follow = %d", l.Len())
	}

	reg.Register(ctx, "Arith", registry.Instance{HostPort: "b:2"}, time.Second)
	waitFor(t, "b:2 to join", func() bool { _, ok := l.Get("b:2"); return ok })

	reg.Deregister(ctx, "Arith", "a:1")
	waitFor(t, "a:1 to leave", func() bool { _, ok := l.Get("a:1"); return !ok })
}
