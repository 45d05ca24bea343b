package client

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"

	"peerwire/loadbalance"
	"peerwire/message"
	"peerwire/middleware"
	"peerwire/peer"
	"peerwire/protocol"
	"peerwire/registry"
	"peerwire/server"
	"peerwire/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct {
	calls atomic.Int32
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	a.calls.Add(1)
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	a.calls.Add(1)
	reply.Result = args.A * args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("division by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// startArith serves an Arith on a loopback port and returns its address.
func startArith(t testing.TB, opts server.Options) (string, *Arith) {
	t.Helper()
	arith := &Arith{}
	svr := server.New(opts)
	if err := svr.RegisterService("", arith); err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go svr.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return ln.Addr().String(), arith
}

func TestClientCall(t *testing.T) {
	addr, _ := startArith(t, server.Options{})
	cli := New(Options{})
	defer cli.Close()
	cli.AddPeer("Arith", addr)

	reply, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", &Args{A: 1, B: 2})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %v", reply.Result)
	}

	reply, err = CallJSON[Args, Reply](context.Background(), cli, "Arith", "Multiply", &Args{A: 4, B: 6})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != 24 {
		t.Fatalf("expect 24, got %v", reply.Result)
	}
}

func TestClientApplicationError(t *testing.T) {
	addr, _ := startArith(t, server.Options{})
	cli := New(Options{})
	defer cli.Close()
	cli.AddPeer("Arith", addr)

	_, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Div", &Args{A: 1})
	var appErr *protocol.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("Div by zero = %v, want an application error", err)
	}
}

func TestClientNoPeers(t *testing.T) {
	cli := New(Options{})
	defer cli.Close()
	_, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", &Args{})
	if protocol.SystemErrorCode(err) != protocol.ErrCodeDeclined {
		t.Fatalf("Call without peers = %v, want declined", err)
	}
}

func TestClientRetriesOnAnotherPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	dead := ln.Addr().String()
	ln.Close()
	addr, arith := startArith(t, server.Options{})

	var calls int
	cli := New(Options{
		Peers: peer.Options{Balancer: &loadbalance.RoundRobinBalancer{}},
		Middlewares: []middleware.Middleware{func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Response, error) {
				calls++
				return next(ctx, req)
			}
		}},
	})
	defer cli.Close()
	cli.AddPeer("Arith", dead)
	cli.AddPeer("Arith", addr)

	for i := 1; i <= 4; i++ {
		reply, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", &Args{A: i, B: i * 10})
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if reply.Result != i+i*10 {
			t.Fatalf("request %d: expect %d, got %d", i, i+i*10, reply.Result)
		}
	}
	if n := arith.calls.Load(); n != 4 {
		t.Fatalf("server saw %d calls, want 4", n)
	}
	if calls != 4 {
		t.Fatalf("middleware ran %d times, want once per call", calls)
	}
}

func TestClientNoRetry(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	dead := ln.Addr().String()
	ln.Close()

	var dials atomic.Int32
	cli := New(Options{Peers: peer.Options{
		Dial: func(ctx context.Context, hostPort string, opts transport.Options) (*transport.Conn, error) {
			dials.Add(1)
			return transport.Dial(ctx, hostPort, opts)
		},
	}})
	defer cli.Close()
	cli.AddPeer("Arith", dead)

	_, err = CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", &Args{}, CallOptions{NoRetry: true})
	if protocol.SystemErrorCode(err) != protocol.ErrCodeNetwork {
		t.Fatalf("Call = %v, want network error", err)
	}
	if n := dials.Load(); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}
}

func TestClientRoutingKey(t *testing.T) {
	addrA, arithA := startArith(t, server.Options{})
	addrB, arithB := startArith(t, server.Options{})

	cli := New(Options{Peers: peer.Options{Balancer: loadbalance.NewConsistentHashBalancer()}})
	defer cli.Close()
	cli.AddPeer("Arith", addrA)
	cli.AddPeer("Arith", addrB)

	for i := 0; i < 10; i++ {
		if _, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", &Args{A: i}, CallOptions{RoutingKey: "user-42"}); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	a, b := arithA.calls.Load(), arithB.calls.Load()
	if a+b != 10 || (a != 0 && b != 0) {
		t.Fatalf("calls split %d/%d, want all on one peer", a, b)
	}
}

func TestClientDiscovery(t *testing.T) {
	reg := registry.NewMemory()
	addr1, arith1 := startArith(t, server.Options{Registry: reg})
	addr2, arith2 := startArith(t, server.Options{Registry: reg})

	deadline := time.Now().Add(5 * time.Second)
	for {
		insts, _ := reg.Discover(context.Background(), "Arith")
		if len(insts) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("servers %s and %s never registered", addr1, addr2)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cli := New(Options{
		Discovery: reg,
		Peers:     peer.Options{Balancer: &loadbalance.RoundRobinBalancer{}},
	})
	defer cli.Close()

	for i := 1; i <= 10; i++ {
		reply, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", &Args{A: i, B: i * 10})
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if reply.Result != i+i*10 {
			t.Fatalf("request %d: expect %d, got %d", i, i+i*10, reply.Result)
		}
	}
	if arith1.calls.Load() == 0 || arith2.calls.Load() == 0 {
		t.Fatalf("calls split %d/%d, want both servers used", arith1.calls.Load(), arith2.calls.Load())
	}
	t.Log("Pass discovery through the memory registry")
}

func TestClientWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry(registry.EtcdOptions{
		Endpoints:   []string{"127.0.0.1:2379"},
		DialTimeout: time.Second,
		Prefix:      "/peerwire-client-test/",
	})
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	if _, err := reg.Discover(ctx, "Arith"); err != nil {
		cancel()
		t.Skipf("etcd unavailable: %v", err)
	}
	cancel()

	startArith(t, server.Options{Registry: reg, RegistryTTL: 10 * time.Second})
	cli := New(Options{Discovery: reg})
	defer cli.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		reply, err := CallJSON[Args, Reply](context.Background(), cli, "Arith", "Add", &Args{A: 3, B: 5})
		if err == nil {
			if reply.Result != 8 {
				t.Fatalf("Add: expect 8, got %d", reply.Result)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Call Add failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Log("Full integration test with etcd passed!")
}
