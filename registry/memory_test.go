package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegistry(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	updates := m.Watch(ctx, "Arith")
	if first := <-updates; len(first) != 0 {
		t.Fatalf("initial list = %v", first)
	}

	m.Register(ctx, "Arith", Instance{HostPort: "b:2"}, time.Second)
	m.Register(ctx, "Arith", Instance{HostPort: "a:1"}, time.Second)
	m.Register(ctx, "Other", Instance{HostPort: "c:3"}, time.Second)

	// Only the latest list is kept for a slow reader.
	latest := <-updates
	if got := HostPorts(latest); len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
		t.Fatalf("latest list = %v", got)
	}

	m.Deregister(ctx, "Arith", "b:2")
	if got := HostPorts(<-updates); len(got) != 1 || got[0] != "a:1" {
		t.Fatalf("after deregister = %v", got)
	}

	list, _ := m.Discover(ctx, "Other")
	if len(list) != 1 || list[0].HostPort != "c:3" {
		t.Fatalf("Discover(Other) = %v", list)
	}

	cancel()
	for range updates {
	}
}
