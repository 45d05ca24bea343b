// Package registry keeps track of which host:ports serve a service.
//
// Servers Register themselves when they start listening; clients Discover
// the current set and Watch for changes to keep their peer lists fresh.
package registry

import (
	"context"
	"time"
)

// Instance is one process serving a service.
type Instance struct {
	HostPort    string `json:"host_port"`
	ProcessName string `json:"process_name,omitempty"`
}

// Registry is the server side: announce and withdraw an instance.
type Registry interface {
	// Register announces inst until Deregister is called or the process
	// stops renewing it for ttl.
	Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error
	Deregister(ctx context.Context, service, hostPort string) error
}

// Discovery is the client side.
type Discovery interface {
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx is
	// done, then closes the channel. Slow readers only see the latest list.
	Watch(ctx context.Context, service string) <-chan []Instance
}

// HostPorts returns the host:port of every instance.
func HostPorts(instances []Instance) []string {
	out := make([]string, len(instances))
	for i, inst := range instances {
		out[i] = inst.HostPort
	}
	return out
}

// offer replaces whatever list is waiting in ch with latest.
func offer(ch chan []Instance, latest []Instance) {
	for {
		select {
		case ch <- latest:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
