package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Registry and Discovery. Entries never expire.
type Memory struct {
	mu       sync.Mutex
	services map[string]map[string]Instance
	watchers map[string][]chan []Instance
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]map[string]Instance),
		watchers: make(map[string][]chan []Instance),
	}
}

func (m *Memory) Register(_ context.Context, service string, inst Instance, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.services[service] == nil {
		m.services[service] = make(map[string]Instance)
	}
	m.services[service][inst.HostPort] = inst
	m.notifyLocked(service)
	return nil
}

func (m *Memory) Deregister(_ context.Context, service, hostPort string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.services[service], hostPort)
	m.notifyLocked(service)
	return nil
}

func (m *Memory) Discover(_ context.Context, service string) ([]Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(service), nil
}

func (m *Memory) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	m.mu.Lock()
	m.watchers[service] = append(m.watchers[service], ch)
	offer(ch, m.listLocked(service))
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		ws := m.watchers[service]
		for i, w := range ws {
			if w == ch {
				m.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (m *Memory) listLocked(service string) []Instance {
	out := make([]Instance, 0, len(m.services[service]))
	for _, inst := range m.services[service] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostPort < out[j].HostPort })
	return out
}

func (m *Memory) notifyLocked(service string) {
	list := m.listLocked(service)
	for _, ch := range m.watchers[service] {
		offer(ch, list)
	}
}
