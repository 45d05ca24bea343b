package registry

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry and Discovery on etcd v3.
//
//	Key:   /peerwire/{service}/{host:port}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry is removed with it.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease of our own registrations
}

// EtcdOptions configure an EtcdRegistry.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Prefix defaults to "/peerwire/".
	Prefix string
	Logger *zap.Logger
}

// NewEtcdRegistry creates a registry connected to the given etcd endpoints.
// Connecting is lazy; errors surface on first use.
func NewEtcdRegistry(opts EtcdOptions) (*EtcdRegistry, error) {
	if opts.Prefix == "" {
		opts.Prefix = "/peerwire/"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
		Logger:      opts.Logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "etcd client")
	}
	return &EtcdRegistry{
		client: c,
		prefix: opts.Prefix,
		log:    opts.Logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func (r *EtcdRegistry) key(service, hostPort string) string {
	return r.prefix + service + "/" + hostPort
}

// Register stores inst under a lease and keeps the lease alive in the
// background.
func (r *EtcdRegistry) Register(ctx context.Context, service string, inst Instance, ttl time.Duration) error {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := r.client.Grant(ctx, seconds)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return errors.Wrap(err, "encode instance")
	}
	key := r.key(service, inst.HostPort)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "put %s", key)
	}

	// The keepalive outlives ctx; Deregister revokes the lease to stop it.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()
	r.log.Info("registered", zap.String("service", service), zap.String("peer", inst.HostPort))
	return nil
}

// Deregister removes an instance. Our own registrations are removed by
// revoking their lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, hostPort string) error {
	key := r.key(service, hostPort)
	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return errors.Wrapf(err, "revoke lease of %s", key)
		}
		return nil
	}
	_, err := r.client.Delete(ctx, key)
	return errors.Wrapf(err, "delete %s", key)
}

// Discover returns all currently registered instances of service.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	prefix := r.prefix + service + "/"
	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "get %s", prefix)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the instance list after every change under the service
// prefix. The first list is sent right away.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	prefix := r.prefix + service + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())
		if instances, err := r.Discover(ctx, service); err == nil {
			offer(ch, instances)
		}
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch error", zap.String("service", service), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn("rediscover after watch event", zap.String("service", service), zap.Error(err))
				continue
			}
			offer(ch, instances)
		}
	}()
	return ch
}

// Close closes the etcd client. Leases of registered instances expire on
// their own.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
