package registry

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdRegistry implements Registry on etcd v3. Registrations hang off TTL
// leases kept alive in the background, so a crashed server disappears once
// its lease expires.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger
}

// NewEtcdRegistry connects to endpoints. logger may be nil.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: logger}, nil
}

// Client exposes the etcd client, e.g. to build a MappingStore on the same
// connection.
func (r *EtcdRegistry) Client() *clientv3.Client { return r.client }

func (r *EtcdRegistry) Close() error { return r.client.Close() }

// Register grants a lease, stores the instance under it and keeps the lease
// alive. The keepalive stops when the registry is closed.
//
// The lease id stays local so several servers can share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := sonic.ConfigStd.Marshal(instance)
	if err != nil {
		return err
	}
	key := servicePrefix(serviceName) + instance.URL

	if ttl <= 0 {
		_, err = r.client.Put(ctx, key, string(val))
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives ctx, which only bounds registration.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("service", serviceName), zap.String("url", instance.URL))
	}()
	r.log.Info("service registered", zap.String("service", serviceName), zap.String("url", instance.URL), zap.Int64("ttl", ttl))
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, url string) error {
	_, err := r.client.Delete(ctx, servicePrefix(serviceName)+url)
	return err
}

// Discover returns every instance currently registered for serviceName.
// Entries that do not decode are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := sonic.ConfigStd.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		for resp := range r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix()) {
			if err := resp.Err(); err != nil {
				r.log.Warn("registry watch error", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
