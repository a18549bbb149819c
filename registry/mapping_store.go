package registry

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"wsrpc/resolver"
)

// MappingStore shares an obfuscation mapping between servers and clients
// through a single etcd key.
type MappingStore struct {
	client *clientv3.Client
	key    string
	log    *zap.Logger
}

func NewMappingStore(client *clientv3.Client, key string, logger *zap.Logger) *MappingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MappingStore{client: client, key: key, log: logger}
}

// Publish stores t after checking it is a valid mapping.
func (s *MappingStore) Publish(ctx context.Context, t resolver.Table) error {
	if !resolver.Validate(t) {
		return fmt.Errorf("registry: refusing to publish invalid mapping")
	}
	data, err := sonic.ConfigStd.Marshal(t)
	if err != nil {
		return err
	}
	if _, err := s.client.Put(ctx, s.key, string(data)); err != nil {
		return err
	}
	s.log.Info("mapping published", zap.String("key", s.key), zap.Int("services", len(t.Services)))
	return nil
}

// Fetch reads the mapping stored under the key.
func (s *MappingStore) Fetch(ctx context.Context) (resolver.Table, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return resolver.Table{}, err
	}
	if len(resp.Kvs) == 0 {
		return resolver.Table{}, fmt.Errorf("registry: no mapping under %s", s.key)
	}
	var t resolver.Table
	if err := sonic.ConfigStd.Unmarshal(resp.Kvs[0].Value, &t); err != nil {
		return resolver.Table{}, fmt.Errorf("registry: decode mapping: %w", err)
	}
	return t, nil
}

// Sync fetches the mapping into r and keeps importing new versions until
// ctx ends. Versions that fail validation are logged and skipped.
func (s *MappingStore) Sync(ctx context.Context, r *resolver.Resolver) error {
	t, err := s.Fetch(ctx)
	if err != nil {
		return err
	}
	if err := r.Import(t); err != nil {
		return err
	}

	go func() {
		for resp := range s.client.Watch(ctx, s.key) {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var next resolver.Table
				if err := sonic.ConfigStd.Unmarshal(ev.Kv.Value, &next); err != nil {
					s.log.Warn("mapping update not decodable", zap.Error(err))
					continue
				}
				if err := r.Import(next); err != nil {
					s.log.Warn("mapping update rejected", zap.Error(err))
				}
			}
		}
	}()
	return nil
}
