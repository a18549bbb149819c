// Package registry is the discovery layer: servers publish the URL they accept
// wsrpc connections on, clients look instances up by service name.
//
//	Key:   /wsrpc/services/{ServiceName}/{URL}
//	Value: JSON-encoded ServiceInstance
package registry

import (
	"context"
	"errors"
)

// ServiceInstance is one server endpoint exposing a service.
type ServiceInstance struct {
	URL     string `json:"url"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Registry stores service instances. Implementations are safe for concurrent use.
type Registry interface {
	// Register publishes instance under serviceName. With ttl > 0 the entry
	// expires unless the registering process stays alive.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, url string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}

// ErrNoInstances is returned by Discover callers that need at least one instance.
var ErrNoInstances = errors.New("registry: no instances available")

const keyPrefix = "/wsrpc/services/"

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}
