// Package loadbalance picks the instance a client connects to for a service.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring affinity to one instance
package loadbalance

import (
	"errors"
	"fmt"

	"wsrpc/registry"
)

// Balancer selects one instance per call. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects one instance from the available list. key identifies the
	// caller's affinity unit (the service name for the client facade);
	// strategies without affinity ignore it.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	Name() string
}

var errNoInstances = fmt.Errorf("loadbalance: %w", registry.ErrNoInstances)

// New returns the balancer called name: "round_robin", "weighted_random" or
// "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("loadbalance: unknown strategy " + name)
}
