package loadbalance

import (
	"math/rand/v2"

	"wsrpc/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their weight. Non-positive weights count as 1.
type WeightedRandomBalancer struct{}

func weight(inst registry.ServiceInstance) int {
	return max(inst.Weight, 1)
}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weight(v)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
