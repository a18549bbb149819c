package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"wsrpc/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring. The same
// key maps to the same instance until the instance set changes, and a change
// only moves the keys of the instances involved.
//
// Each instance owns replicas virtual nodes hashed from "{url}#{i}" so that
// a handful of instances still spread evenly around the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	epoch string   // Sorted URLs the ring was built from
	ring  []uint32 // Sorted hash values
	nodes map[uint32]string
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: 100}
}

// rebuild recreates the ring when instances differ from the last call.
// mu must be held.
func (b *ConsistentHashBalancer) rebuild(instances []registry.ServiceInstance) {
	urls := make([]string, len(instances))
	for i, inst := range instances {
		urls[i] = inst.URL
	}
	sort.Strings(urls)
	epoch := strings.Join(urls, "\n")
	if epoch == b.epoch && b.nodes != nil {
		return
	}

	b.epoch = epoch
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]string, len(urls)*b.replicas)
	for _, url := range urls {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", url, i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = url
		}
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping
// around past the largest hash.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errNoInstances
	}

	b.mu.Lock()
	b.rebuild(instances)
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= hash })
	if idx == len(b.ring) {
		idx = 0
	}
	url := b.nodes[b.ring[idx]]
	b.mu.Unlock()

	for i := range instances {
		if instances[i].URL == url {
			return &instances[i], nil
		}
	}
	return nil, errNoInstances
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
