package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// HashRingConfig configures virtual-node density for owner placement.
type HashRingConfig struct {
	VirtualNodeCount int `yaml:"virtual_node_count" json:"virtual_node_count"`
}

// DefaultHashRingConfig returns a production-ready default.
func DefaultHashRingConfig() HashRingConfig {
	return HashRingConfig{VirtualNodeCount: 100}
}

type virtualNode struct {
	hash   uint64
	nodeID string
}

// HashRing resolves an identity to its ordered list of owner candidates by
// consistent hashing over the current topology's alive members. Unlike a
// live-mutated ring, it is rebuilt wholesale from each accepted
// ClusterTopology snapshot: MemberList already does the diffing, so the
// ring only needs to stay consistent with whatever topology it was last
// given.
type HashRing struct {
	config HashRingConfig

	mu     sync.RWMutex
	vnodes []virtualNode
	alive  map[string]bool

	lookupCache map[string][]string
}

// NewHashRing creates an empty ring; call ApplyTopology before any lookups.
func NewHashRing(config HashRingConfig) *HashRing {
	if config.VirtualNodeCount <= 0 {
		config.VirtualNodeCount = DefaultHashRingConfig().VirtualNodeCount
	}
	return &HashRing{
		config:      config,
		alive:       make(map[string]bool),
		lookupCache: make(map[string][]string),
	}
}

// ApplyTopology rebuilds the ring's virtual-node set from the member list of
// a new ClusterTopology. This runs synchronously inside MemberList's
// TopologyHandler dispatch, on whatever goroutine is driving the provider's
// membership callbacks, so no further synchronization with the
// member-diffing logic is required.
func (ring *HashRing) ApplyTopology(topology ClusterTopology) {
	vnodes := make([]virtualNode, 0, len(topology.Members)*ring.config.VirtualNodeCount)
	alive := make(map[string]bool, len(topology.Members))

	for _, m := range topology.Members {
		if m.Status != StatusAlive {
			continue
		}
		alive[m.ID] = true
		for i := 0; i < ring.config.VirtualNodeCount; i++ {
			key := fmt.Sprintf("%s:%d", m.ID, i)
			vnodes = append(vnodes, virtualNode{hash: xxhash.Sum64([]byte(key)), nodeID: m.ID})
		}
	}
	sort.Slice(vnodes, func(i, j int) bool { return vnodes[i].hash < vnodes[j].hash })

	ring.mu.Lock()
	ring.vnodes = vnodes
	ring.alive = alive
	ring.lookupCache = make(map[string][]string)
	ring.mu.Unlock()
}

// Owner returns the single best owner candidate for identity, or
// ErrNoAliveOwner if the ring has no alive members.
func (ring *HashRing) Owner(identity ClusterIdentity) (string, error) {
	candidates := ring.Candidates(identity, 1)
	if len(candidates) == 0 {
		return "", ErrNoAliveOwner
	}
	return candidates[0], nil
}

// Candidates returns up to count distinct alive owner candidates for
// identity, in ring order starting from identity's hash position. Placement
// caches results per ClusterIdentity key until the next ApplyTopology.
func (ring *HashRing) Candidates(identity ClusterIdentity, count int) []string {
	key := identity.String()

	ring.mu.RLock()
	if cached, ok := ring.lookupCache[key]; ok {
		ring.mu.RUnlock()
		if count >= len(cached) {
			return cached
		}
		return cached[:count]
	}
	ring.mu.RUnlock()

	ring.mu.Lock()
	defer ring.mu.Unlock()

	if len(ring.vnodes) == 0 {
		return nil
	}

	keyHash := xxhash.Sum64([]byte(key))
	start := sort.Search(len(ring.vnodes), func(i int) bool {
		return ring.vnodes[i].hash >= keyHash
	})
	if start == len(ring.vnodes) {
		start = 0
	}

	seen := make(map[string]bool)
	candidates := make([]string, 0, count)
	for i := 0; i < len(ring.vnodes) && len(candidates) < len(ring.alive); i++ {
		idx := (start + i) % len(ring.vnodes)
		nodeID := ring.vnodes[idx].nodeID
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		candidates = append(candidates, nodeID)
	}

	ring.lookupCache[key] = candidates
	if count >= len(candidates) {
		return candidates
	}
	return candidates[:count]
}

// IsAlive reports whether id is a current alive member according to the
// most recently applied topology.
func (ring *HashRing) IsAlive(id string) bool {
	ring.mu.RLock()
	defer ring.mu.RUnlock()
	return ring.alive[id]
}
