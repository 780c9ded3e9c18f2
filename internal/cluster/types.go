// Package cluster implements the coordination core of a virtual-actor
// runtime: membership, gossip, identity placement, and lifecycle
// orchestration for a dynamic set of cooperating nodes.
package cluster

import (
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"

	"actorcluster/pkg/grain"
)

// GrainFactory constructs a fresh behavior for a newly reserved activation.
type GrainFactory = grain.Factory

// MemberStatus is the lifecycle state of a cluster member.
type MemberStatus int

const (
	StatusJoining MemberStatus = iota
	StatusAlive
	StatusLeaving
	StatusLeft
)

func (s MemberStatus) String() string {
	switch s {
	case StatusJoining:
		return "joining"
	case StatusAlive:
		return "alive"
	case StatusLeaving:
		return "leaving"
	case StatusLeft:
		return "left"
	default:
		return "unknown"
	}
}

// Member is a single participant in the cluster. Equality is by ID; an ID is
// never reused once it appears in a Left or Blocked set.
type Member struct {
	ID      string
	Address string
	Kinds   []string
	Status  MemberStatus
}

// HasKind reports whether the member advertises support for kind.
func (m Member) HasKind(kind string) bool {
	for _, k := range m.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ClusterTopology is an immutable snapshot of the cluster's membership.
type ClusterTopology struct {
	TopologyHash uint64
	Members      []Member
	Joined       []Member
	Left         []Member
	Blocked      []string
}

// ComputeTopologyHash derives a deterministic fingerprint from the sorted
// set of alive member IDs, following the same xxhash-based approach the
// hash ring uses for vnode placement.
func ComputeTopologyHash(ids []string) uint64 {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	digest := xxhash.New()
	for _, id := range sorted {
		digest.Write([]byte(id))
		digest.Write([]byte{0})
	}
	return digest.Sum64()
}

// ClusterIdentity is the cluster-wide primary key of a virtual actor.
type ClusterIdentity struct {
	Kind      string
	Identity  string
	CachedPID *RemoteLocation
}

func (ci ClusterIdentity) String() string {
	return ci.Kind + "/" + ci.Identity
}

// RemoteLocation is the physical address of an activated grain. It is
// opaque to the core and compared by value.
type RemoteLocation struct {
	MemberAddress string
	LocalID       string
}

// GossipValue is a single keyed entry in a member's gossip state.
type GossipValue struct {
	Value    string
	Sequence uint64
}

// GossipState is one member's keyed store, as observed locally.
type GossipState struct {
	Values map[string]GossipValue
}

// PidCacheEntry is a single PidCache record.
type PidCacheEntry struct {
	Identity    ClusterIdentity
	PID         RemoteLocation
	LastTouched time.Time
}

// ClusterKind describes a registered grain kind.
type ClusterKind struct {
	Name           string
	Factory        GrainFactory
	activatedCount int64
}

// MembershipEventType enumerates the kinds of membership transitions.
type MembershipEventType int

const (
	MemberJoined MembershipEventType = iota
	MemberLeft
	MemberBlocked
)

// MembershipEvent is delivered to topology subscribers on every accepted
// snapshot swap.
type MembershipEvent struct {
	Topology ClusterTopology
}
