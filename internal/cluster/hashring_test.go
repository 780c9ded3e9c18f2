package cluster

import (
	"fmt"
	"testing"
)

func topologyOf(ids ...string) ClusterTopology {
	members := make([]Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, Member{ID: id, Address: id + ":7000", Status: StatusAlive})
	}
	return ClusterTopology{Members: members}
}

func TestHashRingOwnerRequiresTopology(t *testing.T) {
	ring := NewHashRing(DefaultHashRingConfig())

	if _, err := ring.Owner(ClusterIdentity{Kind: "kv", Identity: "a"}); err != ErrNoAliveOwner {
		t.Fatalf("expected ErrNoAliveOwner on an empty ring, got %v", err)
	}
}

func TestHashRingOwnerIsStableUntilTopologyChanges(t *testing.T) {
	ring := NewHashRing(DefaultHashRingConfig())
	ring.ApplyTopology(topologyOf("a", "b", "c"))

	identity := ClusterIdentity{Kind: "kv", Identity: "widget-1"}
	owner, err := ring.Owner(identity)
	if err != nil {
		t.Fatalf("Owner: %v", err)
	}

	for i := 0; i < 20; i++ {
		again, err := ring.Owner(identity)
		if err != nil {
			t.Fatalf("Owner: %v", err)
		}
		if again != owner {
			t.Fatalf("owner changed across repeated calls with no topology change: %s != %s", again, owner)
		}
	}
}

func TestHashRingCandidatesAreDistinctAliveMembers(t *testing.T) {
	ring := NewHashRing(DefaultHashRingConfig())
	ring.ApplyTopology(topologyOf("a", "b", "c", "d"))

	identity := ClusterIdentity{Kind: "kv", Identity: "widget-1"}
	candidates := ring.Candidates(identity, 3)
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d: %v", len(candidates), candidates)
	}
	seen := make(map[string]bool)
	for _, c := range candidates {
		if seen[c] {
			t.Fatalf("duplicate candidate %s in %v", c, candidates)
		}
		seen[c] = true
		if !ring.IsAlive(c) {
			t.Fatalf("candidate %s is not alive per IsAlive", c)
		}
	}
}

func TestHashRingExcludesDeadMembers(t *testing.T) {
	ring := NewHashRing(DefaultHashRingConfig())

	members := []Member{
		{ID: "a", Address: "a:7000", Status: StatusAlive},
		{ID: "b", Address: "b:7000", Status: StatusLeft},
	}
	ring.ApplyTopology(ClusterTopology{Members: members})

	for i := 0; i < 50; i++ {
		owner, err := ring.Owner(ClusterIdentity{Kind: "kv", Identity: fmt.Sprintf("key-%d", i)})
		if err != nil {
			t.Fatalf("Owner: %v", err)
		}
		if owner != "a" {
			t.Fatalf("expected every key to land on the sole alive member, got %s", owner)
		}
	}
}

func TestHashRingApplyTopologyInvalidatesLookupCache(t *testing.T) {
	ring := NewHashRing(DefaultHashRingConfig())
	ring.ApplyTopology(topologyOf("a"))

	identity := ClusterIdentity{Kind: "kv", Identity: "widget-1"}
	owner, err := ring.Owner(identity)
	if err != nil || owner != "a" {
		t.Fatalf("expected sole member a as owner, got %s, %v", owner, err)
	}

	ring.ApplyTopology(topologyOf("a", "b", "c", "d", "e", "f", "g", "h"))

	candidates := ring.Candidates(identity, 8)
	if len(candidates) != 8 {
		t.Fatalf("expected candidates to reflect the new topology, got %d", len(candidates))
	}
}

func TestHashRingDistributesAcrossMembers(t *testing.T) {
	ring := NewHashRing(DefaultHashRingConfig())
	ring.ApplyTopology(topologyOf("a", "b", "c"))

	counts := make(map[string]int)
	for i := 0; i < 3000; i++ {
		owner, err := ring.Owner(ClusterIdentity{Kind: "kv", Identity: fmt.Sprintf("key-%d", i)})
		if err != nil {
			t.Fatalf("Owner: %v", err)
		}
		counts[owner]++
	}

	for _, id := range []string{"a", "b", "c"} {
		if counts[id] == 0 {
			t.Fatalf("member %s received no keys at all, distribution is broken: %v", id, counts)
		}
	}
}
