package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"actorcluster/pkg/grain"
)

// memStore is a minimal in-package IdentityStore fake; the real
// implementation lives in internal/identitystore/inproc, which cannot be
// imported here without an import cycle back into this package.
type memStore struct {
	mu    sync.Mutex
	owner map[string]string
}

func newMemStore() *memStore { return &memStore{owner: make(map[string]string)} }

func (s *memStore) TryAcquire(_ context.Context, identity ClusterIdentity, ownerAddress string, _ time.Duration) (ReservationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := identity.String()
	if existing, ok := s.owner[key]; ok {
		return ReservationOutcome{Acquired: false, OwnerAddr: existing}, nil
	}
	s.owner[key] = ownerAddress
	return ReservationOutcome{Acquired: true}, nil
}

func (s *memStore) Release(_ context.Context, identity ClusterIdentity, ownerAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := identity.String()
	if s.owner[key] == ownerAddress {
		delete(s.owner, key)
	}
	return nil
}

func (s *memStore) Lookup(_ context.Context, identity ClusterIdentity) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, ok := s.owner[identity.String()]
	return owner, ok, nil
}

func (s *memStore) Refresh(context.Context, ClusterIdentity, string, time.Duration) error { return nil }

func (s *memStore) ReleaseAll(_ context.Context, ownerAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, owner := range s.owner {
		if owner == ownerAddress {
			delete(s.owner, key)
		}
	}
	return nil
}

func newSingleMemberLookup(selfAddress string) (*PartitionIdentityLookup, *HashRing) {
	ring := NewHashRing(DefaultHashRingConfig())
	ring.ApplyTopology(topologyOf(selfAddress))

	registry := NewClusterKindRegistry([]ClusterKind{{Name: "kv", Factory: func() grain.Behavior { return echoBehavior{} }}}, false)
	lookup := NewPartitionIdentityLookup(selfAddress, registry, ring, newMemStore(), &scriptedTransport{}, time.Minute)
	return lookup, ring
}

type echoBehavior struct{}

func (echoBehavior) Receive(_ context.Context, _ grain.Context, message any) (any, error) {
	return message, nil
}
func (echoBehavior) Deactivate(context.Context) error { return nil }

func TestPartitionIdentityLookupActivatesLocallyWhenSelfIsOwner(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "kv", Identity: "a"}

	pid, err := lookup.Get(context.Background(), identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if pid.MemberAddress != "node-1" {
		t.Fatalf("expected local activation on node-1, got %+v", pid)
	}
}

func TestPartitionIdentityLookupCachesActivationAcrossCalls(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "kv", Identity: "a"}

	first, err := lookup.Get(context.Background(), identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := lookup.Get(context.Background(), identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.LocalID != second.LocalID {
		t.Fatalf("expected repeated Get for the same identity to return the same activation, got %s != %s", first.LocalID, second.LocalID)
	}
}

func TestPartitionIdentityLookupRejectsUnknownKind(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "nonexistent", Identity: "a"}

	if _, err := lookup.Get(context.Background(), identity); err != ErrUnknownKind {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestPartitionIdentityLookupDispatchReachesActivation(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "kv", Identity: "a"}

	if _, err := lookup.Get(context.Background(), identity); err != nil {
		t.Fatalf("Get: %v", err)
	}

	gctx := &orchestratorGrainContext{kind: "kv", identity: "a", self: RemoteLocation{MemberAddress: "node-1"}}
	reply, err := lookup.Dispatch(context.Background(), identity, gctx, "hello")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reply != "hello" {
		t.Fatalf("expected the echo behavior to return its input, got %v", reply)
	}
}

func TestPartitionIdentityLookupDispatchDeadLettersUnknownActivation(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "kv", Identity: "never-activated"}

	gctx := &orchestratorGrainContext{kind: "kv", identity: "never-activated"}
	if _, err := lookup.Dispatch(context.Background(), identity, gctx, "hello"); err != ErrDeadLetter {
		t.Fatalf("expected ErrDeadLetter for an un-activated identity, got %v", err)
	}
}

func TestPartitionIdentityLookupHandleForwardReusesExistingActivation(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "kv", Identity: "a"}

	request, err := json.Marshal(forwardRequest{Kind: identity.Kind, Identity: identity.Identity})
	if err != nil {
		t.Fatalf("marshal forwardRequest: %v", err)
	}

	firstRaw, err := lookup.HandleForward(context.Background(), request)
	if err != nil {
		t.Fatalf("first HandleForward: %v", err)
	}
	var first forwardResponse
	if err := json.Unmarshal(firstRaw, &first); err != nil {
		t.Fatalf("unmarshal first forwardResponse: %v", err)
	}

	// A second forward for an identity this member already activated must
	// return the same LocalID, not mint a fresh one and silently discard
	// the existing activation's behavior/state.
	secondRaw, err := lookup.HandleForward(context.Background(), request)
	if err != nil {
		t.Fatalf("second HandleForward: %v", err)
	}
	var second forwardResponse
	if err := json.Unmarshal(secondRaw, &second); err != nil {
		t.Fatalf("unmarshal second forwardResponse: %v", err)
	}

	if first.LocalID == "" {
		t.Fatal("expected a non-empty LocalID from the first forward")
	}
	if first.LocalID != second.LocalID || first.MemberAddress != second.MemberAddress {
		t.Fatalf("expected repeated HandleForward to return the same activation, got %+v != %+v", first, second)
	}
}

func TestPartitionIdentityLookupConcurrentForwardsCollapseToOneActivation(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "kv", Identity: "concurrent"}

	request, err := json.Marshal(forwardRequest{Kind: identity.Kind, Identity: identity.Identity})
	if err != nil {
		t.Fatalf("marshal forwardRequest: %v", err)
	}

	const concurrency = 100
	results := make(chan forwardResponse, concurrency)
	errs := make(chan error, concurrency)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, err := lookup.HandleForward(context.Background(), request)
			if err != nil {
				errs <- err
				return
			}
			var resp forwardResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				errs <- err
				return
			}
			results <- resp
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("HandleForward: %v", err)
	}

	var want forwardResponse
	first := true
	for resp := range results {
		if first {
			want = resp
			first = false
			continue
		}
		if resp != want {
			t.Fatalf("expected all concurrent forwards to collapse to one activation, got %+v and %+v", want, resp)
		}
	}
}

func TestPartitionIdentityLookupShutdownReleasesReservationsAndRejectsFurtherGets(t *testing.T) {
	lookup, _ := newSingleMemberLookup("node-1")
	identity := ClusterIdentity{Kind: "kv", Identity: "a"}

	if _, err := lookup.Get(context.Background(), identity); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := lookup.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := lookup.Get(context.Background(), identity); err != ErrUnavailable {
		t.Fatalf("expected ErrUnavailable after shutdown, got %v", err)
	}
}
