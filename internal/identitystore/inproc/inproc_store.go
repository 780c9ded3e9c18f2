// Package inproc implements the cluster core's IdentityStore contract as an
// in-process compare-and-set map. It is the default single-process back-end
// (useful for tests and for a single-member "cluster") and the reference
// implementation the etcd-backed store is checked against.
package inproc

import (
	"context"
	"sync"
	"time"

	"actorcluster/internal/cluster"
)

type reservation struct {
	owner   string
	expires time.Time
}

// Store is an in-memory IdentityStore.
type Store struct {
	mu           sync.Mutex
	reservations map[string]reservation
}

// New constructs an empty in-process store.
func New() *Store {
	return &Store{reservations: make(map[string]reservation)}
}

func key(identity cluster.ClusterIdentity) string {
	return identity.String()
}

// TryAcquire reserves identity for ownerAddress if no live reservation
// exists. A repeated call by the current owner refreshes the TTL and
// reports Acquired=true.
func (s *Store) TryAcquire(_ context.Context, identity cluster.ClusterIdentity, ownerAddress string, ttl time.Duration) (cluster.ReservationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(identity)
	now := time.Now()

	if existing, ok := s.reservations[k]; ok && existing.expires.After(now) {
		if existing.owner == ownerAddress {
			s.reservations[k] = reservation{owner: ownerAddress, expires: now.Add(ttl)}
			return cluster.ReservationOutcome{Acquired: true}, nil
		}
		return cluster.ReservationOutcome{Acquired: false, OwnerAddr: existing.owner}, nil
	}

	s.reservations[k] = reservation{owner: ownerAddress, expires: now.Add(ttl)}
	return cluster.ReservationOutcome{Acquired: true}, nil
}

// Release drops identity's reservation if ownerAddress still holds it.
func (s *Store) Release(_ context.Context, identity cluster.ClusterIdentity, ownerAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(identity)
	if existing, ok := s.reservations[k]; ok && existing.owner == ownerAddress {
		delete(s.reservations, k)
	}
	return nil
}

// Lookup returns the current owner, pruning expired reservations lazily.
func (s *Store) Lookup(_ context.Context, identity cluster.ClusterIdentity) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(identity)
	existing, ok := s.reservations[k]
	if !ok {
		return "", false, nil
	}
	if existing.expires.Before(time.Now()) {
		delete(s.reservations, k)
		return "", false, nil
	}
	return existing.owner, true, nil
}

// Refresh extends a held reservation's TTL.
func (s *Store) Refresh(_ context.Context, identity cluster.ClusterIdentity, ownerAddress string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(identity)
	existing, ok := s.reservations[k]
	if !ok || existing.owner != ownerAddress {
		return nil
	}
	existing.expires = time.Now().Add(ttl)
	s.reservations[k] = existing
	return nil
}

// ReleaseAll drops every reservation held by ownerAddress.
func (s *Store) ReleaseAll(_ context.Context, ownerAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.reservations {
		if r.owner == ownerAddress {
			delete(s.reservations, k)
		}
	}
	return nil
}
