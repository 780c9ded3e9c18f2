package cluster

import (
	"context"
	"time"
)

// ReservationOutcome reports the result of a TryAcquire call.
type ReservationOutcome struct {
	Acquired   bool
	OwnerAddr  string // populated when !Acquired
}

// IdentityStore serializes placement decisions for IdentityLookup. It is the
// arbiter of the unique-activation invariant: whichever caller wins the
// compare-and-set becomes the sole owner until the reservation is released
// or its TTL expires.
type IdentityStore interface {
	// TryAcquire attempts to reserve identity for ownerAddress. If the
	// identity is already held by a live reservation of another owner, it
	// returns Acquired=false with the current owner's address. What a
	// repeated call by the current owner returns depends on the
	// implementation.
	TryAcquire(ctx context.Context, identity ClusterIdentity, ownerAddress string, ttl time.Duration) (ReservationOutcome, error)

	// Release drops a reservation this owner holds. It is a no-op if the
	// reservation is already gone or held by someone else.
	Release(ctx context.Context, identity ClusterIdentity, ownerAddress string) error

	// Lookup returns the current owner address, if any.
	Lookup(ctx context.Context, identity ClusterIdentity) (ownerAddress string, found bool, err error)

	// Refresh extends the TTL of a reservation this owner still holds.
	Refresh(ctx context.Context, identity ClusterIdentity, ownerAddress string, ttl time.Duration) error

	// ReleaseAll drops every reservation held by ownerAddress. Used on
	// graceful shutdown.
	ReleaseAll(ctx context.Context, ownerAddress string) error
}
