package inproc

import (
	"context"
	"testing"
	"time"

	"actorcluster/internal/cluster"
)

func TestStoreTryAcquireIsExclusive(t *testing.T) {
	store := New()
	identity := cluster.ClusterIdentity{Kind: "kv", Identity: "a"}
	ctx := context.Background()

	first, err := store.TryAcquire(ctx, identity, "node-1", time.Minute)
	if err != nil || !first.Acquired {
		t.Fatalf("expected the first acquire to succeed, got %+v, %v", first, err)
	}

	second, err := store.TryAcquire(ctx, identity, "node-2", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if second.Acquired {
		t.Fatal("expected a concurrent acquire by a different owner to fail")
	}
	if second.OwnerAddr != "node-1" {
		t.Fatalf("expected the losing acquire to report the current owner, got %q", second.OwnerAddr)
	}
}

func TestStoreReservationExpiresAfterTTL(t *testing.T) {
	store := New()
	identity := cluster.ClusterIdentity{Kind: "kv", Identity: "a"}
	ctx := context.Background()

	if _, err := store.TryAcquire(ctx, identity, "node-1", time.Millisecond); err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	outcome, err := store.TryAcquire(ctx, identity, "node-2", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !outcome.Acquired {
		t.Fatal("expected the expired reservation to be reclaimable")
	}
}

func TestStoreReleaseOnlyByOwner(t *testing.T) {
	store := New()
	identity := cluster.ClusterIdentity{Kind: "kv", Identity: "a"}
	ctx := context.Background()

	store.TryAcquire(ctx, identity, "node-1", time.Minute)

	if err := store.Release(ctx, identity, "node-2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	owner, found, err := store.Lookup(ctx, identity)
	if err != nil || !found || owner != "node-1" {
		t.Fatalf("a non-owner Release must not drop the reservation, got %q, %v, %v", owner, found, err)
	}

	if err := store.Release(ctx, identity, "node-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, found, _ := store.Lookup(ctx, identity); found {
		t.Fatal("expected the reservation to be gone after the owner releases it")
	}
}

func TestStoreRefreshExtendsTTL(t *testing.T) {
	store := New()
	identity := cluster.ClusterIdentity{Kind: "kv", Identity: "a"}
	ctx := context.Background()

	store.TryAcquire(ctx, identity, "node-1", 20*time.Millisecond)
	if err := store.Refresh(ctx, identity, "node-1", time.Minute); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	outcome, err := store.TryAcquire(ctx, identity, "node-2", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if outcome.Acquired {
		t.Fatal("expected the refreshed reservation to still be held")
	}
}

func TestStoreReleaseAllDropsOnlyThatOwner(t *testing.T) {
	store := New()
	ctx := context.Background()
	a := cluster.ClusterIdentity{Kind: "kv", Identity: "a"}
	b := cluster.ClusterIdentity{Kind: "kv", Identity: "b"}

	store.TryAcquire(ctx, a, "node-1", time.Minute)
	store.TryAcquire(ctx, b, "node-2", time.Minute)

	if err := store.ReleaseAll(ctx, "node-1"); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}

	if _, found, _ := store.Lookup(ctx, a); found {
		t.Fatal("expected node-1's reservation to be released")
	}
	if _, found, _ := store.Lookup(ctx, b); !found {
		t.Fatal("node-2's reservation should be unaffected by node-1's ReleaseAll")
	}
}
