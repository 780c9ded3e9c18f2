// Package etcdstore implements the cluster core's IdentityStore contract on
// top of etcd's clientv3, using a lease-backed key per identity so a
// reservation is reaped automatically if its owner never refreshes it.
package etcdstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"actorcluster/internal/cluster"
)

const keyPrefix = "/actorcluster/identity/"

// Config configures the etcd client used by Store.
type Config struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// Store is an etcd-backed IdentityStore.
type Store struct {
	client *clientv3.Client

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // identity key -> lease currently backing it
}

// New dials etcd and returns a ready Store.
func New(config Config) (*Store, error) {
	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdstore: connecting to etcd: %w", err)
	}
	return &Store{client: client, leases: make(map[string]clientv3.LeaseID)}, nil
}

// Close releases the underlying etcd client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func identityKey(identity cluster.ClusterIdentity) string {
	return keyPrefix + identity.Kind + "/" + identity.Identity
}

// TryAcquire reserves identity for ownerAddress via a lease-backed
// create-if-absent transaction.
func (s *Store) TryAcquire(ctx context.Context, identity cluster.ClusterIdentity, ownerAddress string, ttl time.Duration) (cluster.ReservationOutcome, error) {
	k := identityKey(identity)

	lease, err := s.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return cluster.ReservationOutcome{}, fmt.Errorf("etcdstore: granting lease: %w", err)
	}

	txn := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, ownerAddress, clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(k))

	resp, err := txn.Commit()
	if err != nil {
		return cluster.ReservationOutcome{}, fmt.Errorf("etcdstore: acquire transaction: %w", err)
	}

	if resp.Succeeded {
		s.mu.Lock()
		s.leases[k] = lease.ID
		s.mu.Unlock()
		return cluster.ReservationOutcome{Acquired: true}, nil
	}

	if _, err := s.client.Revoke(ctx, lease.ID); err != nil {
		return cluster.ReservationOutcome{}, fmt.Errorf("etcdstore: revoking unused lease: %w", err)
	}

	getResp := resp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// Lost a race against a concurrent release; the caller should retry.
		return cluster.ReservationOutcome{}, cluster.ErrOwnerUnknown
	}
	return cluster.ReservationOutcome{Acquired: false, OwnerAddr: string(getResp.Kvs[0].Value)}, nil
}

// Release drops identity's reservation if ownerAddress still holds it.
func (s *Store) Release(ctx context.Context, identity cluster.ClusterIdentity, ownerAddress string) error {
	k := identityKey(identity)

	txn := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(k), "=", ownerAddress)).
		Then(clientv3.OpDelete(k))
	if _, err := txn.Commit(); err != nil {
		return fmt.Errorf("etcdstore: release transaction: %w", err)
	}

	s.mu.Lock()
	delete(s.leases, k)
	s.mu.Unlock()
	return nil
}

// Lookup returns the current owner address, if any.
func (s *Store) Lookup(ctx context.Context, identity cluster.ClusterIdentity) (string, bool, error) {
	resp, err := s.client.Get(ctx, identityKey(identity))
	if err != nil {
		return "", false, fmt.Errorf("etcdstore: lookup: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// Refresh extends the TTL of a held reservation via the lease this process
// granted it.
func (s *Store) Refresh(ctx context.Context, identity cluster.ClusterIdentity, _ string, _ time.Duration) error {
	k := identityKey(identity)

	s.mu.Lock()
	leaseID, ok := s.leases[k]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := s.client.KeepAliveOnce(ctx, leaseID)
	if err != nil {
		return fmt.Errorf("etcdstore: refreshing lease: %w", err)
	}
	return nil
}

// ReleaseAll drops every reservation held by ownerAddress, scanning the
// identity key prefix since etcd has no delete-by-value primitive.
func (s *Store) ReleaseAll(ctx context.Context, ownerAddress string) error {
	resp, err := s.client.Get(ctx, keyPrefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("etcdstore: scanning reservations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, kv := range resp.Kvs {
		if string(kv.Value) != ownerAddress {
			continue
		}
		k := string(kv.Key)
		if _, err := s.client.Delete(ctx, k); err != nil {
			return fmt.Errorf("etcdstore: deleting %s: %w", strings.TrimPrefix(k, keyPrefix), err)
		}
		delete(s.leases, k)
	}
	return nil
}
