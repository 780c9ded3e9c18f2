package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"actorcluster/internal/logging"
	"actorcluster/pkg/grain"
)

// IdentityLookup resolves a ClusterIdentity to a RemoteLocation, activating
// the grain on exactly one member if none is currently active.
type IdentityLookup interface {
	Setup(ctx context.Context, kindNames []string, isClient bool) error
	Get(ctx context.Context, identity ClusterIdentity) (RemoteLocation, error)
	Shutdown(ctx context.Context) error
}

// localActivation is an identity this member currently owns.
type localActivation struct {
	pid      RemoteLocation
	behavior grain.Behavior
}

// PartitionIdentityLookup is the consistent-hashing realization of
// IdentityLookup: ownership is derived from the hash ring, serialized
// through a compare-and-set in the backing IdentityStore, and non-owner
// requests are forwarded to the computed candidate over Transport.
type PartitionIdentityLookup struct {
	selfAddress string
	registry    *ClusterKindRegistry
	ring        *HashRing
	store       IdentityStore
	transport   Transport
	ttl         time.Duration

	mu          sync.Mutex
	activations map[string]*localActivation // identity key -> activation
	shutdown    bool

	// inflight collapses concurrent first-time activation attempts for the
	// same identity into one store.TryAcquire call, so concurrent cold
	// Get/HandleForward calls for an identity this member owns all return
	// the same RemoteLocation instead of racing past the activations-map
	// check and each minting their own LocalID.
	inflight singleflight.Group
}

// NewPartitionIdentityLookup constructs a lookup bound to this member's
// address.
func NewPartitionIdentityLookup(selfAddress string, registry *ClusterKindRegistry, ring *HashRing, store IdentityStore, transport Transport, ttl time.Duration) *PartitionIdentityLookup {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &PartitionIdentityLookup{
		selfAddress: selfAddress,
		registry:    registry,
		ring:        ring,
		store:       store,
		transport:   transport,
		ttl:         ttl,
		activations: make(map[string]*localActivation),
	}
}

// Setup is a no-op for PartitionIdentityLookup: the registry and ring are
// wired at construction. It exists to satisfy the IdentityLookup contract
// for orchestrator symmetry with store-backed realizations that need an
// explicit handshake.
func (l *PartitionIdentityLookup) Setup(_ context.Context, _ []string, _ bool) error {
	return nil
}

// Get resolves identity, activating it locally if this member is the owner
// candidate and no reservation exists yet, or forwarding to the owner
// candidate otherwise.
func (l *PartitionIdentityLookup) Get(ctx context.Context, identity ClusterIdentity) (RemoteLocation, error) {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return RemoteLocation{}, ErrUnavailable
	}
	if act, ok := l.activations[identity.String()]; ok {
		l.mu.Unlock()
		return act.pid, nil
	}
	l.mu.Unlock()

	owner, err := l.ring.Owner(identity)
	if err != nil {
		return RemoteLocation{}, err
	}

	if owner == l.selfOwnerID() {
		return l.activateLocally(ctx, identity)
	}
	return l.forward(ctx, identity, owner)
}

// selfOwnerID exists so tests can drive the ring with member IDs distinct
// from the transport address; production wiring keeps them equal via the
// orchestrator.
func (l *PartitionIdentityLookup) selfOwnerID() string {
	return l.selfAddress
}

// activateLocally returns the existing activation for identity if this
// member already owns it — the same fast path Get takes before ever
// reaching here — so that HandleForward (which has no other entry point)
// can no longer re-run store.TryAcquire, mint a fresh LocalID, and discard
// the grain's existing behavior on a second forwarded request for an
// identity this member already activated. Concurrent first-time callers
// for the same identity are collapsed through l.inflight so they all
// observe the one store.TryAcquire outcome instead of racing each other
// into separate reservations/LocalIDs.
func (l *PartitionIdentityLookup) activateLocally(ctx context.Context, identity ClusterIdentity) (RemoteLocation, error) {
	select {
	case <-ctx.Done():
		return RemoteLocation{}, ctx.Err()
	default:
	}

	key := identity.String()

	l.mu.Lock()
	if act, ok := l.activations[key]; ok {
		l.mu.Unlock()
		return act.pid, nil
	}
	l.mu.Unlock()

	result, err, _ := l.inflight.Do(key, func() (interface{}, error) {
		// A concurrent activation may have completed between the fast-path
		// check above and this closure actually running.
		l.mu.Lock()
		if act, ok := l.activations[key]; ok {
			l.mu.Unlock()
			return act.pid, nil
		}
		l.mu.Unlock()

		kind, err := l.registry.Get(identity.Kind)
		if err != nil {
			return RemoteLocation{}, err
		}

		// The reservation attempt is shared across every collapsed caller,
		// so it runs on its own context rather than any one caller's —
		// cancelling one caller's request must not abort activation for
		// the others waiting on the same identity.
		acquireCtx := context.Background()
		outcome, err := l.store.TryAcquire(acquireCtx, identity, l.selfAddress, l.ttl)
		if err != nil {
			return RemoteLocation{}, err
		}
		if !outcome.Acquired {
			return RemoteLocation{MemberAddress: outcome.OwnerAddr}, nil
		}

		behavior := kind.Factory()
		pid := RemoteLocation{MemberAddress: l.selfAddress, LocalID: uuid.New().String()}

		l.mu.Lock()
		l.activations[key] = &localActivation{pid: pid, behavior: behavior}
		l.mu.Unlock()

		l.registry.IncrementActive(identity.Kind)
		logging.Info(acquireCtx, logging.ComponentPlacement, logging.ActionActivate,
			"activated grain", map[string]interface{}{"identity": key, "address": l.selfAddress})

		return pid, nil
	})
	if err != nil {
		return RemoteLocation{}, err
	}
	return result.(RemoteLocation), nil
}

type forwardRequest struct {
	Kind     string `json:"kind"`
	Identity string `json:"identity"`
}

type forwardResponse struct {
	MemberAddress string `json:"member_address"`
	LocalID       string `json:"local_id"`
}

func (l *PartitionIdentityLookup) forward(ctx context.Context, identity ClusterIdentity, owner string) (RemoteLocation, error) {
	payload, err := json.Marshal(forwardRequest{Kind: identity.Kind, Identity: identity.Identity})
	if err != nil {
		return RemoteLocation{}, err
	}

	target := RemoteLocation{MemberAddress: owner}
	resp, err := l.transport.Request(ctx, target, "identity-get", payload, 5*time.Second)
	if err != nil {
		return RemoteLocation{}, err
	}

	var decoded forwardResponse
	if err := json.Unmarshal(resp, &decoded); err != nil {
		return RemoteLocation{}, err
	}
	return RemoteLocation{MemberAddress: decoded.MemberAddress, LocalID: decoded.LocalID}, nil
}

// HandleForward answers an inbound identity-get forward, running the same
// local activation path a self-owner request would.
func (l *PartitionIdentityLookup) HandleForward(ctx context.Context, request []byte) ([]byte, error) {
	var decoded forwardRequest
	if err := json.Unmarshal(request, &decoded); err != nil {
		return nil, err
	}

	pid, err := l.activateLocally(ctx, ClusterIdentity{Kind: decoded.Kind, Identity: decoded.Identity})
	if err != nil {
		return nil, err
	}
	return json.Marshal(forwardResponse{MemberAddress: pid.MemberAddress, LocalID: pid.LocalID})
}

// Dispatch delivers message to a locally activated grain.
func (l *PartitionIdentityLookup) Dispatch(ctx context.Context, identity ClusterIdentity, gctx grain.Context, message any) (any, error) {
	l.mu.Lock()
	act, ok := l.activations[identity.String()]
	l.mu.Unlock()
	if !ok {
		return nil, ErrDeadLetter
	}
	return act.behavior.Receive(ctx, gctx, message)
}

// Shutdown releases every reservation this member holds locally.
func (l *PartitionIdentityLookup) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.shutdown = true
	activations := l.activations
	l.activations = make(map[string]*localActivation)
	l.mu.Unlock()

	for key, act := range activations {
		_ = act.behavior.Deactivate(ctx)
		_ = key
	}
	return l.store.ReleaseAll(ctx, l.selfAddress)
}
