package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"actorcluster/internal/logging"
	"actorcluster/pkg/grain"
)

// MetricsObserver is the push-pull gauge contract the orchestrator drives.
// Concrete implementations (Prometheus, in this module) register callbacks
// at Attach and unregister them at Detach; the orchestrator never reaches
// into a specific metrics backend directly.
type MetricsObserver interface {
	Attach(ctx context.Context, members func() int, virtualActors func(kind string) int64, kinds []string)
	Detach()
}

// OrchestratorConfig collects every tunable the orchestrator needs to wire
// its components.
type OrchestratorConfig struct {
	SelfID              string
	SelfAddress         string
	IsClient            bool
	Kinds               []ClusterKind
	MemberHealthTimeout time.Duration
	Gossip              GossipConfig
	HashRing            HashRingConfig
	PidCacheClearInterval time.Duration
	PidCacheTTL         time.Duration
	ReservationTTL      time.Duration
	ClusterContext      ClusterContextConfig
}

// Orchestrator sequences startup and shutdown of every cluster-core
// component, per the component-design's ordering contract. It owns every
// component outright: subscriptions are registered here at startup and
// disposed here at shutdown, so no component ever holds an owning reference
// back to another.
type Orchestrator struct {
	config OrchestratorConfig

	provider  Provider
	transport Transport
	store     IdentityStore
	metrics   MetricsObserver

	registry *ClusterKindRegistry
	members  *MemberList
	ring     *HashRing
	gossiper *Gossiper
	pidCache *PidCache
	lookup   *PartitionIdentityLookup
	cc       *ClusterContext

	runCtx    context.Context
	runCancel context.CancelFunc
}

// NewOrchestrator constructs an orchestrator from its external
// collaborators and configuration. None of the components are started
// until Start is called.
func NewOrchestrator(config OrchestratorConfig, provider Provider, transport Transport, store IdentityStore, metrics MetricsObserver) (*Orchestrator, error) {
	if provider == nil || transport == nil || store == nil {
		return nil, fmt.Errorf("%w: provider, transport, and identity store are all required", ErrConfiguration)
	}
	return &Orchestrator{
		config:    config,
		provider:  provider,
		transport: transport,
		store:     store,
		metrics:   metrics,
	}, nil
}

// Start runs the ten-step startup sequence from the component design.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runCtx, o.runCancel = context.WithCancel(context.Background())

	// 1. Instantiate registry (registering built-ins for non-clients).
	o.registry = NewClusterKindRegistry(o.config.Kinds, o.config.IsClient)

	// 2. Start the remote transport.
	if err := o.transport.Start(ctx, o.config.SelfAddress, o.handleTransportRequest); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}

	// 3. Instantiate MemberList and subscribe PidCache.RemoveByMember to
	// topology events.
	o.pidCache = NewPidCache()
	o.members = NewMemberList(o.config.SelfID, o.config.MemberHealthTimeout, o.fence)
	o.ring = NewHashRing(o.config.HashRing)
	o.members.Subscribe(o.handleTopologyChange)

	// 4. Build ClusterContext (constructed after PidCache/lookup exist,
	// wired once IdentityLookup is ready below).

	// 5. Initialize IdentityLookup with the registered kind names.
	o.lookup = NewPartitionIdentityLookup(o.config.SelfAddress, o.registry, o.ring, o.store, o.transport, o.config.ReservationTTL)
	if err := o.lookup.Setup(ctx, o.registry.AllNames(), o.config.IsClient); err != nil {
		return fmt.Errorf("setting up identity lookup: %w", err)
	}
	o.cc = NewClusterContext(o.pidCache, o.lookup, o.transport, o.config.ClusterContext)

	// 6. Spawn the identity-activator supervisor actor: modeled here as the
	// background cache-cleanup loop, the closest analogue this module has
	// to a standing supervisor task.
	o.pidCache.RunCleanup(o.runCtx, o.config.PidCacheClearInterval, o.config.PidCacheTTL)

	// 7. Start pub/sub: the "topic" kind registered in step 1 is the
	// pub/sub anchor; nothing further to start explicitly.

	// 8. Start Gossiper and initialize its consensus generation.
	o.gossiper = NewGossiper(o.config.SelfID, o.transport, o.config.Gossip, o.members.Current)
	o.gossiper.StartAsync(o.runCtx)
	o.gossiper.NewGeneration()

	if o.metrics != nil {
		o.metrics.Attach(o.runCtx,
			func() int { return len(o.members.Current()) },
			o.registry.ActiveCount,
			o.registry.AllNames())
	}

	// 9. Start the cluster provider in member or client mode.
	var err error
	if o.config.IsClient {
		err = o.provider.StartClient(ctx, o.members.Callbacks())
	} else {
		err = o.provider.StartMember(ctx, o.members.Callbacks())
	}
	if err != nil {
		return fmt.Errorf("starting provider: %w", err)
	}

	go o.members.MonitorHealth(o.runCtx)

	// 10. Await the MemberList.Started signal.
	select {
	case <-o.members.Started():
	case <-ctx.Done():
		return ctx.Err()
	}

	logging.Info(ctx, logging.ComponentOrchestrator, logging.ActionStart, "cluster started",
		map[string]interface{}{"self": o.config.SelfID, "address": o.config.SelfAddress})
	return nil
}

// handleTopologyChange is MemberList's TopologyHandler. It runs
// synchronously inside seenAlive/seenDead (§4.1), so RemoveByMember for
// every departed member is guaranteed to complete before the provider
// callback that triggered the departure returns — no window exists where a
// concurrent lookup could observe a PidCache entry pointing at a member
// that has already left the topology (§4.4).
func (o *Orchestrator) handleTopologyChange(event MembershipEvent) {
	for _, left := range event.Topology.Left {
		o.pidCache.RemoveByMember(left.Address)
	}
	o.ring.ApplyTopology(event.Topology)
	// Subscribe happens before the Gossiper is constructed (step 3 vs
	// step 8), so the very first snapshot — the local member seeing
	// itself alive during startup — can fire before o.gossiper exists.
	if o.gossiper != nil {
		o.gossiper.NewGeneration()
	}
}

func (o *Orchestrator) fence() {
	logging.Error(o.runCtx, logging.ComponentOrchestrator, logging.ActionFailover,
		"local member fenced, triggering ungraceful shutdown", ErrMemberFenced)
	go o.Shutdown(context.Background(), false)
}

// Shutdown runs the eight-step shutdown sequence, skipping reservation
// release when graceful is false (the ungraceful path trusts the identity
// store's TTL to reap stale reservations).
func (o *Orchestrator) Shutdown(ctx context.Context, graceful bool) error {
	// 1. Set local gossip state cluster:left.
	if o.gossiper != nil {
		o.gossiper.SetState("cluster:left", "true")

		// 2. Wait 2 x GossipInterval (or until observed by a peer, the
		// supplemented poll-based variant).
		o.gossiper.ShutdownAsync(ctx, o.leftObservedByAnyPeer)
	}

	// 3. Detach metric observers.
	if o.metrics != nil {
		o.metrics.Detach()
	}

	// 4. Stop the hosting actor system: this module hosts no actor runtime
	// of its own; local activations are deactivated by
	// IdentityLookup.Shutdown below, which runs only when graceful is true.

	// 5. Shut down Gossiper: already stopped synchronously by
	// ShutdownAsync above.

	// 6. If graceful, release all identity reservations.
	if graceful && o.lookup != nil {
		if err := o.lookup.Shutdown(ctx); err != nil {
			logging.Warn(ctx, logging.ComponentOrchestrator, logging.ActionCleanup,
				"error releasing identity reservations during graceful shutdown",
				map[string]interface{}{"error": err.Error()})
		}
	}

	// 7. Stop the provider.
	if o.provider != nil {
		if err := o.provider.Shutdown(ctx, graceful); err != nil {
			logging.Warn(ctx, logging.ComponentOrchestrator, logging.ActionStop,
				"provider shutdown reported an error", map[string]interface{}{"error": err.Error()})
		}
	}

	if o.pidCache != nil {
		o.pidCache.StopCleanup()
	}
	if o.runCancel != nil {
		o.runCancel()
	}

	// 8. Stop the remote transport.
	if o.transport != nil {
		if err := o.transport.Stop(ctx); err != nil {
			return fmt.Errorf("stopping transport: %w", err)
		}
	}

	logging.Info(ctx, logging.ComponentOrchestrator, logging.ActionStop, "cluster stopped",
		map[string]interface{}{"self": o.config.SelfID, "graceful": graceful})
	return nil
}

func (o *Orchestrator) leftObservedByAnyPeer(_ context.Context) bool {
	for _, m := range o.members.Current() {
		if m.ID == o.config.SelfID {
			continue
		}
		if o.gossiper.LocalLeftObserved(m.ID) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) handleTransportRequest(ctx context.Context, _ string, kind string, message []byte) ([]byte, error) {
	switch kind {
	case "gossip-pull":
		return o.gossiper.HandlePull(ctx, message)
	case "identity-get":
		return o.lookup.HandleForward(ctx, message)
	case "cluster-request":
		return o.dispatchClusterRequest(ctx, message)
	default:
		return nil, fmt.Errorf("cluster: unrecognized transport message kind %q", kind)
	}
}

type clusterRequestEnvelope struct {
	Kind     string          `json:"kind"`
	Identity string          `json:"identity"`
	Payload  json.RawMessage `json:"payload"`
}

func (o *Orchestrator) dispatchClusterRequest(ctx context.Context, message []byte) ([]byte, error) {
	var envelope clusterRequestEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, err
	}
	identity := ClusterIdentity{Kind: envelope.Kind, Identity: envelope.Identity}

	gctx := &orchestratorGrainContext{kind: envelope.Kind, identity: envelope.Identity, self: RemoteLocation{MemberAddress: o.config.SelfAddress}}
	reply, err := o.lookup.Dispatch(ctx, identity, gctx, json.RawMessage(envelope.Payload))
	if err != nil {
		return nil, err
	}
	return json.Marshal(reply)
}

// Registry exposes the kind registry for callers that need to register
// additional bookkeeping (e.g. metrics) after startup.
func (o *Orchestrator) Registry() *ClusterKindRegistry { return o.registry }

// Context returns the wired ClusterContext for sending requests.
func (o *Orchestrator) Context() *ClusterContext { return o.cc }

type orchestratorGrainContext struct {
	kind     string
	identity string
	self     RemoteLocation
}

func (g *orchestratorGrainContext) Identity() (string, string) { return g.kind, g.identity }
func (g *orchestratorGrainContext) Self() grain.RemoteLocation {
	return grain.RemoteLocation{MemberAddress: g.self.MemberAddress, LocalID: g.self.LocalID}
}
