// Package integration exercises the cluster core end to end across two
// in-process members: real HTTP transport, a shared identity store (playing
// the role a networked etcd cluster would play for two real processes),
// and a tiny broadcast membership provider standing in for Serf so the test
// runs deterministically without opening real gossip sockets.
package integration

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"actorcluster/internal/cluster"
	"actorcluster/internal/demokind"
	"actorcluster/internal/identitystore/inproc"
	"actorcluster/internal/transport/httptransport"
	"actorcluster/pkg/grain"
)

// broadcastProvider wires every member sharing the same *hub directly to
// every other member's callbacks, emulating a converged membership view
// without a real discovery protocol.
type hub struct {
	members   []cluster.ProviderCallbacks
	providers []*broadcastProvider
}

func (h *hub) announce(id, address string, kinds []string) {
	for _, cb := range h.members {
		cb.SeenAlive(id, address, kinds)
	}
}

type broadcastProvider struct {
	hub     *hub
	id      string
	address string
	kinds   []string
}

func (p *broadcastProvider) StartMember(_ context.Context, cb cluster.ProviderCallbacks) error {
	for _, existing := range p.hub.providers {
		cb.SeenAlive(existing.id, existing.address, existing.kinds)
	}
	p.hub.providers = append(p.hub.providers, p)
	p.hub.members = append(p.hub.members, cb)
	p.hub.announce(p.id, p.address, p.kinds)
	return nil
}
func (p *broadcastProvider) StartClient(ctx context.Context, cb cluster.ProviderCallbacks) error {
	return p.StartMember(ctx, cb)
}
func (p *broadcastProvider) Shutdown(context.Context, bool) error { return nil }

func freeAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving a free port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return addr
}

func startNode(t *testing.T, id string, h *hub, store cluster.IdentityStore) *cluster.Orchestrator {
	t.Helper()
	address := freeAddr(t)

	provider := &broadcastProvider{hub: h, id: id, address: address, kinds: []string{demokind.KindName}}
	transport := httptransport.New(2 * time.Second)

	orchestrator, err := cluster.NewOrchestrator(cluster.OrchestratorConfig{
		SelfID:                id,
		SelfAddress:           address,
		Kinds:                 []cluster.ClusterKind{{Name: demokind.KindName, Factory: demokind.NewBehavior}},
		Gossip:                cluster.GossipConfig{GossipInterval: 30 * time.Millisecond, FanOut: 2},
		HashRing:              cluster.DefaultHashRingConfig(),
		PidCacheClearInterval: 0,
		PidCacheTTL:           0,
		ReservationTTL:        time.Minute,
		ClusterContext:        cluster.DefaultClusterContextConfig(),
	}, provider, transport, store, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator(%s): %v", id, err)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := orchestrator.Start(startCtx); err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		orchestrator.Shutdown(shutdownCtx, true)
	})
	return orchestrator
}

func TestTwoNodeActivationIsUniqueAndReachableFromEitherNode(t *testing.T) {
	h := &hub{}
	store := inproc.New()

	nodeA := startNode(t, "node-a", h, store)
	nodeB := startNode(t, "node-b", h, store)

	identity := cluster.ClusterIdentity{Kind: demokind.KindName, Identity: "widget-1"}

	setPayload, _ := cluster.MarshalMessage(demokind.Command{Op: "set", Key: "k", Value: "v1"})
	if _, err := nodeA.Context().RequestAsync(context.Background(), identity, setPayload); err != nil {
		t.Fatalf("set via node-a: %v", err)
	}

	getPayload, _ := cluster.MarshalMessage(demokind.Command{Op: "get", Key: "k"})
	reply, err := nodeB.Context().RequestAsync(context.Background(), identity, getPayload)
	if err != nil {
		t.Fatalf("get via node-b: %v", err)
	}

	var result demokind.Result
	if err := unmarshal(reply, &result); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !result.Found || result.Value != "v1" {
		t.Fatalf("expected the same activation to be reachable from either node, got %+v", result)
	}
}

func TestRepeatedRequestFromSameNodeSucceeds(t *testing.T) {
	h := &hub{}
	store := inproc.New()

	nodeA := startNode(t, "node-a", h, store)
	_ = startNode(t, "node-b", h, store)

	identity := cluster.ClusterIdentity{Kind: demokind.KindName, Identity: "widget-2"}
	setPayload, _ := cluster.MarshalMessage(demokind.Command{Op: "set", Key: "k", Value: "v1"})

	if _, err := nodeA.Context().RequestAsync(context.Background(), identity, setPayload); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// A second request for the same identity from the same node must reuse
	// the already-resolved activation rather than re-placing it.
	if _, err := nodeA.Context().RequestAsync(context.Background(), identity, setPayload); err != nil {
		t.Fatalf("second request: %v", err)
	}
}

func unmarshal(payload []byte, v *demokind.Result) error {
	return json.Unmarshal(payload, v)
}
