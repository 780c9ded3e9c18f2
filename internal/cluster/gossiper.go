package cluster

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"actorcluster/internal/logging"
)

const gossipLeftKey = "cluster:left"

// GossipConfig configures the anti-entropy tick loop.
type GossipConfig struct {
	GossipInterval time.Duration `yaml:"gossip_interval" json:"gossip_interval"`
	FanOut         int           `yaml:"fan_out" json:"fan_out"`
}

// DefaultGossipConfig returns the spec's documented defaults.
func DefaultGossipConfig() GossipConfig {
	return GossipConfig{GossipInterval: 300 * time.Millisecond, FanOut: 3}
}

// ConsensusCheck is a registered predicate over gossip state. Reached is
// called with the value every alive member agrees on once every alive
// member's value for Key passes Agree against the first observed value.
type ConsensusCheck struct {
	Key     string
	Agree   func(a, b string) bool
	Reached func(generation uint64, value string)
}

// vectorClock summarizes the highest sequence observed for every member.
type vectorClock map[string]uint64

type gossipDelta struct {
	Member   string `json:"member"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	Sequence uint64 `json:"sequence"`
}

// pullRequest is push-pull, not pull-only: it carries the requester's own
// clock (so the responder knows what to send back) AND a snapshot of the
// requester's own known deltas (so the responder actually learns what the
// requester knows, rather than the exchange only ever flowing one way).
type pullRequest struct {
	Clock  vectorClock   `json:"clock"`
	Deltas []gossipDelta `json:"deltas"`
}

// pullResponse returns what the responder has that the requester's clock
// didn't cover, plus the responder's own clock after merging the
// requester's pushed deltas — an explicit acknowledgment the requester can
// use to confirm a specific peer has absorbed a given state update.
type pullResponse struct {
	Deltas []gossipDelta `json:"deltas"`
	Clock  vectorClock   `json:"clock"`
}

// Gossiper implements the per-member eventually-consistent keyed store and
// the consensus-over-tagged-subset protocol described in the cluster's
// anti-entropy design. It never talks to the membership provider directly:
// peers to gossip with come from whatever AliveMembers func it is given at
// construction, so it composes with any Provider/MemberList pairing.
type Gossiper struct {
	selfID    string
	transport Transport
	config    GossipConfig

	aliveMembers func() []Member // excludes nothing; self filtered by Gossiper

	mu       sync.Mutex
	states   map[string]*GossipState // member id -> state
	clock    vectorClock
	peerAcks map[string]vectorClock // peer id -> that peer's clock as of its last response

	checksMu    sync.Mutex
	checks      []*ConsensusCheck
	generation  uint64
	reachedThis map[string]bool // key -> already published this generation

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewGossiper constructs a Gossiper for the local member.
func NewGossiper(selfID string, transport Transport, config GossipConfig, aliveMembers func() []Member) *Gossiper {
	if config.GossipInterval <= 0 {
		config.GossipInterval = DefaultGossipConfig().GossipInterval
	}
	if config.FanOut <= 0 {
		config.FanOut = DefaultGossipConfig().FanOut
	}
	g := &Gossiper{
		selfID:       selfID,
		transport:    transport,
		config:       config,
		aliveMembers: aliveMembers,
		states:       make(map[string]*GossipState),
		clock:        make(vectorClock),
		peerAcks:     make(map[string]vectorClock),
		reachedThis:  make(map[string]bool),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	g.states[selfID] = &GossipState{Values: make(map[string]GossipValue)}
	return g
}

// SetState writes a value under key for the local member, assigning the
// next sequence number.
func (g *Gossiper) SetState(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state := g.states[g.selfID]
	seq := g.clock[g.selfID] + 1
	state.Values[key] = GossipValue{Value: value, Sequence: seq}
	g.clock[g.selfID] = seq

	g.evaluateConsensusLocked()
}

// GetState reads the last-known value for (member, key) as observed locally.
func (g *Gossiper) GetState(member, key string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.states[member]
	if !ok {
		return "", false
	}
	value, ok := state.Values[key]
	if !ok {
		return "", false
	}
	return value.Value, true
}

// RegisterConsensusCheck adds a predicate evaluated on every state change and
// topology change. It fires at most once per generation.
func (g *Gossiper) RegisterConsensusCheck(check *ConsensusCheck) {
	g.checksMu.Lock()
	g.checks = append(g.checks, check)
	g.checksMu.Unlock()
}

// NewGeneration starts a fresh consensus generation, called by the
// orchestrator whenever MemberList's alive set changes.
func (g *Gossiper) NewGeneration() {
	g.mu.Lock()
	g.generation++
	g.reachedThis = make(map[string]bool)
	g.mu.Unlock()

	g.mu.Lock()
	g.evaluateConsensusLocked()
	g.mu.Unlock()
}

// evaluateConsensusLocked must be called with g.mu held.
func (g *Gossiper) evaluateConsensusLocked() {
	g.checksMu.Lock()
	checks := append([]*ConsensusCheck(nil), g.checks...)
	g.checksMu.Unlock()

	alive := g.aliveMembers()
	if len(alive) == 0 {
		return
	}

	for _, check := range checks {
		if g.reachedThis[check.Key] {
			continue
		}
		var first string
		agreed := true
		sawAll := true
		for _, m := range alive {
			state, ok := g.states[m.ID]
			if !ok {
				sawAll = false
				break
			}
			v, ok := state.Values[check.Key]
			if !ok {
				sawAll = false
				break
			}
			if first == "" {
				first = v.Value
				continue
			}
			if !check.Agree(first, v.Value) {
				agreed = false
				break
			}
		}
		if sawAll && agreed && first != "" {
			g.reachedThis[check.Key] = true
			generation := g.generation
			value := first
			go check.Reached(generation, value)
		}
	}
}

// StartAsync spawns the anti-entropy tick loop.
func (g *Gossiper) StartAsync(ctx context.Context) {
	go g.tickLoop(ctx)
}

func (g *Gossiper) tickLoop(ctx context.Context) {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.config.GossipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.tick(ctx)
		}
	}
}

func (g *Gossiper) tick(ctx context.Context) {
	peers := g.pickPeers()
	for _, peer := range peers {
		if err := g.gossipWith(ctx, peer); err != nil {
			logging.Debug(ctx, logging.ComponentGossip, logging.ActionRetry,
				"gossip exchange failed, will retry next tick",
				map[string]interface{}{"peer": peer.ID, "error": err.Error()})
		}
	}
}

func (g *Gossiper) pickPeers() []Member {
	all := g.aliveMembers()
	candidates := make([]Member, 0, len(all))
	for _, m := range all {
		if m.ID != g.selfID {
			candidates = append(candidates, m)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	fanOut := g.config.FanOut
	if fanOut > len(candidates) {
		fanOut = len(candidates)
	}
	return candidates[:fanOut]
}

func (g *Gossiper) gossipWith(ctx context.Context, peer Member) error {
	g.mu.Lock()
	clock := make(vectorClock, len(g.clock))
	for k, v := range g.clock {
		clock[k] = v
	}
	var deltas []gossipDelta
	for member, state := range g.states {
		for key, v := range state.Values {
			deltas = append(deltas, gossipDelta{Member: member, Key: key, Value: v.Value, Sequence: v.Sequence})
		}
	}
	g.mu.Unlock()

	payload, err := json.Marshal(pullRequest{Clock: clock, Deltas: deltas})
	if err != nil {
		return err
	}

	target := RemoteLocation{MemberAddress: peer.Address}
	resp, err := g.transport.Request(ctx, target, "gossip-pull", payload, g.config.GossipInterval*2)
	if err != nil {
		return err
	}

	var decoded pullResponse
	if err := json.Unmarshal(resp, &decoded); err != nil {
		return err
	}
	g.mergeDeltas(decoded.Deltas)

	g.mu.Lock()
	g.peerAcks[peer.ID] = decoded.Clock
	g.mu.Unlock()
	return nil
}

// mergeDeltas folds a batch of remote deltas into local state, keeping the
// higher sequence per (member, key) — last-writer-wins by sequence.
func (g *Gossiper) mergeDeltas(deltas []gossipDelta) {
	if len(deltas) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, d := range deltas {
		state, ok := g.states[d.Member]
		if !ok {
			state = &GossipState{Values: make(map[string]GossipValue)}
			g.states[d.Member] = state
		}
		existing, ok := state.Values[d.Key]
		if ok && existing.Sequence >= d.Sequence {
			continue
		}
		state.Values[d.Key] = GossipValue{Value: d.Value, Sequence: d.Sequence}
		if d.Sequence > g.clock[d.Member] {
			g.clock[d.Member] = d.Sequence
		}
	}
	g.evaluateConsensusLocked()
}

// HandlePull answers an inbound gossip-pull request. It is push-pull: the
// requester's own deltas are merged first (so this exchange actually
// teaches the responder what the requester knows, including any state the
// requester just set locally, e.g. cluster:left), then the responder
// computes the delta of everything the requester's vector clock does not
// yet have, and returns its own clock post-merge as an acknowledgment.
func (g *Gossiper) HandlePull(_ context.Context, request []byte) ([]byte, error) {
	var decoded pullRequest
	if err := json.Unmarshal(request, &decoded); err != nil {
		return nil, err
	}

	g.mergeDeltas(decoded.Deltas)

	g.mu.Lock()
	var deltas []gossipDelta
	for member, state := range g.states {
		known := decoded.Clock[member]
		for key, v := range state.Values {
			if v.Sequence > known {
				deltas = append(deltas, gossipDelta{Member: member, Key: key, Value: v.Value, Sequence: v.Sequence})
			}
		}
	}
	ackClock := make(vectorClock, len(g.clock))
	for k, v := range g.clock {
		ackClock[k] = v
	}
	g.mu.Unlock()

	return json.Marshal(pullResponse{Deltas: deltas, Clock: ackClock})
}

// ShutdownAsync stops the tick loop, broadcasts a final cluster:left update,
// and waits up to two gossip intervals (or until its own left-state is
// observed by a peer, whichever the caller opts into via waitForObservation)
// for propagation before returning.
func (g *Gossiper) ShutdownAsync(ctx context.Context, waitForObservation func(ctx context.Context) bool) {
	g.stopOnce.Do(func() { close(g.stopCh) })
	<-g.doneCh

	g.SetState(gossipLeftKey, "true")

	deadline := time.NewTimer(2 * g.config.GossipInterval)
	defer deadline.Stop()

	if waitForObservation == nil {
		// Tick loop already stopped, so do one final best-effort push
		// to each peer directly before the bounded wait.
		g.broadcastOnce(ctx)
		<-deadline.C
		return
	}

	poll := time.NewTicker(g.config.GossipInterval / 2)
	defer poll.Stop()

	for {
		// Re-exchange with a fresh set of peers every poll tick, not just
		// once: peerAcks is only populated for peers this member has
		// actually gossiped with since setting cluster:left, so retrying
		// both improves odds of covering peers outside the first fan-out
		// pick and recovers from a single failed exchange.
		g.broadcastOnce(ctx)
		if waitForObservation(ctx) {
			return
		}
		select {
		case <-deadline.C:
			return
		case <-poll.C:
		}
	}
}

func (g *Gossiper) broadcastOnce(ctx context.Context) {
	for _, peer := range g.pickPeers() {
		_ = g.gossipWith(ctx, peer)
	}
}

// LocalLeftObserved reports whether peerID has actually acknowledged the
// local member's current cluster:left sequence — not merely whether the
// local member has set it locally (which is true the instant SetState
// runs, before any peer could possibly know). A peer is considered to
// have observed it once that peer's most recent gossip-pull response
// (recorded in peerAcks, §4.2 push-pull exchange) reports a clock value
// for the local member at or past the sequence cluster:left was set at —
// i.e. the peer's HandlePull has already merged that specific update.
func (g *Gossiper) LocalLeftObserved(peerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	selfState, ok := g.states[g.selfID]
	if !ok {
		return false
	}
	left, ok := selfState.Values[gossipLeftKey]
	if !ok || left.Value != "true" {
		return false
	}

	ack, ok := g.peerAcks[peerID]
	if !ok {
		return false
	}
	return ack[g.selfID] >= left.Sequence
}
