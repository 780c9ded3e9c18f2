package cluster

import (
	"context"
	"sync"
	"time"

	"actorcluster/internal/logging"
)

// TopologyHandler observes an accepted ClusterTopology snapshot. It is
// invoked synchronously from within seenAlive/seenDead, before that
// callback returns to the provider — handlers must not block for long and
// must not call back into MemberList (Subscribe/seenAlive/seenDead), or the
// provider's own callback dispatch would deadlock against itself.
type TopologyHandler func(MembershipEvent)

// MemberList maintains the authoritative local view of cluster membership.
// It consumes raw provider callbacks, diffs the candidate member-id set
// against the previous one, and publishes ClusterTopology snapshots
// synchronously: every subscriber's TopologyHandler runs to completion,
// still inside the provider callback that triggered the change, before
// seenAlive/seenDead returns. This is what lets PidCache.RemoveByMember run
// strictly before any concurrent lookup can observe the new topology
// (§4.1, §4.4): there is no window where the snapshot has swapped but a
// subscriber hasn't yet reacted to it.
type MemberList struct {
	selfID  string
	timeout time.Duration
	onFence func()

	mu      sync.Mutex
	members map[string]Member
	blocked map[string]bool

	started     chan struct{}
	startedOnce sync.Once

	subsMu sync.Mutex
	subs   []TopologyHandler

	lastSeenSelf time.Time
	fenceOnce    sync.Once
}

// NewMemberList creates a MemberList for the given local member ID.
// memberHealthTimeout is the MemberHealthTimeout from §4.1: if the provider
// fails to report the local member alive for longer than this, onFence is
// invoked exactly once (self-fencing). A zero timeout disables the check.
func NewMemberList(selfID string, memberHealthTimeout time.Duration, onFence func()) *MemberList {
	return &MemberList{
		selfID:       selfID,
		timeout:      memberHealthTimeout,
		onFence:      onFence,
		members:      make(map[string]Member),
		blocked:      make(map[string]bool),
		started:      make(chan struct{}),
		lastSeenSelf: time.Now(),
	}
}

// Started returns a channel that is closed once the local member first sees
// itself as alive. Startup should block on this before accepting traffic.
func (ml *MemberList) Started() <-chan struct{} {
	return ml.started
}

// Subscribe registers a topology observer. Subscriptions must be made
// before the provider starts delivering events, per the orchestrator's
// startup ordering (§4.7 step 3). handler is called synchronously for every
// accepted snapshot, from inside seenAlive/seenDead.
func (ml *MemberList) Subscribe(handler TopologyHandler) {
	ml.subsMu.Lock()
	ml.subs = append(ml.subs, handler)
	ml.subsMu.Unlock()
}

// Callbacks returns the ProviderCallbacks this MemberList wants wired to its
// Provider.
func (ml *MemberList) Callbacks() ProviderCallbacks {
	return ProviderCallbacks{
		SeenAlive: ml.seenAlive,
		SeenDead:  ml.seenDead,
	}
}

func (ml *MemberList) seenAlive(id, address string, kinds []string) {
	ml.mu.Lock()
	if ml.blocked[id] {
		// A blocked id must never be re-admitted (topology monotonicity).
		ml.mu.Unlock()
		return
	}
	candidate := ml.members
	next := make(map[string]Member, len(candidate)+1)
	for k, v := range candidate {
		next[k] = v
	}
	next[id] = Member{ID: id, Address: address, Kinds: kinds, Status: StatusAlive}
	event, changed := ml.swapLocked(next)
	if id == ml.selfID {
		ml.lastSeenSelf = time.Now()
		ml.startedOnce.Do(func() { close(ml.started) })
	}
	ml.mu.Unlock()

	// Publish outside ml.mu, but still before seenAlive returns to the
	// provider: every subscriber's handler has run by the time the
	// provider's own callback dispatch moves on, so a concurrent lookup
	// started after this call can never observe a topology that a
	// subscriber (PidCache) hasn't reacted to yet.
	if changed {
		ml.publish(event)
	}
}

func (ml *MemberList) seenDead(id string) {
	ml.mu.Lock()
	if _, ok := ml.members[id]; !ok {
		ml.mu.Unlock()
		return
	}
	next := make(map[string]Member, len(ml.members))
	for k, v := range ml.members {
		if k != id {
			next[k] = v
		}
	}
	ml.blocked[id] = true
	event, changed := ml.swapLocked(next)
	ml.mu.Unlock()

	if changed {
		ml.publish(event)
	}
}

// swapLocked computes the delta against the current set and swaps to it —
// the caller must hold ml.mu. It does not publish; the caller publishes
// after releasing ml.mu so that handlers never run while ml.mu is held
// (avoiding any lock-order hazard if a handler calls back into
// MemberList), while still guaranteeing publication completes before
// seenAlive/seenDead returns to the provider.
func (ml *MemberList) swapLocked(next map[string]Member) (MembershipEvent, bool) {
	var joined, left []Member
	for id, m := range next {
		if _, ok := ml.members[id]; !ok {
			joined = append(joined, m)
		}
	}
	for id, m := range ml.members {
		if _, ok := next[id]; !ok {
			left = append(left, m)
		}
	}
	if len(joined) == 0 && len(left) == 0 {
		return MembershipEvent{}, false // suppress no-op snapshots
	}

	ids := make([]string, 0, len(next))
	for id := range next {
		ids = append(ids, id)
	}
	blockedIDs := make([]string, 0, len(ml.blocked))
	for id := range ml.blocked {
		blockedIDs = append(blockedIDs, id)
	}

	members := make([]Member, 0, len(next))
	for _, m := range next {
		members = append(members, m)
	}

	topology := ClusterTopology{
		TopologyHash: ComputeTopologyHash(ids),
		Members:      members,
		Joined:       joined,
		Left:         left,
		Blocked:      blockedIDs,
	}

	ml.members = next
	return MembershipEvent{Topology: topology}, true
}

// publish invokes every subscriber's handler synchronously, in
// registration order. It must be called with ml.mu NOT held.
func (ml *MemberList) publish(event MembershipEvent) {
	ml.subsMu.Lock()
	subs := append([]TopologyHandler(nil), ml.subs...)
	ml.subsMu.Unlock()

	for _, handler := range subs {
		handler(event)
	}
}

// Current returns a point-in-time snapshot of the member set.
func (ml *MemberList) Current() []Member {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	members := make([]Member, 0, len(ml.members))
	for _, m := range ml.members {
		members = append(members, m)
	}
	return members
}

// AliveIDs returns the IDs of all currently alive members.
func (ml *MemberList) AliveIDs() []string {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	ids := make([]string, 0, len(ml.members))
	for id := range ml.members {
		ids = append(ids, id)
	}
	return ids
}

// MonitorHealth runs the MemberHealthTimeout check until ctx is cancelled.
// A provider that stops reporting the local member alive for longer than
// the configured timeout triggers fenceOnce exactly once.
func (ml *MemberList) MonitorHealth(ctx context.Context) {
	if ml.timeout <= 0 || ml.onFence == nil {
		return
	}
	ticker := time.NewTicker(ml.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ml.mu.Lock()
			stale := time.Since(ml.lastSeenSelf) > ml.timeout
			ml.mu.Unlock()
			if stale {
				ml.fenceOnce.Do(func() {
					logging.Error(ctx, logging.ComponentMembership, logging.ActionFailover,
						"local member health timeout exceeded, fencing", ErrMemberFenced)
					ml.onFence()
				})
				return
			}
		}
	}
}
