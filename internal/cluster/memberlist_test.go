package cluster

import (
	"sync"
	"testing"
	"time"
)

// eventRecorder is a TopologyHandler that records the most recent snapshot
// delivered to it. Subscription is synchronous (§4.1), so tests never need
// to wait on a channel with a timeout — by the time SeenAlive/SeenDead
// returns, the recorder already holds the event (or doesn't, if the
// snapshot was suppressed as a no-op).
type eventRecorder struct {
	mu     sync.Mutex
	events []MembershipEvent
}

func (r *eventRecorder) handle(event MembershipEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) last(t *testing.T) MembershipEvent {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		t.Fatal("expected a membership event, got none")
	}
	return r.events[len(r.events)-1]
}

func TestMemberListPublishesJoinAndClosesStarted(t *testing.T) {
	ml := NewMemberList("self", 0, nil)
	rec := &eventRecorder{}
	ml.Subscribe(rec.handle)
	cb := ml.Callbacks()

	select {
	case <-ml.Started():
		t.Fatal("Started should not be closed before self is seen alive")
	default:
	}

	cb.SeenAlive("self", "127.0.0.1:7000", []string{"kv"})

	select {
	case <-ml.Started():
	case <-time.After(time.Second):
		t.Fatal("Started was not closed after self was seen alive")
	}

	event := rec.last(t)
	if len(event.Topology.Joined) != 1 || event.Topology.Joined[0].ID != "self" {
		t.Fatalf("expected a join event for self, got %+v", event.Topology)
	}
}

func TestMemberListSuppressesNoOpSnapshots(t *testing.T) {
	ml := NewMemberList("self", 0, nil)
	rec := &eventRecorder{}
	ml.Subscribe(rec.handle)
	cb := ml.Callbacks()

	cb.SeenAlive("self", "127.0.0.1:7000", nil)
	if rec.count() != 1 {
		t.Fatalf("expected 1 event after the first SeenAlive, got %d", rec.count())
	}

	// Re-reporting the exact same member alive is a no-op snapshot and
	// must not publish a second event.
	cb.SeenAlive("self", "127.0.0.1:7000", nil)
	if rec.count() != 1 {
		t.Fatalf("expected no further event for a no-op snapshot, got %d total", rec.count())
	}
}

func TestMemberListBlockedMemberNeverReadmitted(t *testing.T) {
	ml := NewMemberList("self", 0, nil)
	rec := &eventRecorder{}
	ml.Subscribe(rec.handle)
	cb := ml.Callbacks()

	cb.SeenAlive("self", "a:7000", nil)
	cb.SeenAlive("peer", "b:7000", nil)
	if rec.count() != 2 {
		t.Fatalf("expected 2 join events, got %d", rec.count())
	}

	cb.SeenDead("peer")
	leftEvent := rec.last(t)
	if len(leftEvent.Topology.Left) != 1 || leftEvent.Topology.Left[0].ID != "peer" {
		t.Fatalf("expected a left event for peer, got %+v", leftEvent.Topology)
	}

	// Topology monotonicity: a blocked id must never reappear as alive.
	beforeReadmit := rec.count()
	cb.SeenAlive("peer", "b:7000", nil)
	if rec.count() != beforeReadmit {
		t.Fatalf("peer was re-admitted after being blocked: %+v", rec.last(t))
	}

	current := ml.Current()
	for _, m := range current {
		if m.ID == "peer" {
			t.Fatal("peer should not appear in Current() after being blocked")
		}
	}
}

func TestMemberListPublishesSynchronouslyBeforeSeenDeadReturns(t *testing.T) {
	// Regression test: publication used to happen on a buffered channel
	// drained by a separate goroutine, so a subscriber's side effect (here,
	// removing an entry from a shared map) could lag behind SeenDead
	// returning. The handler must observe the departure before SeenDead
	// unblocks its caller.
	ml := NewMemberList("self", 0, nil)
	removed := make(map[string]bool)
	var mu sync.Mutex
	ml.Subscribe(func(event MembershipEvent) {
		mu.Lock()
		defer mu.Unlock()
		for _, left := range event.Topology.Left {
			removed[left.Address] = true
		}
	})
	cb := ml.Callbacks()

	cb.SeenAlive("self", "a:7000", nil)
	cb.SeenAlive("peer", "b:7000", nil)
	cb.SeenDead("peer")

	mu.Lock()
	defer mu.Unlock()
	if !removed["b:7000"] {
		t.Fatal("expected the subscriber to have evicted b:7000 before SeenDead returned")
	}
}

func TestMemberListMonitorHealthFencesOnStaleSelf(t *testing.T) {
	fenced := make(chan struct{})
	ml := NewMemberList("self", 20*time.Millisecond, func() { close(fenced) })

	ctx, cancel := newTestContext()
	defer cancel()
	go ml.MonitorHealth(ctx)

	select {
	case <-fenced:
	case <-time.After(2 * time.Second):
		t.Fatal("expected onFence to be called after the health timeout elapsed")
	}
}

func TestMemberListDisabledHealthCheckNeverFences(t *testing.T) {
	ml := NewMemberList("self", 0, func() { t.Fatal("onFence should never be called with a zero timeout") })
	ctx, cancel := newTestContext()
	defer cancel()

	done := make(chan struct{})
	go func() {
		ml.MonitorHealth(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("MonitorHealth with a zero timeout should return immediately")
	}
}
