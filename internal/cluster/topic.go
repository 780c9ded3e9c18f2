package cluster

import (
	"context"
	"sync"

	"actorcluster/pkg/grain"
)

// topicBehavior is the built-in pub/sub anchor activated for the "topic"
// kind: every subscriber registers by identity and the grain fans out
// whatever message it receives to all current subscribers.
type topicBehavior struct {
	mu          sync.Mutex
	subscribers map[string]chan any
}

func newTopicBehavior() grain.Behavior {
	return &topicBehavior{subscribers: make(map[string]chan any)}
}

type subscribeMessage struct {
	SubscriberID string
	Inbox        chan any
}

type unsubscribeMessage struct {
	SubscriberID string
}

func (t *topicBehavior) Receive(_ context.Context, _ grain.Context, message any) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch m := message.(type) {
	case subscribeMessage:
		t.subscribers[m.SubscriberID] = m.Inbox
		return nil, nil
	case unsubscribeMessage:
		delete(t.subscribers, m.SubscriberID)
		return nil, nil
	default:
		for _, inbox := range t.subscribers {
			select {
			case inbox <- message:
			default:
			}
		}
		return nil, nil
	}
}

func (t *topicBehavior) Deactivate(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = nil
	return nil
}
