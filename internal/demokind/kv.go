// Package demokind provides a "kv" grain kind exercising the cluster core
// end to end: each activation owns one localstore.Store and responds to a
// tiny get/set/delete command protocol over ClusterContext.
package demokind

import (
	"context"
	"encoding/json"
	"time"

	"actorcluster/internal/localstore"
	"actorcluster/pkg/grain"
)

// KindName is the registry name this kind is installed under.
const KindName = "kv"

// Command is the wire message a kv grain understands.
type Command struct {
	Op    string        `json:"op"` // "get", "set", "delete"
	Key   string        `json:"key"`
	Value string        `json:"value,omitempty"`
	TTL   time.Duration `json:"ttl,omitempty"`
}

// Result is the wire response for a Command.
type Result struct {
	Found bool   `json:"found"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type behavior struct {
	store *localstore.Store
}

// NewBehavior is the grain.Factory for the kv kind.
func NewBehavior() grain.Behavior {
	return &behavior{store: localstore.New()}
}

func (b *behavior) Receive(_ context.Context, _ grain.Context, message any) (any, error) {
	raw, ok := message.(json.RawMessage)
	if !ok {
		bytes, err := json.Marshal(message)
		if err != nil {
			return Result{Error: err.Error()}, nil
		}
		raw = bytes
	}

	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Result{Error: "malformed command: " + err.Error()}, nil
	}

	switch cmd.Op {
	case "set":
		b.store.Set(cmd.Key, cmd.Value, cmd.TTL)
		return Result{Found: true}, nil
	case "get":
		value, found := b.store.Get(cmd.Key)
		return Result{Found: found, Value: value}, nil
	case "delete":
		b.store.Delete(cmd.Key)
		return Result{Found: true}, nil
	default:
		return Result{Error: "unknown op: " + cmd.Op}, nil
	}
}

func (b *behavior) Deactivate(_ context.Context) error {
	return nil
}
