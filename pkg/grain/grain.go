// Package grain defines the minimal surface the cluster core needs from the
// actor runtime that hosts activated grains. The runtime itself (mailboxes,
// supervision, message dispatch) is out of scope for this module; this
// package exists only so ClusterKindRegistry and IdentityLookup have a
// concrete type to activate against.
package grain

import "context"

// Context is handed to a grain behavior on every incoming message. It is
// intentionally narrow: the host actor runtime is an external collaborator,
// not something this module implements.
type Context interface {
	// Identity is the (kind, identity) pair this activation was created
	// for.
	Identity() (kind, identity string)

	// Self is this activation's own location, for replies that need to
	// name their source.
	Self() RemoteLocation
}

// RemoteLocation mirrors cluster.RemoteLocation without importing the
// cluster package, keeping this package dependency-free for embedding in
// external actor-runtime implementations.
type RemoteLocation struct {
	MemberAddress string
	LocalID       string
}

// Behavior is a single grain activation. Receive is called once per inbound
// message; the host runtime guarantees at most one concurrent Receive call
// per activation.
type Behavior interface {
	Receive(ctx context.Context, gctx Context, message any) (reply any, err error)

	// Deactivate is called when the activation is passivated or evicted,
	// giving the behavior a chance to release any local resources.
	Deactivate(ctx context.Context) error
}

// Factory constructs a fresh Behavior for a newly reserved activation.
type Factory func() Behavior
