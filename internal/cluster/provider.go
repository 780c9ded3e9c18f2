package cluster

import "context"

// Provider is the pluggable membership discovery back-end. MemberList feeds
// raw events through to callbacks registered at construction; it never talks
// to the discovery mechanism directly, so concrete providers (Serf,
// Consul, Kubernetes, ...) are sibling implementations selected by
// configuration rather than a type hierarchy.
type Provider interface {
	// StartMember begins participating in the cluster as a full member,
	// delivering seenAlive/seenDead callbacks for every member it
	// observes (including, eventually, itself).
	StartMember(ctx context.Context, cluster ProviderCallbacks) error

	// StartClient begins participating as a client: it observes
	// membership but never advertises itself as a kind-hosting member.
	StartClient(ctx context.Context, cluster ProviderCallbacks) error

	// Shutdown stops the provider. It must be idempotent under repeated
	// calls. graceful selects between announcing departure and abruptly
	// disconnecting and relying on the provider's own TTL to reap the
	// member.
	Shutdown(ctx context.Context, graceful bool) error
}

// ProviderCallbacks is how a Provider reports raw membership observations
// back to MemberList. Both callbacks are safe to call concurrently and must
// not block for long; MemberList does its own diffing and publication.
type ProviderCallbacks struct {
	SeenAlive func(id, address string, kinds []string)
	SeenDead  func(id string)
}
