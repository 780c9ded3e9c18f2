package cluster

import (
	"context"
	"errors"
	"time"
)

// ErrTransportDeadLetter is returned by Transport.Request when the remote
// side reports it has no activation to deliver to (the target has been
// passivated, evicted, or the address is simply stale).
var ErrTransportDeadLetter = errors.New("transport: dead letter")

// Transport is the wire contract the core relies on for every inter-member
// RPC: gossip anti-entropy exchanges, identity forwarding, and
// ClusterContext requests all go through the same Send/Request pair, so a
// single concrete implementation (HTTP, in this module) serves all three.
type Transport interface {
	Start(ctx context.Context, bindAddress string, handler RequestHandler) error
	Stop(ctx context.Context) error

	// Send is fire-and-forget.
	Send(ctx context.Context, target RemoteLocation, kind string, message []byte) error

	// Request waits for a single response or ErrTransportDeadLetter.
	Request(ctx context.Context, target RemoteLocation, kind string, message []byte, timeout time.Duration) ([]byte, error)
}

// RequestHandler processes an inbound Send/Request message addressed to
// this member and returns the response payload for Request calls (ignored
// for Send).
type RequestHandler func(ctx context.Context, fromAddress string, kind string, message []byte) ([]byte, error)
