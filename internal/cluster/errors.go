package cluster

import "errors"

// Error kinds the core distinguishes, per the error-handling design: each is
// a sentinel so callers can classify failures with errors.Is rather than
// string matching.
var (
	// ErrConfiguration marks a fatal startup misconfiguration (e.g. a
	// required subsystem was never wired in).
	ErrConfiguration = errors.New("cluster: configuration error")

	// ErrUnknownKind is returned synchronously when a caller asks for a
	// grain kind that was never registered.
	ErrUnknownKind = errors.New("cluster: unknown kind")

	// ErrUnavailable marks an operation rejected because shutdown is
	// already in progress.
	ErrUnavailable = errors.New("cluster: unavailable, shutdown in progress")

	// ErrMemberFenced is raised when the local member has been fenced
	// (observed as departed by the provider or its own gossip state) and
	// must terminate.
	ErrMemberFenced = errors.New("cluster: local member fenced")

	// ErrOwnerUnknown is returned when a reservation lookup cannot
	// determine any owner, alive or otherwise.
	ErrOwnerUnknown = errors.New("cluster: owner unknown")

	// ErrNoAliveOwner is returned when consistent hashing over the
	// current topology cannot find any alive candidate for an identity.
	ErrNoAliveOwner = errors.New("cluster: no alive owner candidate")

	// ErrRequestTimeout marks a ClusterContext request that exceeded its
	// attempt or overall deadline.
	ErrRequestTimeout = errors.New("cluster: request timed out")

	// ErrDeadLetter marks a transport response indicating the target
	// grain could not be reached.
	ErrDeadLetter = errors.New("cluster: dead letter response")
)
