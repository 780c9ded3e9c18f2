package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"actorcluster/internal/logging"
)

// ClusterContextConfig tunes the retry behavior of RequestAsync.
type ClusterContextConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultClusterContextConfig returns sane defaults.
func DefaultClusterContextConfig() ClusterContextConfig {
	return ClusterContextConfig{RequestTimeout: 5 * time.Second, MaxAttempts: 3}
}

// ClusterContext sends a message to a virtual actor and awaits a response,
// resolving placement through PidCache first and falling back to
// IdentityLookup on a miss or a dead-letter response.
type ClusterContext struct {
	cache     *PidCache
	lookup    IdentityLookup
	transport Transport
	config    ClusterContextConfig
}

// NewClusterContext wires the cache, lookup, and transport collaborators.
func NewClusterContext(cache *PidCache, lookup IdentityLookup, transport Transport, config ClusterContextConfig) *ClusterContext {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultClusterContextConfig().RequestTimeout
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultClusterContextConfig().MaxAttempts
	}
	return &ClusterContext{cache: cache, lookup: lookup, transport: transport, config: config}
}

// RequestAsync resolves identity, sends message, and returns the raw
// response payload. Callers that need typed responses unmarshal the result
// themselves; the core does not assume a serialization format beyond what
// the transport carries.
func (cc *ClusterContext) RequestAsync(ctx context.Context, identity ClusterIdentity, message []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < cc.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		pid, err := cc.resolve(ctx, identity)
		if err != nil {
			return nil, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cc.config.RequestTimeout)
		resp, err := cc.transport.Request(attemptCtx, pid, "cluster-request", message, cc.config.RequestTimeout)
		cancel()

		if err == nil {
			cc.cache.Touch(identity)
			return resp, nil
		}

		lastErr = err
		cc.cache.Remove(identity)

		if errors.Is(err, ErrTransportDeadLetter) || errors.Is(err, ErrDeadLetter) {
			logging.Debug(ctx, logging.ComponentPlacement, logging.ActionRetry,
				"dead letter response, invalidating cache and re-resolving",
				map[string]interface{}{"identity": identity.String(), "attempt": attempt})
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrRequestTimeout
}

func (cc *ClusterContext) resolve(ctx context.Context, identity ClusterIdentity) (RemoteLocation, error) {
	if pid, ok := cc.cache.TryGet(identity); ok {
		return pid, nil
	}

	pid, err := cc.lookup.Get(ctx, identity)
	if err != nil {
		return RemoteLocation{}, err
	}
	cc.cache.TrySet(identity, pid)
	return pid, nil
}

// MarshalMessage is a small convenience used by callers that do not already
// have a serializer of choice.
func MarshalMessage(v any) ([]byte, error) {
	return json.Marshal(v)
}
