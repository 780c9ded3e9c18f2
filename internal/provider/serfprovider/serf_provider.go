// Package serfprovider implements the cluster core's Provider contract on
// top of hashicorp/serf, the gossip membership library the teacher's own
// cluster package already depended on.
package serfprovider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/serf/serf"

	"actorcluster/internal/cluster"
	"actorcluster/internal/logging"
)

// Config configures the Serf agent backing a Provider.
type Config struct {
	NodeID           string
	BindAddress      string
	BindPort         int
	AdvertiseAddress string
	SeedNodes        []string
	JoinTimeout      time.Duration
	Kinds            []string
}

// Provider is the Serf-backed cluster.Provider implementation.
type Provider struct {
	config  Config
	serf    *serf.Serf
	eventCh chan serf.Event
}

// New constructs a Provider; Serf itself is not started until StartMember
// or StartClient is called.
func New(config Config) *Provider {
	return &Provider{config: config, eventCh: make(chan serf.Event, 256)}
}

func (p *Provider) start(ctx context.Context, callbacks cluster.ProviderCallbacks, asClient bool) error {
	conf := serf.DefaultConfig()
	conf.Init()
	conf.NodeName = p.config.NodeID
	conf.MemberlistConfig.BindAddr = p.config.BindAddress
	conf.MemberlistConfig.BindPort = p.config.BindPort
	if p.config.AdvertiseAddress != "" {
		conf.MemberlistConfig.AdvertiseAddr = p.config.AdvertiseAddress
		conf.MemberlistConfig.AdvertisePort = p.config.BindPort
	}
	conf.EventCh = p.eventCh

	tags := map[string]string{
		"address": p.config.AdvertiseAddress,
	}
	if asClient {
		tags["role"] = "client"
	} else {
		tags["role"] = "member"
		tags["kinds"] = strings.Join(p.config.Kinds, ",")
	}
	conf.Tags = tags

	instance, err := serf.Create(conf)
	if err != nil {
		return fmt.Errorf("serfprovider: creating serf instance: %w", err)
	}
	p.serf = instance

	go p.processEvents(ctx, callbacks)

	if len(p.config.SeedNodes) > 0 {
		joinCtx, cancel := context.WithTimeout(ctx, p.joinTimeout())
		defer cancel()

		var lastErr error
		joined := false
		for _, seed := range p.config.SeedNodes {
			select {
			case <-joinCtx.Done():
				return fmt.Errorf("serfprovider: join timeout: %w", joinCtx.Err())
			default:
			}
			if _, err := p.serf.Join([]string{seed}, false); err != nil {
				lastErr = err
				continue
			}
			joined = true
			break
		}
		if !joined && lastErr != nil {
			logging.Warn(ctx, logging.ComponentMembership, logging.ActionJoin,
				"failed to join any seed node, starting as a singleton cluster",
				map[string]interface{}{"error": lastErr.Error()})
		}
	}

	return nil
}

func (p *Provider) joinTimeout() time.Duration {
	if p.config.JoinTimeout > 0 {
		return p.config.JoinTimeout
	}
	return 10 * time.Second
}

// StartMember starts this node as a full kind-hosting member.
func (p *Provider) StartMember(ctx context.Context, callbacks cluster.ProviderCallbacks) error {
	return p.start(ctx, callbacks, false)
}

// StartClient starts this node as a membership-observing client.
func (p *Provider) StartClient(ctx context.Context, callbacks cluster.ProviderCallbacks) error {
	return p.start(ctx, callbacks, true)
}

// Shutdown stops the Serf agent. When graceful, it leaves the cluster first
// so peers observe the departure immediately instead of via TTL.
func (p *Provider) Shutdown(ctx context.Context, graceful bool) error {
	if p.serf == nil {
		return nil
	}
	if graceful {
		if err := p.serf.Leave(); err != nil {
			logging.Warn(ctx, logging.ComponentMembership, logging.ActionLeave,
				"error leaving serf cluster", map[string]interface{}{"error": err.Error()})
		}
	}
	return p.serf.Shutdown()
}

func (p *Provider) processEvents(ctx context.Context, callbacks cluster.ProviderCallbacks) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.eventCh:
			if !ok {
				return
			}
			memberEvent, ok := event.(serf.MemberEvent)
			if !ok {
				continue
			}
			p.handleMemberEvent(memberEvent, callbacks)
		}
	}
}

func (p *Provider) handleMemberEvent(event serf.MemberEvent, callbacks cluster.ProviderCallbacks) {
	for _, m := range event.Members {
		switch event.EventType() {
		case serf.EventMemberJoin, serf.EventMemberUpdate:
			address := m.Tags["address"]
			if address == "" {
				address = fmt.Sprintf("%s:%d", m.Addr.String(), m.Port)
			}
			var kinds []string
			if kindTag := m.Tags["kinds"]; kindTag != "" {
				kinds = strings.Split(kindTag, ",")
			}
			if callbacks.SeenAlive != nil {
				callbacks.SeenAlive(m.Name, address, kinds)
			}
		case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
			if callbacks.SeenDead != nil {
				callbacks.SeenDead(m.Name)
			}
		}
	}
}
