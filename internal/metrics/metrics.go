// Package metrics publishes the cluster core's push-pull gauges through
// prometheus/client_golang, following the same peer-counter pattern
// alertmanager's cluster package registers against its own memberlist peer.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Observer implements cluster.MetricsObserver: it registers two gauge
// families at Attach time and unregisters them at Detach, so no sample is
// ever served after shutdown.
type Observer struct {
	nodeID  string
	address string

	registry *prometheus.Registry
	members  *prometheus.GaugeFunc
	actors   *prometheus.GaugeVec

	cancel context.CancelFunc
}

// NewObserver constructs an Observer labeled with this member's identity.
func NewObserver(nodeID, address string) *Observer {
	return &Observer{
		nodeID:   nodeID,
		address:  address,
		registry: prometheus.NewRegistry(),
	}
}

// Attach registers the gauges and starts a background refresh loop for the
// per-kind activation counts (GaugeVec values are set on demand, so a tick
// keeps them current between scrapes).
func (o *Observer) Attach(ctx context.Context, members func() int, virtualActors func(kind string) int64, kinds []string) {
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.members = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "cluster_members_count",
		Help:        "Current count of cluster members observed by this node.",
		ConstLabels: prometheus.Labels{"node_id": o.nodeID, "address": o.address},
	}, func() float64 { return float64(members()) })

	o.actors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "cluster_virtual_actors_count",
		Help:        "Current count of locally activated virtual actors by kind.",
		ConstLabels: prometheus.Labels{"node_id": o.nodeID, "address": o.address},
	}, []string{"kind"})

	o.registry.MustRegister(o.members, o.actors)

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				for _, kind := range kinds {
					o.actors.WithLabelValues(kind).Set(float64(virtualActors(kind)))
				}
			}
		}
	}()
}

// Detach unregisters every gauge this Observer registered, guaranteeing no
// post-shutdown sample is ever scraped.
func (o *Observer) Detach() {
	if o.cancel != nil {
		o.cancel()
	}
	if o.members != nil {
		o.registry.Unregister(o.members)
	}
	if o.actors != nil {
		o.registry.Unregister(o.actors)
	}
}

// Handler returns the HTTP handler serving this Observer's registry in the
// Prometheus exposition format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}
