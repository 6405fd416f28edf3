package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/torua/internal/routing"
)

// Metrics are the allocation service's prometheus collectors.
type Metrics struct {
	Reroutes        *prometheus.CounterVec
	RerouteDuration prometheus.Histogram
	Shards          *prometheus.GaugeVec
	DelayedShards   prometheus.Gauge
	PendingFetches  prometheus.Gauge
	Nodes           prometheus.Gauge
	Commands        *prometheus.CounterVec
}

// NewMetrics builds unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		Reroutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torua",
			Subsystem: "allocation",
			Name:      "reroutes_total",
			Help:      "Reroute passes by triggering reason and outcome.",
		}, []string{"reason", "changed"}),
		RerouteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "torua",
			Subsystem: "allocation",
			Name:      "reroute_duration_seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		Shards: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "torua",
			Subsystem: "allocation",
			Name:      "shards",
			Help:      "Shard copies by routing state.",
		}, []string{"state"}),
		DelayedShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torua",
			Subsystem: "allocation",
			Name:      "delayed_unassigned_shards",
			Help:      "Unassigned replicas waiting for their node to come back.",
		}),
		PendingFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torua",
			Subsystem: "allocation",
			Name:      "pending_async_fetch",
			Help:      "1 when the last pass deferred a shard on a store listing.",
		}),
		Nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torua",
			Subsystem: "cluster",
			Name:      "nodes",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "torua",
			Subsystem: "allocation",
			Name:      "commands_total",
		}, []string{"command", "result"}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Reroutes, m.RerouteDuration, m.Shards, m.DelayedShards, m.PendingFetches, m.Nodes, m.Commands,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observeTable(rn *routing.RoutingNodes, nodes int, pendingFetch bool) {
	counts := map[routing.ShardRoutingState]int{}
	for _, s := range rn.ShardsWithState(routing.Unassigned, routing.Initializing, routing.Started, routing.Relocating) {
		counts[s.State()]++
	}
	for _, state := range []routing.ShardRoutingState{routing.Unassigned, routing.Initializing, routing.Started, routing.Relocating} {
		m.Shards.WithLabelValues(state.String()).Set(float64(counts[state]))
	}
	m.DelayedShards.Set(float64(routing.NumberOfDelayedUnassigned(rn)))
	m.Nodes.Set(float64(nodes))
	if pendingFetch {
		m.PendingFetches.Set(1)
	} else {
		m.PendingFetches.Set(0)
	}
}
