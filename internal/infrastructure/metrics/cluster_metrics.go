package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ClusterMetrics tracks agent membership and shard ownership.
type ClusterMetrics struct {
	LiveAgents     prometheus.Gauge
	OwnedShards    prometheus.Gauge
	Epoch          prometheus.Gauge
	IsCoordinator  prometheus.Gauge
	Rebalances     prometheus.Counter
	Evictions      prometheus.Counter
	RenewFailures  prometheus.Counter
	Acknowledgment *prometheus.CounterVec
}

// NewClusterMetrics creates and registers cluster metrics with the given registerer.
func NewClusterMetrics(registerer prometheus.Registerer) *ClusterMetrics {
	metrics := &ClusterMetrics{
		LiveAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchsync_cluster_live_agents",
			Help: "Number of agents with a valid lease, as last seen by this agent",
		}),
		OwnedShards: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchsync_cluster_owned_shards",
			Help: "Number of shards this agent currently processes",
		}),
		Epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchsync_cluster_membership_epoch",
			Help: "Membership epoch of the assignment this agent processes",
		}),
		IsCoordinator: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "searchsync_cluster_is_coordinator",
			Help: "1 when this agent acted as coordinator in its last heartbeat",
		}),
		Rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchsync_cluster_assignments_written_total",
			Help: "Assignments written by this agent while coordinating",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchsync_cluster_evictions_total",
			Help: "Expired agents evicted by this agent",
		}),
		RenewFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "searchsync_cluster_lease_renew_failures_total",
			Help: "Failed lease renewals",
		}),
		Acknowledgment: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "searchsync_cluster_assignment_acks_total",
				Help: "Assignment adoption attempts",
			},
			[]string{"result"}, // result: adopted/conflict/error
		),
	}

	registerer.MustRegister(
		metrics.LiveAgents,
		metrics.OwnedShards,
		metrics.Epoch,
		metrics.IsCoordinator,
		metrics.Rebalances,
		metrics.Evictions,
		metrics.RenewFailures,
		metrics.Acknowledgment,
	)

	return metrics
}
