// Package metrics exposes Prometheus instrumentation for the orchestrator.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServicesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_services_total",
		Help: "Total number of registered services",
	})

	AttemptsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_attempts_active",
			Help: "Deployment attempts currently in flight by phase",
		},
		[]string{"phase"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_attempts_total",
			Help: "Total deployment attempts by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	AttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_attempt_duration_seconds",
			Help:    "Deployment attempt duration in seconds by strategy",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"strategy"},
	)

	ReconciliationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_reconciliation_duration_seconds",
		Help:    "Time taken for a reconciliation cycle in seconds",
		Buckets: prometheus.DefBuckets,
	})

	ReconciliationCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_reconciliation_cycles_total",
		Help: "Total number of reconciliation cycles completed",
	})

	TrafficShiftsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_traffic_shifts_total",
			Help: "Total number of traffic weight shifts applied",
		},
		[]string{"service"},
	)

	HealthVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_health_verdicts_total",
			Help: "Health evaluator verdicts by result",
		},
		[]string{"verdict"},
	)

	BuildQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_build_queue_depth",
			Help: "Number of builds waiting in the queue by state",
		},
		[]string{"state"},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_builds_total",
			Help: "Total number of builds by outcome",
		},
		[]string{"outcome"},
	)

	BuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_build_duration_seconds",
		Help:    "Build execution duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	BudgetAdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_budget_admissions_total",
			Help: "Admission decisions by the budget gate",
		},
		[]string{"decision"},
	)

	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	WebhookDeliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_webhook_delivery_duration_seconds",
		Help:    "Webhook delivery latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	RegionHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_region_health",
			Help: "Last observed region health (1 = healthy, 0 = unhealthy) by tenant/service/region",
		},
		[]string{"tenant", "service", "region"},
	)

	RegionRouteWeight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_region_route_weight",
			Help: "Current route weight assigned to a region by tenant/service/region",
		},
		[]string{"tenant", "service", "region"},
	)

	RaftLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_raft_is_leader",
		Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
	})

	RaftAppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_raft_applied_index",
		Help: "Last applied Raft log index",
	})
)

func init() {
	prometheus.MustRegister(
		ServicesTotal,
		AttemptsActive,
		AttemptsTotal,
		AttemptDuration,
		ReconciliationDuration,
		ReconciliationCyclesTotal,
		TrafficShiftsTotal,
		HealthVerdictsTotal,
		BuildQueueDepth,
		BuildsTotal,
		BuildDuration,
		BudgetAdmissionsTotal,
		WebhookDeliveriesTotal,
		WebhookDeliveryDuration,
		RegionHealth,
		RegionRouteWeight,
		RaftLeader,
		RaftAppliedIndex,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for an observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration on a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration on a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
