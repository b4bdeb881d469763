// Package multiregion composes a service's per-region Service Reconcilers
// into a single global rollout and routing unit. It propagates one
// ServiceSpec to every enabled region, lets each region's reconciler make
// progress independently, and recomputes the global route program whenever
// regional health changes. The per-region iterate-step-aggregate shape
// generalizes scheduler.schedule() (pkg/scheduler/scheduler.go), which
// loops over services and nodes the same way this loops over regions.
package multiregion

import (
	"context"
	"sync"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/health"
	"github.com/cuemby/orchestrator/internal/metrics"
	"github.com/cuemby/orchestrator/internal/obs/log"
)

// RegionBackend is one region's share of global client traffic.
type RegionBackend struct {
	Region string
	Weight int
}

// RegionHealthProbe reports the health of a region's live endpoint, as
// observed from outside that region (distinct from the in-region Health
// Evaluator each per-region reconciler runs against its own workload).
type RegionHealthProbe interface {
	Probe(ctx context.Context, region string) (health.Verdict, float64, error)
}

// GlobalRouter programs the traffic split across regions, analogous to
// gateway.Gateway.ProgramRoute but operating one level up (regions, not
// workload versions within one region).
type GlobalRouter interface {
	ProgramGlobalRoute(ctx context.Context, tenantID, serviceName string, backends []RegionBackend) error
}

// RegionReconciler advances one region's copy of a service; satisfied by
// *reconciler.Reconciler. Scoped to this one method so tests can supply a
// lightweight double instead of a full control/gateway/health harness per
// region.
type RegionReconciler interface {
	Tick(ctx context.Context, tenantID, serviceName string) error
}

// Reconciler drives a MultiRegionSpec: one RegionReconciler per enabled
// region plus the health-driven global route program.
type Reconciler struct {
	regions map[string]RegionReconciler
	probe   RegionHealthProbe
	router  GlobalRouter

	mu          sync.Mutex
	lastProgram map[string][]RegionBackend // serviceKey -> last computed program, retained fail-static
}

// New constructs a Reconciler. regions maps region name to the
// RegionReconciler that drives that region's copy of the service.
func New(regions map[string]RegionReconciler, probe RegionHealthProbe, router GlobalRouter) *Reconciler {
	return &Reconciler{
		regions:     regions,
		probe:       probe,
		router:      router,
		lastProgram: make(map[string][]RegionBackend),
	}
}

func serviceKey(tenantID, serviceName string) string {
	return tenantID + "/" + serviceName
}

// Tick propagates spec to every enabled region's reconciler, probes
// regional health, and reprograms the global route if the resulting
// program differs from what is currently retained.
func (r *Reconciler) Tick(ctx context.Context, spec *domain.MultiRegionSpec) error {
	logger := log.WithService(spec.TenantID, spec.ServiceName)

	for _, rs := range spec.Regions {
		if !rs.Enabled {
			continue
		}
		reg, ok := r.regions[rs.Region]
		if !ok {
			logger.Warn().Str("region", rs.Region).Msg("no reconciler registered for region")
			continue
		}
		if err := reg.Tick(ctx, spec.TenantID, spec.ServiceName); err != nil {
			logger.Error().Err(err).Str("region", rs.Region).Msg("regional reconciliation step failed")
		}
	}

	healthMap, latencyMap := r.probeAll(ctx, spec)
	for region, v := range healthMap {
		metrics.RegionHealth.WithLabelValues(spec.TenantID, spec.ServiceName, region).Set(boolToFloat(v == health.Healthy))
	}

	program := computeRouteProgram(spec.Policy, spec.Regions, healthMap, latencyMap)

	key := serviceKey(spec.TenantID, spec.ServiceName)
	r.mu.Lock()
	if len(program) == 0 {
		// Every enabled region is unhealthy: fail-static, keep serving the
		// last known-good program rather than draining all traffic.
		program = r.lastProgram[key]
		r.mu.Unlock()
		if program == nil {
			return nil
		}
	} else {
		r.lastProgram[key] = program
		r.mu.Unlock()
	}

	for _, b := range program {
		metrics.RegionRouteWeight.WithLabelValues(spec.TenantID, spec.ServiceName, b.Region).Set(float64(b.Weight))
	}
	return r.router.ProgramGlobalRoute(ctx, spec.TenantID, spec.ServiceName, program)
}

func (r *Reconciler) probeAll(ctx context.Context, spec *domain.MultiRegionSpec) (map[string]health.Verdict, map[string]float64) {
	verdicts := make(map[string]health.Verdict, len(spec.Regions))
	latencies := make(map[string]float64, len(spec.Regions))
	for _, rs := range spec.Regions {
		if !rs.Enabled {
			continue
		}
		v, lat, err := r.probe.Probe(ctx, rs.Region)
		if err != nil {
			v = health.Unknown
		}
		verdicts[rs.Region] = v
		latencies[rs.Region] = lat
	}
	return verdicts, latencies
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// computeRouteProgram is a pure function over a TrafficPolicy, the region
// set, and the latest health/latency observations. Isolating it here makes
// weighted/latency/geo selection and the fail-static invariant unit
// testable without any I/O.
func computeRouteProgram(policy domain.TrafficPolicy, regions []domain.RegionSpec, healthOf map[string]health.Verdict, latencyOf map[string]float64) []RegionBackend {
	var healthyRegions []domain.RegionSpec
	for _, rs := range regions {
		if !rs.Enabled {
			continue
		}
		if healthOf[rs.Region] == health.Healthy {
			healthyRegions = append(healthyRegions, rs)
		}
	}
	if len(healthyRegions) == 0 {
		return nil
	}

	switch policy.Strategy {
	case domain.TrafficLatency:
		return latencyWeighted(healthyRegions, latencyOf)
	case domain.TrafficGeo:
		return geoFailover(policy.Failover, healthOf)
	default: // domain.TrafficWeighted and unset
		return normalizeWeights(healthyRegions, func(rs domain.RegionSpec) float64 { return float64(rs.Weight) })
	}
}

// normalizeWeights scales each region's score to an integer percentage
// summing to exactly 100, handing the rounding remainder to the
// highest-scored region so small weight sets never drift off 100.
func normalizeWeights(regions []domain.RegionSpec, score func(domain.RegionSpec) float64) []RegionBackend {
	total := 0.0
	for _, rs := range regions {
		total += score(rs)
	}
	if total <= 0 {
		// No usable score (e.g. all weights zero): split evenly.
		even := 100 / len(regions)
		out := make([]RegionBackend, len(regions))
		assigned := 0
		for i, rs := range regions {
			out[i] = RegionBackend{Region: rs.Region, Weight: even}
			assigned += even
		}
		out[len(out)-1].Weight += 100 - assigned
		return out
	}

	out := make([]RegionBackend, len(regions))
	assigned := 0
	best := 0
	for i, rs := range regions {
		w := int(score(rs) / total * 100)
		out[i] = RegionBackend{Region: rs.Region, Weight: w}
		assigned += w
		if score(rs) > score(regions[best]) {
			best = i
		}
	}
	out[best].Weight += 100 - assigned
	return out
}

func latencyWeighted(regions []domain.RegionSpec, latencyOf map[string]float64) []RegionBackend {
	return normalizeWeights(regions, func(rs domain.RegionSpec) float64 {
		lat := latencyOf[rs.Region]
		if lat <= 0 {
			lat = 1
		}
		w := float64(rs.Weight)
		if w <= 0 {
			w = 1
		}
		return w / lat
	})
}

// geoFailover walks the failover chain and sends all traffic to the first
// healthy region in it. A global route program has no per-client-region
// dimension, so geo routing here collapses to "serve from the best
// available region in priority order" rather than a true per-client map.
func geoFailover(fo domain.Failover, healthOf map[string]health.Verdict) []RegionBackend {
	candidates := append([]string{fo.Primary}, fo.Fallbacks...)
	for _, region := range candidates {
		if region == "" {
			continue
		}
		if healthOf[region] == health.Healthy {
			return []RegionBackend{{Region: region, Weight: 100}}
		}
	}
	return nil
}
