package multiregion

import (
	"context"
	"sync"

	"github.com/cuemby/orchestrator/internal/health"
)

// FakeRegionHealthProbe returns canned verdicts/latencies per region, set by
// the caller, for use in tests.
type FakeRegionHealthProbe struct {
	mu        sync.Mutex
	verdicts  map[string]health.Verdict
	latencies map[string]float64
}

func NewFakeRegionHealthProbe() *FakeRegionHealthProbe {
	return &FakeRegionHealthProbe{
		verdicts:  make(map[string]health.Verdict),
		latencies: make(map[string]float64),
	}
}

func (f *FakeRegionHealthProbe) Set(region string, v health.Verdict, latencyMs float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verdicts[region] = v
	f.latencies[region] = latencyMs
}

func (f *FakeRegionHealthProbe) Probe(ctx context.Context, region string) (health.Verdict, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.verdicts[region]
	if !ok {
		return health.Unknown, 0, nil
	}
	return v, f.latencies[region], nil
}

// FakeGlobalRouter records the last route program applied per service.
type FakeGlobalRouter struct {
	mu       sync.Mutex
	programs map[string][]RegionBackend
}

func NewFakeGlobalRouter() *FakeGlobalRouter {
	return &FakeGlobalRouter{programs: make(map[string][]RegionBackend)}
}

func (f *FakeGlobalRouter) ProgramGlobalRoute(ctx context.Context, tenantID, serviceName string, backends []RegionBackend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs[serviceKey(tenantID, serviceName)] = backends
	return nil
}

func (f *FakeGlobalRouter) Program(tenantID, serviceName string) []RegionBackend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.programs[serviceKey(tenantID, serviceName)]
}
