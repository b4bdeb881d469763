package multiregion

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegionReconciler struct {
	err   error
	calls int
}

func (f *fakeRegionReconciler) Tick(ctx context.Context, tenantID, serviceName string) error {
	f.calls++
	return f.err
}

func TestComputeRouteProgramWeighted(t *testing.T) {
	regions := []domain.RegionSpec{
		{Region: "us-east", Weight: 70, Enabled: true},
		{Region: "us-west", Weight: 30, Enabled: true},
	}
	healthMap := map[string]health.Verdict{"us-east": health.Healthy, "us-west": health.Healthy}

	program := computeRouteProgram(domain.TrafficPolicy{Strategy: domain.TrafficWeighted}, regions, healthMap, nil)

	total := 0
	for _, b := range program {
		total += b.Weight
	}
	assert.Equal(t, 100, total)
	assert.Len(t, program, 2)
}

func TestComputeRouteProgramWeightedZeroesUnhealthyRegion(t *testing.T) {
	regions := []domain.RegionSpec{
		{Region: "us-east", Weight: 50, Enabled: true},
		{Region: "us-west", Weight: 50, Enabled: true},
	}
	healthMap := map[string]health.Verdict{"us-east": health.Healthy, "us-west": health.Unhealthy}

	program := computeRouteProgram(domain.TrafficPolicy{Strategy: domain.TrafficWeighted}, regions, healthMap, nil)

	require.Len(t, program, 1)
	assert.Equal(t, "us-east", program[0].Region)
	assert.Equal(t, 100, program[0].Weight)
}

func TestComputeRouteProgramLatencyFavorsFasterRegion(t *testing.T) {
	regions := []domain.RegionSpec{
		{Region: "us-east", Weight: 50, Enabled: true},
		{Region: "eu-west", Weight: 50, Enabled: true},
	}
	healthMap := map[string]health.Verdict{"us-east": health.Healthy, "eu-west": health.Healthy}
	latencyMap := map[string]float64{"us-east": 10, "eu-west": 100}

	program := computeRouteProgram(domain.TrafficPolicy{Strategy: domain.TrafficLatency}, regions, healthMap, latencyMap)

	var east, west int
	for _, b := range program {
		switch b.Region {
		case "us-east":
			east = b.Weight
		case "eu-west":
			west = b.Weight
		}
	}
	assert.Greater(t, east, west)
}

func TestComputeRouteProgramGeoFailsOverToFallback(t *testing.T) {
	regions := []domain.RegionSpec{
		{Region: "primary", Weight: 100, Enabled: true},
		{Region: "fallback", Weight: 100, Enabled: true},
	}
	policy := domain.TrafficPolicy{
		Strategy: domain.TrafficGeo,
		Failover: domain.Failover{Primary: "primary", Fallbacks: []string{"fallback"}},
	}
	healthMap := map[string]health.Verdict{"primary": health.Unhealthy, "fallback": health.Healthy}

	program := computeRouteProgram(policy, regions, healthMap, nil)

	require.Len(t, program, 1)
	assert.Equal(t, "fallback", program[0].Region)
	assert.Equal(t, 100, program[0].Weight)
}

func TestComputeRouteProgramReturnsNilWhenAllUnhealthy(t *testing.T) {
	regions := []domain.RegionSpec{{Region: "us-east", Weight: 100, Enabled: true}}
	healthMap := map[string]health.Verdict{"us-east": health.Unhealthy}

	program := computeRouteProgram(domain.TrafficPolicy{Strategy: domain.TrafficWeighted}, regions, healthMap, nil)
	assert.Nil(t, program)
}

func TestTickPropagatesToEveryEnabledRegionAndProgramsRoute(t *testing.T) {
	east := &fakeRegionReconciler{}
	west := &fakeRegionReconciler{}
	probe := NewFakeRegionHealthProbe()
	probe.Set("us-east", health.Healthy, 10)
	probe.Set("us-west", health.Healthy, 10)
	router := NewFakeGlobalRouter()

	rec := New(map[string]RegionReconciler{"us-east": east, "us-west": west}, probe, router)

	spec := &domain.MultiRegionSpec{
		TenantID:    "t1",
		ServiceName: "svc",
		Regions: []domain.RegionSpec{
			{Region: "us-east", Weight: 50, Enabled: true},
			{Region: "us-west", Weight: 50, Enabled: true},
		},
		Policy: domain.TrafficPolicy{Strategy: domain.TrafficWeighted},
	}

	require.NoError(t, rec.Tick(context.Background(), spec))
	assert.Equal(t, 1, east.calls)
	assert.Equal(t, 1, west.calls)

	program := router.Program("t1", "svc")
	require.Len(t, program, 2)
}

func TestTickRetainsLastProgramWhenAllRegionsGoUnhealthy(t *testing.T) {
	east := &fakeRegionReconciler{}
	probe := NewFakeRegionHealthProbe()
	router := NewFakeGlobalRouter()
	rec := New(map[string]RegionReconciler{"us-east": east}, probe, router)

	spec := &domain.MultiRegionSpec{
		TenantID:    "t1",
		ServiceName: "svc",
		Regions:     []domain.RegionSpec{{Region: "us-east", Weight: 100, Enabled: true}},
		Policy:      domain.TrafficPolicy{Strategy: domain.TrafficWeighted},
	}

	probe.Set("us-east", health.Healthy, 10)
	require.NoError(t, rec.Tick(context.Background(), spec))
	first := router.Program("t1", "svc")
	require.Len(t, first, 1)

	probe.Set("us-east", health.Unhealthy, 10)
	require.NoError(t, rec.Tick(context.Background(), spec))
	second := router.Program("t1", "svc")
	assert.Equal(t, first, second, "fail-static: last known-good program is retained")
}

func TestTickContinuesAfterOneRegionReconcilerErrors(t *testing.T) {
	east := &fakeRegionReconciler{err: errors.New("boom")}
	west := &fakeRegionReconciler{}
	probe := NewFakeRegionHealthProbe()
	probe.Set("us-east", health.Healthy, 10)
	probe.Set("us-west", health.Healthy, 10)
	router := NewFakeGlobalRouter()
	rec := New(map[string]RegionReconciler{"us-east": east, "us-west": west}, probe, router)

	spec := &domain.MultiRegionSpec{
		TenantID:    "t1",
		ServiceName: "svc",
		Regions: []domain.RegionSpec{
			{Region: "us-east", Weight: 50, Enabled: true},
			{Region: "us-west", Weight: 50, Enabled: true},
		},
		Policy: domain.TrafficPolicy{Strategy: domain.TrafficWeighted},
	}

	require.NoError(t, rec.Tick(context.Background(), spec))
	assert.Equal(t, 1, west.calls, "a failing region must not block others from reconciling")
}
