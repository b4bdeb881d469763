package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/orchestrator/internal/domain"
)

// FakeGateway is an in-memory Gateway for tests: it records every apply
// and route program so tests can assert idempotence and resumability
// without a real cluster manager.
type FakeGateway struct {
	mu sync.Mutex

	workloads map[WorkloadHandle]workloadRecord
	routes    map[string][]Backend
	applyCalls map[string]int // keyed by (tenant,name,version) to assert idempotence

	// StatusOverride lets tests script GetWorkloadStatus responses per
	// handle; if absent, a default ready-matches-replicas status is used.
	StatusOverride map[WorkloadHandle]WorkloadStatus
	// FailNextApply/FailNextProgramRoute inject a classified error on the
	// next call, then clear themselves — used to exercise retry paths.
	FailNextApply        *domain.GatewayError
	FailNextProgramRoute *domain.GatewayError
}

type workloadRecord struct {
	tenantID, name, version string
	spec                    PodSpec
	deleted                 bool
}

// NewFakeGateway constructs an empty FakeGateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		workloads:  make(map[WorkloadHandle]workloadRecord),
		routes:     make(map[string][]Backend),
		applyCalls: make(map[string]int),
	}
}

func handleFor(tenantID, name, version string) WorkloadHandle {
	return WorkloadHandle(fmt.Sprintf("%s/%s/%s", tenantID, name, version))
}

func (f *FakeGateway) ApplyWorkload(ctx context.Context, tenantID, name, version string, spec PodSpec) (WorkloadHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNextApply != nil {
		err := f.FailNextApply
		f.FailNextApply = nil
		return "", err
	}

	handle := handleFor(tenantID, name, version)
	key := string(handle)
	if existing, ok := f.workloads[handle]; ok && !existing.deleted && existing.spec.equalTo(spec) {
		// Idempotent: identical inputs produce no additional write.
		return handle, nil
	}
	f.applyCalls[key]++
	f.workloads[handle] = workloadRecord{tenantID: tenantID, name: name, version: version, spec: spec}
	return handle, nil
}

func (s PodSpec) equalTo(o PodSpec) bool {
	if s.Image != o.Image || s.Replicas != o.Replicas {
		return false
	}
	if len(s.Ports) != len(o.Ports) {
		return false
	}
	for i := range s.Ports {
		if s.Ports[i] != o.Ports[i] {
			return false
		}
	}
	return true
}

// ApplyCallCount returns how many non-idempotent writes ApplyWorkload made
// for (tenantID, name, version); tests use this to assert idempotence.
func (f *FakeGateway) ApplyCallCount(tenantID, name, version string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyCalls[string(handleFor(tenantID, name, version))]
}

func (f *FakeGateway) ScaleWorkload(ctx context.Context, handle WorkloadHandle, replicas int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.workloads[handle]
	if !ok {
		return domain.NewGatewayError(domain.KindPermanent, "ScaleWorkload", fmt.Errorf("unknown handle %s", handle))
	}
	rec.spec.Replicas = replicas
	f.workloads[handle] = rec
	return nil
}

func (f *FakeGateway) DeleteWorkload(ctx context.Context, handle WorkloadHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.workloads[handle]
	if !ok {
		return nil // idempotent delete
	}
	rec.deleted = true
	f.workloads[handle] = rec
	return nil
}

func (f *FakeGateway) GetWorkloadStatus(ctx context.Context, handle WorkloadHandle) (WorkloadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if override, ok := f.StatusOverride[handle]; ok {
		return override, nil
	}
	rec, ok := f.workloads[handle]
	if !ok || rec.deleted {
		return WorkloadStatus{}, domain.NewGatewayError(domain.KindPermanent, "GetWorkloadStatus", fmt.Errorf("unknown handle %s", handle))
	}
	return WorkloadStatus{
		Replicas: rec.spec.Replicas, Ready: rec.spec.Replicas, Updated: rec.spec.Replicas,
		ObservedGeneration: 1, Generation: 1,
	}, nil
}

func (f *FakeGateway) WatchWorkloadEvents(ctx context.Context, handle WorkloadHandle) (<-chan WorkloadEvent, error) {
	ch := make(chan WorkloadEvent)
	close(ch)
	return ch, nil
}

func (f *FakeGateway) ProgramRoute(ctx context.Context, service string, backends []Backend, ports []int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailNextProgramRoute != nil {
		err := f.FailNextProgramRoute
		f.FailNextProgramRoute = nil
		return err
	}

	total := 0
	for _, b := range backends {
		total += b.Weight
	}
	if total != 100 {
		return domain.NewGatewayError(domain.KindPermanent, "ProgramRoute", fmt.Errorf("weights sum to %d, want 100", total))
	}
	cp := make([]Backend, len(backends))
	copy(cp, backends)
	f.routes[service] = cp
	return nil
}

func (f *FakeGateway) GetRouteProgram(ctx context.Context, service string) ([]Backend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Backend(nil), f.routes[service]...), nil
}
