// Package gateway abstracts operations on a cluster manager (deployments,
// services, routes). It is a narrow interface, not an implementation: the
// cluster manager itself is explicitly out of scope and
// assumed to exist, reached only through this interface.
package gateway

import (
	"context"
	"time"

	"github.com/cuemby/orchestrator/internal/domain"
)

// WorkloadHandle is an opaque reference to a running workload version, as
// returned by ApplyWorkload.
type WorkloadHandle string

// PodSpec is the minimal workload definition the Gateway applies; it is
// derived from a ServiceSpec by the reconciler.
type PodSpec struct {
	Image       string
	Ports       []int32
	Env         map[string]string
	Resources   domain.ResourceRequirements
	Replicas    int
	HealthCheck domain.HealthCheck
	// PlacementHint optionally carries a scheduling preference through to
	// the cluster manager without this package depending on real node
	// inventory.
	PlacementHint string
}

// WorkloadStatus reports what the cluster manager observes about a
// workload.
type WorkloadStatus struct {
	Replicas           int
	Ready              int
	Updated            int
	ObservedGeneration int64
	Generation         int64
	Conditions         []string
}

// Backend is one weighted target of a route.
type Backend struct {
	Handle WorkloadHandle
	Weight int
}

// WorkloadEvent is one item from WatchWorkloadEvents.
type WorkloadEvent struct {
	Type      string
	Message   string
	Timestamp time.Time
}

// Gateway is the uniform interface over the cluster manager. The
// default adapter in this package speaks plain HTTP to an
// assumed external API; callers needing a different transport provide
// their own implementation.
type Gateway interface {
	// ApplyWorkload is idempotent: two calls with identical inputs return
	// the same handle and perform no additional cluster writes.
	ApplyWorkload(ctx context.Context, tenantID, name, version string, spec PodSpec) (WorkloadHandle, error)
	ScaleWorkload(ctx context.Context, handle WorkloadHandle, replicas int) error
	DeleteWorkload(ctx context.Context, handle WorkloadHandle) error
	GetWorkloadStatus(ctx context.Context, handle WorkloadHandle) (WorkloadStatus, error)
	WatchWorkloadEvents(ctx context.Context, handle WorkloadHandle) (<-chan WorkloadEvent, error)
	// ProgramRoute updates the load-balancer front end atomically with
	// respect to reads; backends' weights must sum to 100.
	ProgramRoute(ctx context.Context, service string, backends []Backend, ports []int32) error
	// GetRouteProgram reads back the authoritative route program, used by
	// the reconciler to resume after a crash mid-shift.
	GetRouteProgram(ctx context.Context, service string) ([]Backend, error)
}
