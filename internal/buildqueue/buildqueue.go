// Package buildqueue implements the persistent, tenant-fair build FIFO.
// Lease bookkeeping generalizes TokenManager (pkg/manager/token.go: a
// map[string]*lease-shaped struct guarded by a mutex, entries carrying
// ExpiresAt) from join-tokens to build-job leases, but durable through the
// same control.Plane Raft/bbolt path the rest of the control plane uses
// instead of an in-memory map, so a lease survives a worker or leader
// restart.
package buildqueue

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/idgen"
	"github.com/cuemby/orchestrator/internal/metrics"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/storage"
)

// ErrLeaseHeldByOther is returned by Heartbeat/Complete when the caller no
// longer holds the named build's lease.
var ErrLeaseHeldByOther = errors.New("build lease held by another worker")

// ErrCapacityExceeded is returned by Lease when no job can be leased
// without exceeding the global or per-tenant concurrency cap.
var ErrCapacityExceeded = errors.New("build concurrency cap reached")

// Config tunes queue admission and retry limits.
type Config struct {
	GlobalConcurrency int
	TenantConcurrency int
	MaxAttempts       int
	DefaultLeaseTTL   time.Duration
}

// DefaultConfig returns reasonable defaults for a small cluster.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 10,
		TenantConcurrency: 3,
		MaxAttempts:       3,
		DefaultLeaseTTL:   5 * time.Minute,
	}
}

// Queue is the build FIFO: Enqueue/Lease/Heartbeat/Complete plus a sweep
// that requeues expired leases.
type Queue struct {
	plane *control.Plane
	store storage.Store
	cfg   Config

	enqueueMu  sync.Mutex // serializes Enqueue's lookup-then-create
	lastTenant string     // round-robin cursor across tenants with Pending work
}

// New constructs a Queue over plane.
func New(plane *control.Plane, cfg Config) *Queue {
	return &Queue{plane: plane, store: plane.Store(), cfg: cfg}
}

// Enqueue admits a build request, returning the existing buildId unchanged
// if a Build for an identical (tenant, repo, commit, buildEnv) tuple already
// exists, in any state (a finished one included).
func (q *Queue) Enqueue(tenantID, repoURL, commitSHA string, buildEnv map[string]string) (string, error) {
	q.enqueueMu.Lock()
	defer q.enqueueMu.Unlock()

	key := domain.BuildKey(tenantID, repoURL, commitSHA, buildEnv)
	if existing, err := q.store.GetBuildByIdempotencyKey(key); err == nil {
		return existing.ID, nil
	} else if !isNotFound(err) {
		return "", err
	}

	b := &domain.Build{
		ID:        idgen.NewID("build"),
		TenantID:  tenantID,
		RepoURL:   repoURL,
		CommitSHA: commitSHA,
		BuildEnv:  buildEnv,
		State:     domain.BuildPending,
		CreatedAt: time.Now(),
		Version:   1,
	}
	if err := q.plane.CreateBuild(b); err != nil {
		return "", err
	}
	metrics.BuildQueueDepth.WithLabelValues(string(domain.BuildPending)).Inc()
	return b.ID, nil
}

// Lease atomically selects the oldest eligible Pending build honoring the
// global and per-tenant concurrency caps, using round-robin tenant
// fairness when more than one tenant has Pending work, and marks it
// Running with a lease held by workerID until now+ttl.
func (q *Queue) Lease(workerID string, ttl time.Duration) (*domain.Build, error) {
	if ttl <= 0 {
		ttl = q.cfg.DefaultLeaseTTL
	}

	q.requeueExpiredLeases()

	all, err := q.store.ListPendingBuilds()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	running, err := q.runningCounts()
	if err != nil {
		return nil, err
	}
	if running.global >= q.cfg.GlobalConcurrency {
		return nil, ErrCapacityExceeded
	}

	candidate := q.selectFair(all, running.byTenant)
	if candidate == nil {
		return nil, ErrCapacityExceeded
	}

	candidate.State = domain.BuildRunning
	candidate.LeaseWorkerID = workerID
	candidate.LeaseExpires = time.Now().Add(ttl)
	candidate.StartedAt = time.Now()
	candidate.Version++
	if err := q.plane.UpdateBuild(candidate); err != nil {
		return nil, err
	}
	metrics.BuildQueueDepth.WithLabelValues(string(domain.BuildPending)).Dec()
	metrics.BuildQueueDepth.WithLabelValues(string(domain.BuildRunning)).Inc()
	return candidate, nil
}

type counts struct {
	global   int
	byTenant map[string]int
}

func (q *Queue) runningCounts() (counts, error) {
	c := counts{byTenant: make(map[string]int)}
	builds, err := q.store.ListBuilds()
	if err != nil {
		return c, err
	}
	for _, b := range builds {
		if b.State == domain.BuildRunning {
			c.global++
			c.byTenant[b.TenantID]++
		}
	}
	return c, nil
}

// selectFair picks the oldest Pending build from the tenant whose turn it
// is in round-robin order among tenants with Pending work under their cap,
// advancing the cursor so the next Lease call favors a different tenant.
func (q *Queue) selectFair(pending []*domain.Build, runningByTenant map[string]int) *domain.Build {
	byTenant := make(map[string][]*domain.Build)
	var tenantOrder []string
	for _, b := range pending {
		if runningByTenant[b.TenantID] >= q.cfg.TenantConcurrency {
			continue
		}
		if _, ok := byTenant[b.TenantID]; !ok {
			tenantOrder = append(tenantOrder, b.TenantID)
		}
		byTenant[b.TenantID] = append(byTenant[b.TenantID], b)
	}
	sort.Strings(tenantOrder)
	if len(tenantOrder) == 0 {
		return nil
	}

	start := 0
	for i, t := range tenantOrder {
		if t > q.lastTenant {
			start = i
			break
		}
		start = 0
	}
	for i := 0; i < len(tenantOrder); i++ {
		t := tenantOrder[(start+i)%len(tenantOrder)]
		builds := byTenant[t]
		oldest := builds[0]
		for _, b := range builds {
			if b.CreatedAt.Before(oldest.CreatedAt) {
				oldest = b
			}
		}
		q.lastTenant = t
		return oldest
	}
	return nil
}

// Heartbeat extends an in-flight lease, failing if it has expired or
// moved to another worker.
func (q *Queue) Heartbeat(buildID, workerID string, ttl time.Duration) error {
	b, err := q.store.GetBuild(buildID)
	if err != nil {
		return err
	}
	if b.State != domain.BuildRunning || b.LeaseWorkerID != workerID || !time.Now().Before(b.LeaseExpires) {
		return ErrLeaseHeldByOther
	}
	if ttl <= 0 {
		ttl = q.cfg.DefaultLeaseTTL
	}
	b.LeaseExpires = time.Now().Add(ttl)
	b.Version++
	return q.plane.UpdateBuild(b)
}

// Complete transitions a leased build to its terminal state. digest is set
// on success; reason is set on failure.
func (q *Queue) Complete(buildID, workerID string, digest string, reason domain.FailureReason) error {
	b, err := q.store.GetBuild(buildID)
	if err != nil {
		return err
	}
	if b.State != domain.BuildRunning || b.LeaseWorkerID != workerID {
		return ErrLeaseHeldByOther
	}

	metrics.BuildQueueDepth.WithLabelValues(string(domain.BuildRunning)).Dec()
	b.CompletedAt = time.Now()
	b.Version++
	if reason == domain.ReasonNone {
		b.State = domain.BuildSucceeded
		b.ImageDigest = digest
		metrics.BuildsTotal.WithLabelValues("succeeded").Inc()
	} else {
		b.State = domain.BuildFailed
		b.FailureReason = reason
		metrics.BuildsTotal.WithLabelValues("failed").Inc()
	}
	return q.plane.UpdateBuild(b)
}

// requeueExpiredLeases returns jobs whose lease has expired to Pending,
// incrementing Attempts, failing them with ReasonLeaseExpiredRepeatedly
// once MaxAttempts is exceeded. Mirrors the teacher's reconcile-ticker
// shape: a periodic sweep over a collection rather than a per-lease timer.
func (q *Queue) requeueExpiredLeases() {
	builds, err := q.store.ListBuilds()
	if err != nil {
		log.Errorf("list builds for lease sweep", err)
		return
	}

	now := time.Now()
	for _, b := range builds {
		if b.State != domain.BuildRunning || now.Before(b.LeaseExpires) {
			continue
		}
		b.Attempts++
		b.LeaseWorkerID = ""
		b.Version++
		if b.Attempts > q.cfg.MaxAttempts {
			b.State = domain.BuildFailed
			b.FailureReason = domain.ReasonLeaseExpiredRepeatedly
			b.CompletedAt = now
			metrics.BuildsTotal.WithLabelValues("failed").Inc()
		} else {
			b.State = domain.BuildPending
			metrics.BuildQueueDepth.WithLabelValues(string(domain.BuildPending)).Inc()
		}
		if err := q.plane.UpdateBuild(b); err != nil {
			log.Errorf("requeue expired build lease", err)
		}
	}
}

func isNotFound(err error) bool {
	var nf *storage.ErrNotFound
	return errors.As(err, &nf)
}
