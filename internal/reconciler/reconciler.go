// Package reconciler drives a ServiceSpec's DeploymentAttempt state
// machine through the rolling, canary, and blue-green strategies,
// generalizing the 10-second reconcile() ticker
// (pkg/reconciler/reconciler.go) and UpdateService batching
// (pkg/deploy/deploy.go) from "containers in batches" to these three
// rollout strategies.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/gateway"
	"github.com/cuemby/orchestrator/internal/health"
	"github.com/cuemby/orchestrator/internal/idgen"
	"github.com/cuemby/orchestrator/internal/metrics"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/secrets"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/cuemby/orchestrator/internal/traffic"
)

// canarySteps is the stepped promotion sequence used when autoPromote is
// set. Not configurable; an internal default.
var canarySteps = []int{25, 50, 75, 100}

// Config tunes the reconciler's timeouts and polling cadence.
type Config struct {
	RollingTimeout   time.Duration
	CanaryTimeout    time.Duration
	BlueGreenTimeout time.Duration
	LeaseTTL         time.Duration
	PollInterval     time.Duration // re-check cadence while waiting on Unknown health or a build
}

// DefaultConfig returns the default wall-clock caps for each strategy.
func DefaultConfig() Config {
	return Config{
		RollingTimeout:   15 * time.Minute,
		CanaryTimeout:    60 * time.Minute,
		BlueGreenTimeout: 30 * time.Minute,
		LeaseTTL:         30 * time.Second,
		PollInterval:     5 * time.Second,
	}
}

// Reconciler advances one service's DeploymentAttempt per Tick call. A
// single logical reconciler runs per (tenantId, serviceName) at a time,
// enforced by LeaseManager.
type Reconciler struct {
	plane   *control.Plane
	store   storage.Store
	gw      gateway.Gateway
	health  *health.Evaluator
	traffic *traffic.Splitter
	builder Builder
	leases  *LeaseManager
	nodeID  string
	cfg     Config
	secrets secrets.Store // may be nil; only env.fromSecret references require it
}

// SetSecrets wires the secret store used to resolve env.fromSecret
// references when applying a workload. Optional: a ServiceSpec with no
// such references works without calling this.
func (r *Reconciler) SetSecrets(s secrets.Store) { r.secrets = s }

// New constructs a Reconciler. builder may be nil, in which case only
// already-digest-pinned images are accepted.
func New(plane *control.Plane, gw gateway.Gateway, evaluator *health.Evaluator, splitter *traffic.Splitter, builder Builder, nodeID string, cfg Config) *Reconciler {
	if builder == nil {
		builder = immediateBuilder{}
	}
	return &Reconciler{
		plane:   plane,
		store:   plane.Store(),
		gw:      gw,
		health:  evaluator,
		traffic: splitter,
		builder: builder,
		leases:  NewLeaseManager(),
		nodeID:  nodeID,
		cfg:     cfg,
	}
}

func serviceKey(tenantID, name string) string {
	return tenantID + "/" + name
}

// Tick performs one reconciliation step for (tenantID, serviceName). It is
// safe to call repeatedly and concurrently across services; within one
// service it is serialized by LeaseManager, returning immediately (nil
// error, no-op) if another caller already holds the lease.
func (r *Reconciler) Tick(ctx context.Context, tenantID, serviceName string) error {
	key := serviceKey(tenantID, serviceName)
	owner := idgen.NewID(r.nodeID)
	if !r.leases.Acquire(key, owner, r.cfg.LeaseTTL) {
		return nil
	}
	defer r.leases.Release(key, owner)

	spec, err := r.store.GetServiceSpec(tenantID, serviceName)
	if err != nil {
		var nf *storage.ErrNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}

	specHash, err := domain.CanonicalHash(spec)
	if err != nil {
		return fmt.Errorf("hash service spec: %w", err)
	}

	attempt, err := r.store.GetActiveAttempt(tenantID, serviceName)
	if err != nil {
		var nf *storage.ErrNotFound
		if !errors.As(err, &nf) {
			return err
		}
		attempt = nil
	}

	if attempt != nil && attempt.TargetHash != specHash {
		if err := r.cancelAttempt(ctx, spec, attempt); err != nil {
			log.Errorf("cancel superseded attempt", err)
		}
		attempt = nil
	}

	if attempt == nil {
		converged, err := r.alreadyConverged(tenantID, serviceName, specHash)
		if err != nil {
			return err
		}
		if converged {
			return nil
		}
		attempt, err = r.startAttempt(spec, specHash)
		if err != nil {
			return err
		}
	}

	now := time.Now()
	if !attempt.Phase.Terminal() && now.After(attempt.DeadlineAt) {
		return r.rollback(ctx, spec, attempt, domain.ReasonTimeout, "attempt exceeded its wall-clock cap")
	}

	return r.step(ctx, spec, attempt, now)
}

// alreadyConverged reports whether the most recent revision already
// matches specHash, meaning there is nothing to do (Idle, converged).
func (r *Reconciler) alreadyConverged(tenantID, name, specHash string) (bool, error) {
	revs, err := r.store.ListRevisionsByService(tenantID, name)
	if err != nil {
		return false, err
	}
	if len(revs) == 0 {
		return false, nil
	}
	latest := revs[len(revs)-1]
	for _, rev := range revs {
		if rev.Number > latest.Number {
			latest = rev
		}
	}
	return latest.SpecHash == specHash, nil
}

func (r *Reconciler) startAttempt(spec *domain.ServiceSpec, specHash string) (*domain.DeploymentAttempt, error) {
	now := time.Now()
	deadlineCap := r.timeoutFor(spec.Strategy.Type)

	revs, err := r.store.ListRevisionsByService(spec.TenantID, spec.Name)
	if err != nil {
		return nil, err
	}
	fromRevision := 0
	for _, rev := range revs {
		if rev.Number > fromRevision {
			fromRevision = rev.Number
		}
	}

	attempt := &domain.DeploymentAttempt{
		ID:           idgen.NewID("attempt"),
		TenantID:     spec.TenantID,
		ServiceName:  spec.Name,
		TargetHash:   specHash,
		FromRevision: fromRevision,
		Strategy:     spec.Strategy,
		Phase:        domain.PhasePending,
		Generation:   1,
		CreatedAt:    now,
		UpdatedAt:    now,
		DeadlineAt:   now.Add(deadlineCap),
		Version:      1,
	}
	if err := r.plane.CreateAttempt(attempt); err != nil {
		return nil, err
	}
	r.emitEvent(attempt, domain.EventDeploymentStarted, nil)
	return attempt, nil
}

func (r *Reconciler) timeoutFor(t domain.StrategyType) time.Duration {
	switch t {
	case domain.StrategyCanary:
		return r.cfg.CanaryTimeout
	case domain.StrategyBlueGreen:
		return r.cfg.BlueGreenTimeout
	default:
		return r.cfg.RollingTimeout
	}
}

// step executes one state-machine transition and persists it before
// returning, so a crash between ticks always resumes from a written
// state rather than repeating a non-idempotent external effect.
func (r *Reconciler) step(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt, now time.Time) error {
	switch attempt.Phase {
	case domain.PhasePending, domain.PhaseBuilding:
		return r.stepBuilding(ctx, spec, attempt)
	case domain.PhaseValidating:
		return r.stepValidating(ctx, spec, attempt)
	case domain.PhaseShifting:
		return r.stepShifting(ctx, spec, attempt)
	case domain.PhaseObserving:
		return r.stepObserving(ctx, spec, attempt, now)
	default:
		return nil // terminal phases do nothing
	}
}

func (r *Reconciler) stepBuilding(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt) error {
	digest, done, err := r.builder.EnsureBuild(ctx, spec.TenantID, spec.Name, spec.Image)
	if err != nil {
		return r.rollback(ctx, spec, attempt, domain.ReasonBuildFailed, err.Error())
	}
	if !done {
		if attempt.Phase != domain.PhaseBuilding {
			attempt.Phase = domain.PhaseBuilding
			return r.persist(attempt)
		}
		return nil
	}

	prevStableHandle := r.currentStableHandle(spec)

	revs, err := r.store.ListRevisionsByService(spec.TenantID, spec.Name)
	if err != nil {
		return err
	}
	rev := &domain.ServiceRevision{
		ID:          idgen.NewID("revision"),
		TenantID:    spec.TenantID,
		ServiceName: spec.Name,
		Number:      len(revs) + 1,
		ImageDigest: digest,
		SpecHash:    attempt.TargetHash,
		CreatedAt:   time.Now(),
	}
	attempt.ToRevisionID = rev.ID

	isGreen := attempt.Strategy.Type != domain.StrategyRolling
	handle, err := r.applyWorkload(ctx, spec, attempt, digest, isGreen)
	if err != nil {
		if err := r.plane.CreateRevision(rev); err != nil {
			log.Errorf("persist revision before failed apply", err)
		}
		return r.rollback(ctx, spec, attempt, domain.ReasonOrchestratorPermanent, err.Error())
	}

	rev.WorkloadHandle = handle
	if err := r.plane.CreateRevision(rev); err != nil {
		return err
	}

	if isGreen {
		attempt.BlueHandle = prevStableHandle
		attempt.GreenHandle = handle
	} else {
		attempt.BlueHandle = handle
	}
	attempt.Phase = domain.PhaseValidating
	return r.persist(attempt)
}

// currentStableHandle returns the Gateway handle of the service's last
// committed revision, so canary/blue-green attempts know which workload
// is "blue" without re-deriving it from scratch.
func (r *Reconciler) currentStableHandle(spec *domain.ServiceSpec) string {
	revs, err := r.store.ListRevisionsByService(spec.TenantID, spec.Name)
	if err != nil || len(revs) == 0 {
		return ""
	}
	best := revs[0]
	for _, rev := range revs {
		if rev.Number > best.Number {
			best = rev
		}
	}
	return best.WorkloadHandle
}

func (r *Reconciler) applyWorkload(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt, digest string, isGreen bool) (string, error) {
	replicas := spec.Autoscale.Max
	if replicas == 0 {
		replicas = 1
	}
	if isGreen && attempt.Strategy.Type == domain.StrategyCanary {
		w := attempt.Strategy.Canary.InitialWeight
		replicas = ceilPercent(replicas, w)
		if replicas == 0 {
			replicas = 1
		}
	}

	env, err := secrets.ResolveEnv(r.secrets, spec.TenantID, spec.Env)
	if err != nil {
		return "", err
	}

	version := attempt.ToRevisionID
	if isGreen {
		version = "green-" + attempt.ToRevisionID
	}
	podSpec := gateway.PodSpec{
		Image:       digest,
		Ports:       spec.Ports,
		Env:         env,
		Resources:   spec.Resources,
		Replicas:    replicas,
		HealthCheck: spec.HealthCheck,
	}
	handle, err := r.gw.ApplyWorkload(ctx, spec.TenantID, spec.Name, version, podSpec)
	if err != nil {
		return "", err
	}
	return string(handle), nil
}

func ceilPercent(total, percent int) int {
	if percent <= 0 {
		return 0
	}
	n := (total*percent + 99) / 100
	return n
}

func (r *Reconciler) stepValidating(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt) error {
	handle := gateway.WorkloadHandle(attempt.BlueHandle)
	if attempt.Strategy.Type != domain.StrategyRolling {
		handle = gateway.WorkloadHandle(attempt.GreenHandle)
	}
	status, err := r.gw.GetWorkloadStatus(ctx, handle)
	if err != nil {
		return r.rollback(ctx, spec, attempt, domain.ReasonOrchestratorPermanent, err.Error())
	}
	if status.ObservedGeneration < status.Generation {
		return nil // stale read, do not evaluate yet
	}
	if status.Ready < status.Replicas {
		return nil // still rolling out
	}

	r.emitEvent(attempt, domain.EventDeploymentProgressing, map[string]any{"phase": "ready"})

	switch attempt.Strategy.Type {
	case domain.StrategyRolling:
		attempt.Phase = domain.PhaseObserving
		resumeAt := time.Now().Add(time.Duration(spec.HealthGate.WindowSeconds) * time.Second)
		attempt.DwellResumeAt = &resumeAt
	case domain.StrategyCanary:
		w := attempt.Strategy.Canary.InitialWeight
		if err := r.programShift(ctx, spec, attempt, w, 0); err != nil {
			return r.rollback(ctx, spec, attempt, domain.ReasonOrchestratorPermanent, err.Error())
		}
		attempt.Phase = domain.PhaseObserving
		resumeAt := time.Now().Add(attempt.Strategy.Canary.ObservationTime)
		attempt.DwellResumeAt = &resumeAt
	case domain.StrategyBlueGreen:
		attempt.Phase = domain.PhaseShifting
	}
	return r.persist(attempt)
}

func (r *Reconciler) stepShifting(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt) error {
	var weight int
	var dwell time.Duration

	switch attempt.Strategy.Type {
	case domain.StrategyBlueGreen:
		weight = 100
		dwell = attempt.Strategy.BlueGreen.ValidationPeriod
	case domain.StrategyCanary:
		if attempt.StepIndex >= len(canarySteps) {
			return r.commit(ctx, spec, attempt)
		}
		weight = canarySteps[attempt.StepIndex]
		dwell = attempt.Strategy.Canary.ObservationTime / time.Duration(len(canarySteps))
	default:
		return nil
	}

	if err := r.programShift(ctx, spec, attempt, weight, 0); err != nil {
		return r.rollback(ctx, spec, attempt, domain.ReasonOrchestratorPermanent, err.Error())
	}
	if attempt.Strategy.Type == domain.StrategyCanary {
		attempt.StepIndex++
	}
	r.emitEvent(attempt, domain.EventDeploymentProgressing, map[string]any{"weight": weight})

	resumeAt := time.Now().Add(dwell)
	attempt.DwellResumeAt = &resumeAt
	attempt.Phase = domain.PhaseObserving
	return r.persist(attempt)
}

func (r *Reconciler) programShift(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt, weight int, dwellSeconds int) error {
	blue := gateway.WorkloadHandle(attempt.BlueHandle)
	green := gateway.WorkloadHandle(attempt.GreenHandle)
	if err := r.traffic.Shift(ctx, serviceKey(spec.TenantID, spec.Name), blue, green, weight, dwellSeconds); err != nil {
		return err
	}
	attempt.TrafficProgram = append(attempt.TrafficProgram, domain.TrafficStep{
		Weight: weight, DwellSeconds: dwellSeconds, AppliedAt: time.Now(),
	})
	return nil
}

func (r *Reconciler) stepObserving(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt, now time.Time) error {
	if attempt.DwellResumeAt != nil && now.Before(*attempt.DwellResumeAt) {
		return nil // dwell recorded on the attempt, resumed on a later tick rather than blocking
	}

	key := serviceKey(spec.TenantID, spec.Name)
	rationale, err := r.health.Evaluate(ctx, key, spec.HealthGate, now)
	if err != nil {
		return err
	}
	metrics.HealthVerdictsTotal.WithLabelValues(string(rationale.Verdict)).Inc()

	attempt.HealthVerdicts = appendRing(attempt.HealthVerdicts, string(rationale.Verdict), 10)
	attempt.ConsecutiveBad = rationale.ConsecutiveBad

	switch rationale.Verdict {
	case health.Unknown:
		resumeAt := now.Add(r.cfg.PollInterval)
		attempt.DwellResumeAt = &resumeAt
		return r.persist(attempt)
	case health.Unhealthy:
		return r.rollback(ctx, spec, attempt, domain.ReasonHealthGateFailed, "health gate failed")
	}

	// Healthy.
	switch attempt.Strategy.Type {
	case domain.StrategyRolling:
		return r.commit(ctx, spec, attempt)
	case domain.StrategyCanary:
		if attempt.StepIndex >= len(canarySteps) || !attempt.Strategy.Canary.AutoPromote {
			return r.commit(ctx, spec, attempt)
		}
		attempt.Phase = domain.PhaseShifting
		return r.persist(attempt)
	case domain.StrategyBlueGreen:
		return r.commit(ctx, spec, attempt)
	}
	return nil
}

func appendRing(ring []string, v string, max int) []string {
	ring = append(ring, v)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

func (r *Reconciler) commit(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt) error {
	if attempt.Strategy.Type != domain.StrategyRolling && attempt.BlueHandle != "" {
		if err := r.gw.DeleteWorkload(ctx, gateway.WorkloadHandle(attempt.BlueHandle)); err != nil {
			log.Errorf("delete superseded blue workload", err)
		}
	}
	attempt.Phase = domain.PhaseCommitted
	attempt.UpdatedAt = time.Now()
	if err := r.persist(attempt); err != nil {
		return err
	}
	if rev, err := r.store.GetRevision(attempt.ToRevisionID); err == nil {
		rev.PromotedAt = time.Now()
		if err := r.plane.CreateRevision(rev); err != nil {
			log.Errorf("mark revision promoted", err)
		}
	}
	metrics.AttemptsTotal.WithLabelValues(string(attempt.Strategy.Type), "committed").Inc()
	r.emitEvent(attempt, domain.EventDeploymentSucceeded, nil)
	return nil
}

func (r *Reconciler) rollback(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt, reason domain.FailureReason, note string) error {
	if attempt.GreenHandle != "" {
		if err := r.programShift(ctx, spec, attempt, 0, 0); err != nil {
			log.Errorf("revert route during rollback", err)
		}
		if err := r.gw.DeleteWorkload(ctx, gateway.WorkloadHandle(attempt.GreenHandle)); err != nil {
			log.Errorf("delete canary/green workload during rollback", err)
		}
	} else if attempt.Strategy.Type == domain.StrategyRolling && attempt.BlueHandle != "" {
		if err := r.gw.DeleteWorkload(ctx, gateway.WorkloadHandle(attempt.BlueHandle)); err != nil {
			log.Errorf("delete failed rolling workload during rollback", err)
		}
	}

	attempt.Phase = domain.PhaseRolledBack
	attempt.FailureReason = reason
	attempt.RollbackNote = note
	attempt.UpdatedAt = time.Now()
	if err := r.persist(attempt); err != nil {
		return err
	}
	metrics.AttemptsTotal.WithLabelValues(string(attempt.Strategy.Type), "rolledBack").Inc()
	r.emitEvent(attempt, domain.EventDeploymentRolledBack, map[string]any{"reason": string(reason)})
	return nil
}

func (r *Reconciler) cancelAttempt(ctx context.Context, spec *domain.ServiceSpec, attempt *domain.DeploymentAttempt) error {
	return r.rollback(ctx, spec, attempt, domain.ReasonNone, "superseded by a new service spec")
}

func (r *Reconciler) persist(attempt *domain.DeploymentAttempt) error {
	attempt.Version++
	attempt.UpdatedAt = time.Now()
	return r.plane.UpdateAttempt(attempt)
}

func (r *Reconciler) emitEvent(attempt *domain.DeploymentAttempt, eventType string, data map[string]any) {
	evt := &domain.Event{
		ID:        idgen.NewEventID(),
		Type:      eventType,
		TenantID:  attempt.TenantID,
		Resource:  domain.ResourceRef{Kind: "DeploymentAttempt", ID: attempt.ID},
		Timestamp: time.Now(),
		Data:      data,
	}
	if err := r.plane.AppendEvent(evt); err != nil {
		log.Errorf("append event", err)
	}
}
