// Package budget implements tenant admission control and usage metering:
// Admit gates build/deploy/scale requests against a tenant's monthly cost
// cap, and Gate.RunMetering periodically samples cluster usage into an
// append-only BudgetLedger, keeping the summary = sum(events) invariant
// by writing both in one control.Plane command per tick.
//
// Grounded on pkg/health/health.go's pluggable-source-plus-threshold
// shape (a ring of recent samples feeding a pass/fail decision),
// generalized from container liveness to a per-tenant cost threshold
// with two sentinel-gated notification points instead of one.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/idgen"
	"github.com/cuemby/orchestrator/internal/metrics"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/storage"
)

// UsageSample is one metered quantity observed for a tenant since the
// last sampling tick.
type UsageSample struct {
	TenantID string
	Metric   domain.BudgetMetric
	Quantity float64
}

// UsageSource supplies the current period's cluster usage to
// Gate.RunMetering. A real implementation samples running services/builds; it
// is a port so this package carries no cluster-runtime dependency.
type UsageSource interface {
	Sample(ctx context.Context) ([]UsageSample, error)
}

// CapProvider resolves a tenant's monthly cost cap. The default is a
// fixed Config value; a real deployment would back this with tenant
// billing configuration.
type CapProvider interface {
	CapCents(tenantID string) (int64, error)
}

// fixedCapProvider returns the same cap for every tenant.
type fixedCapProvider struct{ capCents int64 }

func (f fixedCapProvider) CapCents(string) (int64, error) { return f.capCents, nil }

// Config tunes unit costs, the default tenant cap, and sampling cadence.
type Config struct {
	DefaultCapCents  int64
	SampleInterval   time.Duration
	UnitCostCents    map[domain.BudgetMetric]int64
	ActionCostCents  map[domain.AdmissionAction]int64
	WarningFraction  float64 // e.g. 0.8
	CriticalFraction float64 // e.g. 1.0
}

// DefaultConfig returns reasonable unit costs and an hourly sampling tick.
func DefaultConfig() Config {
	return Config{
		DefaultCapCents: 10_000_00, // $10,000
		SampleInterval:  time.Hour,
		UnitCostCents: map[domain.BudgetMetric]int64{
			domain.MetricCPUSeconds:    1,
			domain.MetricMemoryGBHours: 2,
			domain.MetricEgressGB:      10,
			domain.MetricRequests:      0,
			domain.MetricBuilds:        50,
		},
		ActionCostCents: map[domain.AdmissionAction]int64{
			domain.ActionBuild:  50,
			domain.ActionDeploy: 0,
			domain.ActionScale:  0,
		},
		WarningFraction:  0.8,
		CriticalFraction: 1.0,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allow  bool
	Reason string
}

// Gate admits build/deploy/scale requests and meters usage.
type Gate struct {
	plane  *control.Plane
	store  storage.Store
	caps   CapProvider
	source UsageSource
	cfg    Config
}

// New constructs a Gate. caps may be nil, in which case every tenant
// shares cfg.DefaultCapCents. source may be nil if the caller only needs
// Admit (no periodic metering).
func New(plane *control.Plane, caps CapProvider, source UsageSource, cfg Config) *Gate {
	if caps == nil {
		caps = fixedCapProvider{capCents: cfg.DefaultCapCents}
	}
	return &Gate{plane: plane, store: plane.Store(), caps: caps, source: source, cfg: cfg}
}

func currentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}

// Admit evaluates whether tenantID may perform action against its
// current period's projected cost.
func (g *Gate) Admit(ctx context.Context, tenantID string, action domain.AdmissionAction) (Decision, error) {
	period := currentPeriod()
	summary, err := g.loadOrInitSummary(tenantID, period)
	if err != nil {
		return Decision{}, err
	}

	projected := summary.CostCents + g.cfg.ActionCostCents[action]
	if projected > summary.CapCents {
		metrics.BudgetAdmissionsTotal.WithLabelValues("denied").Inc()
		if !summary.ExceededSent {
			summary.ExceededSent = true
			summary.Version++
			if err := g.plane.PutBudgetSummary(summary); err != nil {
				log.Errorf("persist budget summary before exceeded event", err)
			} else {
				g.emitThresholdEvent(tenantID, domain.EventBudgetExceeded, summary)
			}
		}
		return Decision{Allow: false, Reason: "BudgetExceeded"}, nil
	}

	metrics.BudgetAdmissionsTotal.WithLabelValues("allowed").Inc()
	return Decision{Allow: true}, nil
}

func (g *Gate) loadOrInitSummary(tenantID, period string) (*domain.BudgetSummary, error) {
	summary, err := g.store.GetBudgetSummary(tenantID, period)
	if err == nil {
		return summary, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	capCents, err := g.caps.CapCents(tenantID)
	if err != nil {
		return nil, err
	}
	return &domain.BudgetSummary{TenantID: tenantID, Period: period, CapCents: capCents}, nil
}

// RunMetering samples usage on cfg.SampleInterval until ctx is
// cancelled. Each tick's append-plus-recompute commits as one Raft
// command (internal/control.Plane.RecordUsageBatch) so summary = sum(events)
// holds even across a crash mid-tick.
func (g *Gate) RunMetering(ctx context.Context) {
	if g.source == nil {
		return
	}
	ticker := time.NewTicker(g.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.meterTick(ctx); err != nil {
				log.Errorf("budget meter tick", err)
			}
		}
	}
}

func (g *Gate) meterTick(ctx context.Context) error {
	samples, err := g.source.Sample(ctx)
	if err != nil {
		return fmt.Errorf("sample usage: %w", err)
	}

	period := currentPeriod()
	byTenant := make(map[string][]UsageSample)
	for _, s := range samples {
		byTenant[s.TenantID] = append(byTenant[s.TenantID], s)
	}

	for tenantID, tenantSamples := range byTenant {
		if err := g.recordTenantUsage(tenantID, period, tenantSamples); err != nil {
			log.Errorf("record tenant usage", err)
		}
	}
	return nil
}

func (g *Gate) recordTenantUsage(tenantID, period string, samples []UsageSample) error {
	summary, err := g.loadOrInitSummary(tenantID, period)
	if err != nil {
		return err
	}

	now := time.Now()
	events := make([]*domain.BudgetEvent, 0, len(samples))
	for _, s := range samples {
		e := &domain.BudgetEvent{
			ID:            idgen.NewEventID(),
			TenantID:      tenantID,
			Period:        period,
			Metric:        s.Metric,
			Quantity:      s.Quantity,
			UnitCostCents: g.cfg.UnitCostCents[s.Metric],
			RecordedAt:    now,
		}
		events = append(events, e)
		summary.CostCents += e.CostCents()
	}
	summary.Version++

	crossedWarning := !summary.WarningSent && g.cfg.WarningFraction > 0 &&
		summary.CostCents >= int64(float64(summary.CapCents)*g.cfg.WarningFraction)
	crossedCritical := !summary.ExceededSent && summary.CostCents >= int64(float64(summary.CapCents)*g.cfg.CriticalFraction)
	if crossedWarning {
		summary.WarningSent = true
	}
	if crossedCritical {
		summary.ExceededSent = true
	}

	if err := g.plane.RecordUsageBatch(events, summary); err != nil {
		return err
	}

	if crossedWarning {
		g.emitThresholdEvent(tenantID, domain.EventBudgetWarning, summary)
	}
	if crossedCritical {
		g.emitThresholdEvent(tenantID, domain.EventBudgetExceeded, summary)
	}
	return nil
}

func (g *Gate) emitThresholdEvent(tenantID, eventType string, summary *domain.BudgetSummary) {
	evt := &domain.Event{
		ID:        idgen.NewEventID(),
		Type:      eventType,
		TenantID:  tenantID,
		Resource:  domain.ResourceRef{Kind: "BudgetSummary", ID: tenantID + "/" + summary.Period},
		Timestamp: time.Now(),
		Data:      map[string]any{"costCents": summary.CostCents, "capCents": summary.CapCents},
	}
	if err := g.plane.AppendEvent(evt); err != nil {
		log.Errorf("append budget threshold event", err)
	}
}

func isNotFound(err error) bool {
	var nf *storage.ErrNotFound
	return errors.As(err, &nf)
}
