// Package daemon wires the control plane, reconciler, build pipeline,
// budget gate, event bus, and webhook dispatcher into one long-running
// process and drives their periodic work. The ticker-driven sweep loops
// below generalize the teacher's MetricsCollector.Start
// (pkg/manager/metrics_collector.go) — a ticker plus stopCh goroutine —
// from "collect metrics every 15s" to "tick every service/region/budget/
// webhook/event concern on its own cadence."
package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/orchestrator/internal/budget"
	"github.com/cuemby/orchestrator/internal/buildexec"
	"github.com/cuemby/orchestrator/internal/buildqueue"
	"github.com/cuemby/orchestrator/internal/config"
	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/events"
	"github.com/cuemby/orchestrator/internal/gateway"
	"github.com/cuemby/orchestrator/internal/health"
	"github.com/cuemby/orchestrator/internal/multiregion"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/reconciler"
	"github.com/cuemby/orchestrator/internal/secrets"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/cuemby/orchestrator/internal/traffic"
	"github.com/cuemby/orchestrator/internal/webhook"
)

// Daemon owns every subsystem the orchestratord binary boots and their
// background loops.
type Daemon struct {
	cfg   config.Config
	Plane *control.Plane

	reconciler  *reconciler.Reconciler
	multiRegion *multiregion.Reconciler
	buildQueue  *buildqueue.Queue
	buildExec   *buildexec.Executor
	budgetGate  *budget.Gate
	broker      *events.Broker
	poller      *events.Poller
	webhooks    *webhook.Dispatcher

	wg sync.WaitGroup
}

// New constructs every subsystem against store and cfg but starts
// nothing; call Run to start the background loops.
func New(cfg config.Config, store storage.Store) (*Daemon, error) {
	plane, err := control.New(cfg.ControlConfig(), store)
	if err != nil {
		return nil, err
	}

	gw := gateway.NewHTTPAdapter(cfg.Gateway.BaseURL)
	// No real observability backend is wired in: MetricsSource is an
	// out-of-scope external collaborator (the spec excludes building one).
	evaluator := health.NewEvaluator(health.NewFakeMetricsSource(), cfg.Health.BucketSeconds)
	splitter := traffic.NewSplitter(gw)

	buildQueue := buildqueue.New(plane, cfg.BuildQueue)
	buildAdapter := buildexec.NewBuildAdapter(buildQueue, store)
	buildExec := buildexec.New(buildQueue, plane, nil, nil, nil, cfg.Node.ID, cfg.BuildExec)

	secretsMgr, err := newSecretsManager(plane, cfg)
	if err != nil {
		return nil, err
	}

	recon := reconciler.New(plane, gw, evaluator, splitter, buildAdapter, cfg.Node.ID, cfg.Reconciler)
	if secretsMgr != nil {
		recon.SetSecrets(secretsMgr)
	}
	mr := newMultiRegion(plane, cfg, evaluator, buildAdapter, secretsMgr)

	budgetGate := budget.New(plane, nil, nil, cfg.Budget.ToBudgetConfig())

	broker := events.NewBroker(64)
	poller := events.NewPoller(store, broker, time.Second, "")
	dispatcher := webhook.New(plane, cfg.Webhook)

	return &Daemon{
		cfg:         cfg,
		Plane:       plane,
		reconciler:  recon,
		multiRegion: mr,
		buildQueue:  buildQueue,
		buildExec:   buildExec,
		budgetGate:  budgetGate,
		broker:      broker,
		poller:      poller,
		webhooks:    dispatcher,
	}, nil
}

// newMultiRegion builds one reconciler.Reconciler per configured region
// (falling back to a single implicit "local" region pointed at the
// primary gateway when none are configured) and wraps them in a
// multiregion.Reconciler, probing each region over plain HTTP and
// logging the computed route program rather than pushing it to a real
// DNS/anycast control plane (an out-of-scope external collaborator, same
// stance as Gateway's cluster-manager and health.MetricsSource).
func newMultiRegion(plane *control.Plane, cfg config.Config, evaluator *health.Evaluator, builder reconciler.Builder, secretsMgr secrets.Store) *multiregion.Reconciler {
	newRegion := func(gwCfg config.GatewayConfig) multiregion.RegionReconciler {
		gw := gateway.NewHTTPAdapter(gwCfg.BaseURL)
		rec := reconciler.New(plane, gw, evaluator, traffic.NewSplitter(gw), builder, cfg.Node.ID, cfg.Reconciler)
		if secretsMgr != nil {
			rec.SetSecrets(secretsMgr)
		}
		return rec
	}

	regions := make(map[string]multiregion.RegionReconciler)
	endpoints := make(map[string]string, len(cfg.Regions))
	if len(cfg.Regions) == 0 {
		regions["local"] = newRegion(cfg.Gateway)
		endpoints["local"] = cfg.Gateway.BaseURL + "/healthz"
	} else {
		for name, gwCfg := range cfg.Regions {
			regions[name] = newRegion(gwCfg)
			endpoints[name] = gwCfg.BaseURL + "/healthz"
		}
	}
	probe := multiregion.NewHTTPRegionHealthProbe(endpoints)
	return multiregion.New(regions, probe, multiregion.LoggingGlobalRouter{})
}

// newSecretsManager constructs the secret store env.fromSecret
// references resolve through, or nil if no password is configured (a
// ServiceSpec with no such reference works fine without one).
func newSecretsManager(plane *control.Plane, cfg config.Config) (secrets.Store, error) {
	if cfg.Secrets.Password == "" {
		return nil, nil
	}
	mgr, err := secrets.NewManagerFromPassword(plane, cfg.Secrets.Password)
	if err != nil {
		return nil, err
	}
	return mgr, nil
}

// Reconciler returns the primary Service Reconciler (the one over
// cfg.Gateway that ticks services without a MultiRegionSpec), for operator
// tooling (internal/adminapi) to trigger an
// out-of-band tick against.
func (d *Daemon) Reconciler() *reconciler.Reconciler { return d.reconciler }

// Bootstrap forms a single-node raft cluster if cfg.Node.Bootstrap is set.
func (d *Daemon) Bootstrap() error {
	if !d.cfg.Node.Bootstrap {
		return nil
	}
	return d.Plane.Bootstrap(d.cfg.Node.BindAddr)
}

// Run starts every background loop and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) {
	d.broker.Start()

	sub := d.broker.Subscribe()
	d.spawn(ctx, func(ctx context.Context) { d.forwardToWebhooks(ctx, sub) })
	d.spawn(ctx, func(ctx context.Context) { d.poller.Run(ctx) })
	d.spawn(ctx, func(ctx context.Context) { d.buildExec.Run(ctx) })
	d.spawn(ctx, func(ctx context.Context) { d.webhooks.Run(ctx) })
	d.spawn(ctx, func(ctx context.Context) { d.budgetGate.RunMetering(ctx) })
	d.spawn(ctx, d.runReconcileLoop)

	<-ctx.Done()
	d.broker.Unsubscribe(sub)
	d.wg.Wait()
}

// Shutdown stops the raft plane; background loops exit on ctx
// cancellation passed to Run.
func (d *Daemon) Shutdown() error {
	d.broker.Stop()
	return d.Plane.Shutdown()
}

func (d *Daemon) spawn(ctx context.Context, fn func(ctx context.Context)) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn(ctx)
	}()
}

// forwardToWebhooks hands every broker-fanned event to the webhook
// dispatcher so it can materialize WebhookDelivery rows for matching
// subscriptions.
func (d *Daemon) forwardToWebhooks(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := d.webhooks.HandleEvent(evt); err != nil {
				log.Errorf("hand event to webhook dispatcher", err)
			}
		}
	}
}

func (d *Daemon) runReconcileLoop(ctx context.Context) {
	interval := d.cfg.Scheduler.ReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.reconcileAllServices(ctx)
		}
	}
}

// reconcileAllServices ticks every registered service once: services
// with a MultiRegionSpec go through the multi-region reconciler (which
// in turn ticks each region's own Reconciler), everything else through
// the plain per-region Reconciler directly.
func (d *Daemon) reconcileAllServices(ctx context.Context) {
	specs, err := d.Plane.Store().ListServiceSpecs()
	if err != nil {
		log.Errorf("list service specs for reconcile sweep", err)
		return
	}
	for _, spec := range specs {
		mrSpec, err := d.Plane.Store().GetMultiRegionSpec(spec.TenantID, spec.Name)
		if err == nil && mrSpec != nil {
			if err := d.multiRegion.Tick(ctx, mrSpec); err != nil {
				log.Errorf("multi-region tick", err)
			}
			continue
		}
		if err := d.reconciler.Tick(ctx, spec.TenantID, spec.Name); err != nil {
			log.Errorf("reconcile tick", err)
		}
	}
}
