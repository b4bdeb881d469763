// Package config loads the orchestrator daemon's YAML configuration file
// into the explicit per-subsystem Config structs each package already
// defines, following the teacher's cmd/warren flag-plus-struct pattern
// but sourced from a single file rather than per-command flags, since
// this daemon has one long-running process instead of warren's many
// short-lived CLI invocations.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/orchestrator/internal/budget"
	"github.com/cuemby/orchestrator/internal/buildexec"
	"github.com/cuemby/orchestrator/internal/buildqueue"
	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/reconciler"
	"github.com/cuemby/orchestrator/internal/webhook"
)

// Config is the top-level daemon configuration document. Durations
// embedded from subsystem Config structs (reconciler.Config.RollingTimeout
// and similar) are written as Go duration strings ("5s", "15m") in the
// YAML document: gopkg.in/yaml.v3 parses them with time.ParseDuration
// into time.Duration fields and rejects bare integers for those fields.
type Config struct {
	Node       NodeConfig        `yaml:"node"`
	Log        LogConfig         `yaml:"log"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Health     HealthConfig      `yaml:"health"`
	Reconciler reconciler.Config `yaml:"reconciler"`
	BuildQueue buildqueue.Config `yaml:"buildQueue"`
	BuildExec  buildexec.Config  `yaml:"buildExecutor"`
	Budget     BudgetConfig      `yaml:"budget"`
	Webhook    webhook.Config    `yaml:"webhook"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Secrets    SecretsConfig     `yaml:"secrets"`
	// Regions maps region name to that region's cluster-manager gateway,
	// one entry per region the multi-region reconciler may target. A
	// single-region deployment can leave this empty; the daemon falls
	// back to one implicit "local" region pointed at Gateway.BaseURL.
	Regions map[string]GatewayConfig `yaml:"regions"`
}

// NodeConfig identifies this process within the raft cluster.
type NodeConfig struct {
	ID       string `yaml:"id"`
	BindAddr string `yaml:"bindAddr"`
	DataDir  string `yaml:"dataDir"`
	Bootstrap bool  `yaml:"bootstrap"`
}

// LogConfig mirrors internal/obs/log.Config, substituting a string
// level for the package's Level type so the document stays plain YAML.
type LogConfig struct {
	Level      string `yaml:"level"`
	JSONOutput bool   `yaml:"jsonOutput"`
}

// GatewayConfig points at the external cluster-manager API the
// HTTPAdapter calls through.
type GatewayConfig struct {
	BaseURL string `yaml:"baseUrl"`
}

// HealthConfig tunes the rollout health evaluator's bucket width.
type HealthConfig struct {
	BucketSeconds int `yaml:"bucketSeconds"`
}

// BudgetConfig is budget.Config with its map fields given YAML-friendly
// list shapes, since map[domain.BudgetMetric]int64 does not round-trip
// cleanly through plain YAML scalars.
type BudgetConfig struct {
	DefaultCapCents  int64                `yaml:"defaultCapCents"`
	SampleInterval   time.Duration        `yaml:"sampleInterval"`
	WarningFraction  float64              `yaml:"warningFraction"`
	CriticalFraction float64              `yaml:"criticalFraction"`
	UnitCosts        []UnitCostEntry      `yaml:"unitCosts"`
	ActionCosts      []ActionCostEntry    `yaml:"actionCosts"`
}

// UnitCostEntry is one (metric, cost) pair from the YAML document.
type UnitCostEntry struct {
	Metric domain.BudgetMetric `yaml:"metric"`
	Cents  int64               `yaml:"cents"`
}

// ActionCostEntry is one (action, cost) pair from the YAML document.
type ActionCostEntry struct {
	Action domain.AdmissionAction `yaml:"action"`
	Cents  int64                  `yaml:"cents"`
}

// ToBudgetConfig expands the YAML-friendly list shape into budget.Config's
// maps, falling back to budget.DefaultConfig's costs for any metric or
// action the document leaves unspecified.
func (b BudgetConfig) ToBudgetConfig() budget.Config {
	cfg := budget.DefaultConfig()
	if b.DefaultCapCents != 0 {
		cfg.DefaultCapCents = b.DefaultCapCents
	}
	if b.SampleInterval != 0 {
		cfg.SampleInterval = b.SampleInterval
	}
	if b.WarningFraction != 0 {
		cfg.WarningFraction = b.WarningFraction
	}
	if b.CriticalFraction != 0 {
		cfg.CriticalFraction = b.CriticalFraction
	}
	for _, e := range b.UnitCosts {
		cfg.UnitCostCents[e.Metric] = e.Cents
	}
	for _, e := range b.ActionCosts {
		cfg.ActionCostCents[e.Action] = e.Cents
	}
	return cfg
}

// SchedulerConfig tunes the daemon's tick cadence. ReconcileInterval
// drives internal/daemon's reconcile sweep, which ticks every service,
// multi-region ones included; the daemon does not read
// MultiRegionInterval.
type SchedulerConfig struct {
	ReconcileInterval  time.Duration `yaml:"reconcileInterval"`
	MultiRegionInterval time.Duration `yaml:"multiRegionInterval"`
}

// SecretsConfig supplies the key the daemon's internal/secrets.Manager
// encrypts env.fromSecret values with. A deployment leaves this empty
// only for services that never reference a secret; Reconciler.SetSecrets
// is simply not called in that case.
type SecretsConfig struct {
	Password string `yaml:"password"`
}

// Default returns a single-node configuration suitable for local
// development: bootstrap enabled, loopback bind address, a ./data
// data directory, and every subsystem's package defaults.
func Default() Config {
	return Config{
		Node: NodeConfig{
			ID:        "node-1",
			BindAddr:  "127.0.0.1:7946",
			DataDir:   "./data",
			Bootstrap: true,
		},
		Log: LogConfig{Level: "info", JSONOutput: true},
		Gateway: GatewayConfig{BaseURL: "http://127.0.0.1:9000"},
		Health:  HealthConfig{BucketSeconds: 10},
		Reconciler: reconciler.DefaultConfig(),
		BuildQueue: buildqueue.DefaultConfig(),
		BuildExec:  buildexec.DefaultConfig(),
		Budget:     BudgetConfig{},
		Webhook:    webhook.DefaultConfig(),
		Scheduler: SchedulerConfig{
			ReconcileInterval:   5 * time.Second,
			MultiRegionInterval: 15 * time.Second,
		},
	}
}

// Load reads and parses the YAML document at path, applying package
// defaults for any subsystem section left empty (a zero-value
// reconciler.Config, for instance, would otherwise mean "0s timeouts").
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	var doc struct {
		Node NodeConfig `yaml:"node"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if doc.Node.ID == "" {
		return Config{}, fmt.Errorf("config %s: node.id is required", path)
	}
	if doc.Node.DataDir == "" {
		return Config{}, fmt.Errorf("config %s: node.dataDir is required", path)
	}
	return cfg, nil
}

// LogLevel converts the YAML-friendly string level into log.Level,
// defaulting to InfoLevel for an empty or unrecognized value.
func (c Config) LogLevel() log.Level {
	switch c.Log.Level {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// ControlConfig builds the control.Config this node boots with.
func (c Config) ControlConfig() control.Config {
	return control.Config{NodeID: c.Node.ID, BindAddr: c.Node.BindAddr, DataDir: c.Node.DataDir}
}
