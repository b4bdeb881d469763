// Package domain holds the entity model shared across the orchestration
// control plane: ServiceSpec, ServiceRevision, DeploymentAttempt, Build,
// the BudgetEvent/BudgetSummary ledger types, and the webhook/event types,
// plus the enums and small value types they are built from.
package domain

import (
	"strings"
	"time"
)

// ServiceMode distinguishes replicated services from one-per-region/node
// global services, mirrored from the cluster's own service modes.
type ServiceMode string

const (
	ModeReplicated ServiceMode = "replicated"
	ModeGlobal     ServiceMode = "global"
)

// StrategyType selects the rollout algorithm for a ServiceSpec.
type StrategyType string

const (
	StrategyRolling   StrategyType = "rolling"
	StrategyCanary    StrategyType = "canary"
	StrategyBlueGreen StrategyType = "blueGreen"
)

// SwitchStrategy controls how blue-green flips traffic.
type SwitchStrategy string

const (
	SwitchImmediate SwitchStrategy = "immediate"
	SwitchGradual   SwitchStrategy = "gradual"
)

// EnvValue is either an inline string or a reference into a secret group.
// Exactly one of Value or FromSecret is set.
type EnvValue struct {
	Value      string `json:"value,omitempty"`
	FromSecret string `json:"fromSecret,omitempty"` // "<group>.<key>"
}

// ResourceRequirements mirrors the wire document's resources block.
type ResourceRequirements struct {
	CPU          string `json:"cpu,omitempty"`
	Memory       string `json:"memory,omitempty"`
	CPULimit     string `json:"cpuLimit,omitempty"`
	MemoryLimit  string `json:"memoryLimit,omitempty"`
}

// Autoscale bounds a service's replica count and the triggers that move it
// within those bounds.
type Autoscale struct {
	Min int `json:"min"`
	Max int `json:"max"`
	CPU int `json:"cpu,omitempty"`
	RPS int `json:"rps,omitempty"`
}

// HealthCheck is the workload-level liveness/readiness probe definition.
type HealthCheck struct {
	Path                string `json:"path"`
	Port                int    `json:"port"`
	InitialDelaySeconds int    `json:"initialDelaySeconds"`
	PeriodSeconds       int    `json:"periodSeconds"`
}

// HealthGate is the SLO gate the Health Evaluator checks a rollout against.
type HealthGate struct {
	Enabled          bool    `json:"enabled"`
	MaxErrorRate     float64 `json:"maxErrorRate"`
	MaxP95LatencyMs  int     `json:"maxP95Latency"`
	MinSuccessRate   float64 `json:"minSuccessRate"`
	WindowSeconds    int     `json:"window"`
	FailureThreshold int     `json:"failureThreshold"`
}

// CanaryParams configures the canary strategy.
type CanaryParams struct {
	InitialWeight   int           `json:"initialWeight"`
	ObservationTime time.Duration `json:"observationTime"`
	AutoPromote     bool          `json:"autoPromote"`
}

// BlueGreenParams configures the blue-green strategy.
type BlueGreenParams struct {
	SwitchStrategy   SwitchStrategy `json:"switchStrategy"`
	SwitchDuration   time.Duration  `json:"switchDuration"`
	ValidationPeriod time.Duration  `json:"validationPeriod"`
	RollbackOnError  bool           `json:"rollbackOnError"`
}

// Strategy is the tagged-variant rollout configuration: exactly one of
// Canary/BlueGreen is populated depending on Type.
type Strategy struct {
	Type      StrategyType     `json:"type"`
	Canary    *CanaryParams    `json:"canary,omitempty"`
	BlueGreen *BlueGreenParams `json:"blueGreen,omitempty"`
}

// ServiceSpec is the declared desired state of a deployable workload, keyed
// by (TenantID, Name).
type ServiceSpec struct {
	TenantID    string                `json:"-"`
	Name        string                `json:"-"`
	Mode        ServiceMode           `json:"mode,omitempty"`
	Image       string                `json:"image"`
	Ports       []int32               `json:"ports"`
	Env         map[string]EnvValue   `json:"env,omitempty"`
	Resources   ResourceRequirements  `json:"resources,omitempty"`
	Autoscale   Autoscale             `json:"autoscale,omitempty"`
	HealthCheck HealthCheck           `json:"healthCheck"`
	Strategy    Strategy              `json:"strategy"`
	HealthGate  HealthGate            `json:"healthGate"`

	// SpecHash is the SHA-256 of the canonicalized document above; computed
	// by CanonicalHash, not carried on the wire.
	SpecHash string `json:"-"`
	// UpdatedAt records the last admitted write, for operator visibility.
	UpdatedAt time.Time `json:"-"`
}

// Key returns the (tenantId, name) composite identity of a ServiceSpec.
func (s ServiceSpec) Key() string {
	return s.TenantID + "/" + s.Name
}

// ServiceRevision is an immutable snapshot of a ServiceSpec at promotion
// time. Revisions form a linear history per service.
type ServiceRevision struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	ServiceName  string    `json:"serviceName"`
	Number       int       `json:"number"`
	ImageDigest  string    `json:"imageDigest"`
	SpecHash     string    `json:"specHash"`
	OriginBuildID string   `json:"originBuildId,omitempty"`
	// WorkloadHandle is the Gateway handle of the running workload this
	// revision promoted to "stable", so a later attempt can identify
	// "blue" without re-deriving it from the ApplyWorkload call site.
	WorkloadHandle string    `json:"workloadHandle,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	PromotedAt     time.Time `json:"promotedAt"`
	PromotedBy     string    `json:"promotedBy,omitempty"`
}

// AttemptPhase enumerates DeploymentAttempt states.
type AttemptPhase string

const (
	PhasePending     AttemptPhase = "Pending"
	PhaseBuilding    AttemptPhase = "Building"
	PhaseValidating  AttemptPhase = "Validating"
	PhaseShifting    AttemptPhase = "Shifting"
	PhaseObserving   AttemptPhase = "Observing"
	PhaseCommitted   AttemptPhase = "Committed"
	PhaseRolledBack  AttemptPhase = "RolledBack"
	PhaseFailed      AttemptPhase = "Failed"
)

// Terminal reports whether a phase is a terminal (immutable) attempt state.
func (p AttemptPhase) Terminal() bool {
	return p == PhaseCommitted || p == PhaseRolledBack || p == PhaseFailed
}

// FailureReason is the structured taxonomy surfaced on terminal attempts
// and builds.
type FailureReason string

const (
	ReasonNone                  FailureReason = ""
	ReasonBuildFailed           FailureReason = "BuildFailed"
	ReasonAdmissionRejected     FailureReason = "AdmissionRejected"
	ReasonOrchestratorPermanent FailureReason = "OrchestratorPermanent"
	ReasonHealthGateFailed      FailureReason = "HealthGateFailed"
	ReasonRollbackFailed        FailureReason = "RollbackFailed"
	ReasonInternalInconsistency FailureReason = "InternalInconsistency"
	ReasonTimeout               FailureReason = "Timeout"
	ReasonLeaseExpiredRepeatedly FailureReason = "LeaseExpiredRepeatedly"
)

// TrafficStep is one applied point in a DeploymentAttempt's traffic
// program: a weight held for a dwell, recorded so the reconciler can
// resume a shift after a crash instead of re-deriving it.
type TrafficStep struct {
	Weight       int       `json:"weight"`
	DwellSeconds int       `json:"dwellSeconds"`
	AppliedAt    time.Time `json:"appliedAt"`
}

// DeploymentAttempt is a single reconciliation episode advancing a service
// from its committed revision to a new one.
type DeploymentAttempt struct {
	ID          string       `json:"id"`
	TenantID    string       `json:"tenantId"`
	ServiceName string       `json:"serviceName"`
	TargetHash  string       `json:"targetHash"`
	FromRevision int         `json:"fromRevision"`
	ToRevisionID string      `json:"toRevisionId"`
	Strategy    Strategy     `json:"strategy"`
	Phase       AttemptPhase `json:"phase"`
	Generation  int64        `json:"generation"`

	BlueHandle  string `json:"blueHandle,omitempty"`
	GreenHandle string `json:"greenHandle,omitempty"`

	TrafficProgram []TrafficStep `json:"trafficProgram,omitempty"`
	// DwellResumeAt is set while a step's dwell is in progress so a restart
	// can resume counting down instead of restarting the dwell.
	DwellResumeAt *time.Time `json:"dwellResumeAt,omitempty"`
	StepIndex      int       `json:"stepIndex"`

	HealthVerdicts []string `json:"healthVerdicts,omitempty"` // ring of recent Healthy/Unhealthy/Unknown
	ConsecutiveBad int      `json:"consecutiveBad"`

	FailureReason FailureReason `json:"failureReason,omitempty"`
	RollbackNote  string        `json:"rollbackNote,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	DeadlineAt time.Time  `json:"deadlineAt"`
	Version    int        `json:"version"` // optimistic concurrency counter
}

// Key returns the (tenantId, serviceName) the attempt belongs to.
func (a DeploymentAttempt) Key() string {
	return a.TenantID + "/" + a.ServiceName
}

// TrafficPolicyStrategy selects how a MultiRegionSpec distributes traffic
// across its enabled regions.
type TrafficPolicyStrategy string

const (
	TrafficWeighted TrafficPolicyStrategy = "weighted"
	TrafficLatency  TrafficPolicyStrategy = "latency"
	TrafficGeo      TrafficPolicyStrategy = "geo"
)

// Failover names the ordered fallback chain a geo policy walks when its
// mapped region is unhealthy.
type Failover struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}

// TrafficPolicy configures how MultiRegionSpec picks regional weights.
type TrafficPolicy struct {
	Strategy    TrafficPolicyStrategy `json:"strategy"`
	HealthCheck HealthCheck           `json:"healthCheck"`
	Failover    Failover              `json:"failover,omitempty"`
}

// RegionSpec is one region's participation in a MultiRegionSpec: its
// static weight (for the weighted/latency strategies), optional overrides
// applied on top of the shared ServiceSpec, and whether it is enabled.
type RegionSpec struct {
	Region           string            `json:"region"`
	Weight           int               `json:"weight"`
	ReplicasOverride int               `json:"replicasOverride,omitempty"`
	EnvOverride      map[string]string `json:"envOverride,omitempty"`
	Enabled          bool              `json:"enabled"`
}

// MultiRegionSpec composes a single ServiceSpec across the regions it is
// deployed to and the policy used to route client traffic among them.
type MultiRegionSpec struct {
	TenantID    string        `json:"tenantId"`
	ServiceName string        `json:"serviceName"`
	Regions     []RegionSpec  `json:"regions"`
	Policy      TrafficPolicy `json:"policy"`
}

// BuildState enumerates Build lifecycle states.
type BuildState string

const (
	BuildPending   BuildState = "pending"
	BuildRunning   BuildState = "running"
	BuildSucceeded BuildState = "succeeded"
	BuildFailed    BuildState = "failed"
	BuildCancelled BuildState = "cancelled"
)

// Build represents one (tenant, repo, commit) build request; identical
// (tenant, repo, commit, buildEnv) tuples collapse onto the same Build.
type Build struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	RepoURL   string            `json:"repoUrl"`
	CommitSHA string            `json:"commitSha"`
	BuildEnv  map[string]string `json:"buildEnv,omitempty"`

	State         BuildState    `json:"state"`
	Attempts      int           `json:"attempts"`
	LeaseWorkerID string        `json:"leaseWorkerId,omitempty"`
	LeaseExpires  time.Time     `json:"leaseExpires,omitempty"`

	ImageDigest   string        `json:"imageDigest,omitempty"`
	FailureReason FailureReason `json:"failureReason,omitempty"`

	StartedAt   time.Time `json:"startedAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	Version     int       `json:"version"`
}

// IdempotencyKey is the content-addressing key for build dedup.
func (b Build) IdempotencyKey() string {
	return BuildKey(b.TenantID, b.RepoURL, b.CommitSHA, b.BuildEnv)
}

// BudgetMetric enumerates the meterable usage dimensions.
type BudgetMetric string

const (
	MetricCPUSeconds    BudgetMetric = "cpu_seconds"
	MetricMemoryGBHours BudgetMetric = "memory_gb_hours"
	MetricEgressGB      BudgetMetric = "egress_gb"
	MetricRequests      BudgetMetric = "requests"
	MetricBuilds        BudgetMetric = "builds"
)

// BudgetEvent is one append-only usage record.
type BudgetEvent struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenantId"`
	Period        string       `json:"period"` // "2026-07"
	Metric        BudgetMetric `json:"metric"`
	Quantity      float64      `json:"quantity"`
	UnitCostCents int64        `json:"unitCostCents"`
	RecordedAt    time.Time    `json:"recordedAt"`
}

// CostCents returns the event's contribution to period cost.
func (e BudgetEvent) CostCents() int64 {
	return int64(e.Quantity*float64(e.UnitCostCents) + 0.5)
}

// BudgetSummary is the derived per-tenant, per-period aggregate; the
// invariant summary = Σevents is maintained by recomputing it inside the
// same transaction that appends an event.
type BudgetSummary struct {
	TenantID     string `json:"tenantId"`
	Period       string `json:"period"`
	CostCents    int64  `json:"costCents"`
	CapCents     int64  `json:"capCents"`
	WarningSent  bool   `json:"warningSent"`
	ExceededSent bool   `json:"exceededSent"`
	Version      int    `json:"version"`
}

// AdmissionAction enumerates actions the budget gate admits or rejects.
type AdmissionAction string

const (
	ActionBuild  AdmissionAction = "build"
	ActionDeploy AdmissionAction = "deploy"
	ActionScale  AdmissionAction = "scale"
)

// WebhookSubscription is a tenant's registered delivery target.
type WebhookSubscription struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenantId"`
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	EventTypes []string `json:"eventTypes"`
	Disabled   bool     `json:"disabled"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Matches reports whether the subscription wants the given event type. An
// entry "*" matches every type; an entry "<category>.*" matches every type
// in that category.
func (s WebhookSubscription) Matches(eventType string) bool {
	if s.Disabled {
		return false
	}
	for _, t := range s.EventTypes {
		if t == eventType || t == "*" {
			return true
		}
		if strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(t, "*")) {
			return true
		}
	}
	return false
}

// DeliveryState enumerates WebhookDelivery states.
type DeliveryState string

const (
	DeliveryQueued       DeliveryState = "Queued"
	DeliveryInFlight     DeliveryState = "InFlight"
	DeliveryDelivered    DeliveryState = "Delivered"
	DeliveryRetrying     DeliveryState = "Retrying"
	DeliveryDeadLettered DeliveryState = "DeadLettered"
)

// WebhookDelivery tracks one subscription's delivery of one event.
type WebhookDelivery struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscriptionId"`
	EventID        string        `json:"eventId"`
	Attempt        int           `json:"attempt"`
	State          DeliveryState `json:"state"`
	NextAttemptAt  time.Time     `json:"nextAttemptAt"`
	LastStatusCode int           `json:"lastStatusCode,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
	Version        int           `json:"version"`
}

// Event is the durable, signed notification of an externally observable
// state change, fanned out to the event bus and webhook dispatcher.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	TenantID   string          `json:"tenantId"`
	Resource   ResourceRef     `json:"resource"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       map[string]any  `json:"data,omitempty"`
}

// ResourceRef identifies the entity an Event describes.
type ResourceRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Secret is one encrypted (tenantID, group, key) value, resolved at
// apply time for a ServiceSpec.Env entry whose FromSecret references it.
// Ciphertext is AES-256-GCM output (nonce prepended); the plaintext
// never reaches storage or the raft log.
type Secret struct {
	TenantID   string `json:"tenantId"`
	Group      string `json:"group"`
	Key        string `json:"key"`
	Ciphertext []byte `json:"ciphertext"`
	Version    int    `json:"version"`
}

// Canonical event type constants.
const (
	EventDeploymentStarted     = "deployment.started"
	EventDeploymentProgressing = "deployment.progressing"
	EventDeploymentSucceeded   = "deployment.succeeded"
	EventDeploymentFailed      = "deployment.failed"
	EventDeploymentRolledBack  = "deployment.rolledBack"
	EventBuildQueued           = "build.queued"
	EventBuildStarted          = "build.started"
	EventBuildSucceeded        = "build.succeeded"
	EventBuildFailed           = "build.failed"
	EventServiceCreated        = "service.created"
	EventServiceUpdated        = "service.updated"
	EventServiceDeleted        = "service.deleted"
	EventBudgetWarning         = "budget.warning"
	EventBudgetExceeded        = "budget.exceeded"
	EventWebhookDeadLettered   = "webhook.deadlettered"
	EventTest                  = "test"

	// Build Executor progress events. Finer-grained than the build.* bus
	// events above; emitted as a single build job advances through fetch,
	// layer push, and completion.
	EventBuildingStarted     = "building.started"
	EventBuildingLayerPushed = "building.layerPushed"
	EventBuildingCompleted   = "building.completed"
	EventBuildingFailed      = "building.failed"
)
