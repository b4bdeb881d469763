// Package storage persists the control plane's entities. It mirrors the
// teacher's bucket-per-entity, JSON-marshaled BoltDB store, generalized
// from cluster primitives (nodes, containers, volumes) to the orchestrator's
// entities (services, revisions, attempts, builds, budget, webhooks,
// events).
package storage

import "github.com/cuemby/orchestrator/internal/domain"

// Store defines the interface for control-plane state storage.
type Store interface {
	CreateServiceSpec(spec *domain.ServiceSpec) error
	GetServiceSpec(tenantID, name string) (*domain.ServiceSpec, error)
	ListServiceSpecs() ([]*domain.ServiceSpec, error)
	DeleteServiceSpec(tenantID, name string) error

	PutMultiRegionSpec(spec *domain.MultiRegionSpec) error
	GetMultiRegionSpec(tenantID, serviceName string) (*domain.MultiRegionSpec, error)
	DeleteMultiRegionSpec(tenantID, serviceName string) error

	CreateRevision(rev *domain.ServiceRevision) error
	GetRevision(id string) (*domain.ServiceRevision, error)
	ListRevisionsByService(tenantID, name string) ([]*domain.ServiceRevision, error)

	CreateAttempt(a *domain.DeploymentAttempt) error
	UpdateAttempt(a *domain.DeploymentAttempt) error
	GetAttempt(id string) (*domain.DeploymentAttempt, error)
	GetActiveAttempt(tenantID, name string) (*domain.DeploymentAttempt, error)
	ListAttemptsByService(tenantID, name string) ([]*domain.DeploymentAttempt, error)

	CreateBuild(b *domain.Build) error
	UpdateBuild(b *domain.Build) error
	GetBuild(id string) (*domain.Build, error)
	GetBuildByIdempotencyKey(key string) (*domain.Build, error)
	ListPendingBuilds() ([]*domain.Build, error)
	ListBuildsByTenant(tenantID string) ([]*domain.Build, error)
	ListBuilds() ([]*domain.Build, error)

	AppendBudgetEvent(e *domain.BudgetEvent) error
	ListBudgetEvents(tenantID, period string) ([]*domain.BudgetEvent, error)
	PutBudgetSummary(s *domain.BudgetSummary) error
	GetBudgetSummary(tenantID, period string) (*domain.BudgetSummary, error)
	// RecordUsageBatch appends events and writes the recomputed summary in
	// one transaction, keeping the summary = sum(events) invariant.
	RecordUsageBatch(events []*domain.BudgetEvent, summary *domain.BudgetSummary) error

	CreateWebhookSubscription(s *domain.WebhookSubscription) error
	GetWebhookSubscription(id string) (*domain.WebhookSubscription, error)
	ListWebhookSubscriptions(tenantID string) ([]*domain.WebhookSubscription, error)
	DeleteWebhookSubscription(id string) error

	CreateDelivery(d *domain.WebhookDelivery) error
	UpdateDelivery(d *domain.WebhookDelivery) error
	GetDelivery(id string) (*domain.WebhookDelivery, error)
	ListDueDeliveries(before int64) ([]*domain.WebhookDelivery, error)

	AppendEvent(e *domain.Event) error
	GetEvent(id string) (*domain.Event, error)
	ListEventsSince(id string, limit int) ([]*domain.Event, error)

	PutSecret(s *domain.Secret) error
	GetSecret(tenantID, group, key string) (*domain.Secret, error)
	DeleteSecret(tenantID, group, key string) error

	Close() error
}

// ErrNotFound is returned by Get* lookups that find nothing.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return e.Kind + " not found: " + e.ID
}
