package control

import (
	"encoding/json"

	"github.com/cuemby/orchestrator/internal/domain"
)

func marshalCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

func command(op string, payload any) (Command, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}

// The following helpers mirror Manager's CreateX/UpdateX
// convenience methods (pkg/manager/manager.go): build a typed Command and
// Apply it in one call.

func (p *Plane) CreateServiceSpec(spec *domain.ServiceSpec) error {
	cmd, err := command(OpCreateServiceSpec, spec)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) DeleteServiceSpec(tenantID, name string) error {
	cmd, err := command(OpDeleteServiceSpec, struct{ TenantID, Name string }{tenantID, name})
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) PutMultiRegionSpec(spec *domain.MultiRegionSpec) error {
	cmd, err := command(OpPutMultiRegionSpec, spec)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) DeleteMultiRegionSpec(tenantID, serviceName string) error {
	cmd, err := command(OpDeleteMultiRegionSpec, struct{ TenantID, ServiceName string }{tenantID, serviceName})
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) CreateRevision(rev *domain.ServiceRevision) error {
	cmd, err := command(OpCreateRevision, rev)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) CreateAttempt(a *domain.DeploymentAttempt) error {
	cmd, err := command(OpCreateAttempt, a)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) UpdateAttempt(a *domain.DeploymentAttempt) error {
	cmd, err := command(OpUpdateAttempt, a)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) CreateBuild(b *domain.Build) error {
	cmd, err := command(OpCreateBuild, b)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) UpdateBuild(b *domain.Build) error {
	cmd, err := command(OpUpdateBuild, b)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) AppendBudgetEvent(e *domain.BudgetEvent) error {
	cmd, err := command(OpAppendBudgetEvent, e)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) PutBudgetSummary(s *domain.BudgetSummary) error {
	cmd, err := command(OpPutBudgetSummary, s)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

// RecordUsageBatch appends events and writes their recomputed summary in
// one Raft command, so the two never commit as separate log entries.
func (p *Plane) RecordUsageBatch(events []*domain.BudgetEvent, summary *domain.BudgetSummary) error {
	cmd, err := command(OpRecordUsageBatch, usageBatch{Events: events, Summary: summary})
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) CreateWebhookSubscription(s *domain.WebhookSubscription) error {
	cmd, err := command(OpCreateWebhookSub, s)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) DeleteWebhookSubscription(id string) error {
	cmd, err := command(OpDeleteWebhookSub, id)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) CreateDelivery(d *domain.WebhookDelivery) error {
	cmd, err := command(OpCreateDelivery, d)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) UpdateDelivery(d *domain.WebhookDelivery) error {
	cmd, err := command(OpUpdateDelivery, d)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) AppendEvent(e *domain.Event) error {
	cmd, err := command(OpAppendEvent, e)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) PutSecret(s *domain.Secret) error {
	cmd, err := command(OpPutSecret, s)
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}

func (p *Plane) DeleteSecret(tenantID, group, key string) error {
	cmd, err := command(OpDeleteSecret, struct{ TenantID, Group, Key string }{tenantID, group, key})
	if err != nil {
		return err
	}
	return p.Apply(cmd)
}
