package control

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/hashicorp/raft"
)

// FSM implements the Raft finite state machine over the orchestrator's
// storage layer. Every non-idempotent state transition in the system
// (service admission, attempt transitions, build lease changes, budget
// events, webhook delivery bookkeeping, durable events) goes through
// Apply so it is persisted before any side effect that is not itself
// idempotent, per the crash-safety requirement on attempt transitions.
type FSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewFSM constructs an FSM backed by store.
func NewFSM(store storage.Store) *FSM {
	return &FSM{store: store}
}

// Command is one state-change operation in the Raft log.
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// usageBatch bundles the events and recomputed summary for one metering
// tick so they commit to storage atomically.
type usageBatch struct {
	Events  []*domain.BudgetEvent `json:"events"`
	Summary *domain.BudgetSummary `json:"summary"`
}

// Operation names dispatched by Apply.
const (
	OpCreateServiceSpec    = "create_service_spec"
	OpDeleteServiceSpec    = "delete_service_spec"
	OpPutMultiRegionSpec   = "put_multiregion_spec"
	OpDeleteMultiRegionSpec = "delete_multiregion_spec"
	OpCreateRevision       = "create_revision"
	OpCreateAttempt        = "create_attempt"
	OpUpdateAttempt        = "update_attempt"
	OpCreateBuild          = "create_build"
	OpUpdateBuild          = "update_build"
	OpAppendBudgetEvent    = "append_budget_event"
	OpPutBudgetSummary     = "put_budget_summary"
	OpRecordUsageBatch     = "record_usage_batch"
	OpCreateWebhookSub     = "create_webhook_subscription"
	OpDeleteWebhookSub     = "delete_webhook_subscription"
	OpCreateDelivery       = "create_delivery"
	OpUpdateDelivery       = "update_delivery"
	OpAppendEvent          = "append_event"
	OpPutSecret            = "put_secret"
	OpDeleteSecret         = "delete_secret"
)

// Apply is invoked by Raft once a log entry commits.
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpCreateServiceSpec:
		var spec domain.ServiceSpec
		if err := json.Unmarshal(cmd.Data, &spec); err != nil {
			return err
		}
		return f.store.CreateServiceSpec(&spec)

	case OpDeleteServiceSpec:
		var key struct{ TenantID, Name string }
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		return f.store.DeleteServiceSpec(key.TenantID, key.Name)

	case OpPutMultiRegionSpec:
		var spec domain.MultiRegionSpec
		if err := json.Unmarshal(cmd.Data, &spec); err != nil {
			return err
		}
		return f.store.PutMultiRegionSpec(&spec)

	case OpDeleteMultiRegionSpec:
		var key struct{ TenantID, ServiceName string }
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		return f.store.DeleteMultiRegionSpec(key.TenantID, key.ServiceName)

	case OpCreateRevision:
		var rev domain.ServiceRevision
		if err := json.Unmarshal(cmd.Data, &rev); err != nil {
			return err
		}
		return f.store.CreateRevision(&rev)

	case OpCreateAttempt:
		var a domain.DeploymentAttempt
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.CreateAttempt(&a)

	case OpUpdateAttempt:
		var a domain.DeploymentAttempt
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.UpdateAttempt(&a)

	case OpCreateBuild:
		var b domain.Build
		if err := json.Unmarshal(cmd.Data, &b); err != nil {
			return err
		}
		return f.store.CreateBuild(&b)

	case OpUpdateBuild:
		var b domain.Build
		if err := json.Unmarshal(cmd.Data, &b); err != nil {
			return err
		}
		return f.store.UpdateBuild(&b)

	case OpAppendBudgetEvent:
		var e domain.BudgetEvent
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.store.AppendBudgetEvent(&e)

	case OpPutBudgetSummary:
		var s domain.BudgetSummary
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return f.store.PutBudgetSummary(&s)

	case OpRecordUsageBatch:
		var batch usageBatch
		if err := json.Unmarshal(cmd.Data, &batch); err != nil {
			return err
		}
		return f.store.RecordUsageBatch(batch.Events, batch.Summary)

	case OpCreateWebhookSub:
		var s domain.WebhookSubscription
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return f.store.CreateWebhookSubscription(&s)

	case OpDeleteWebhookSub:
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteWebhookSubscription(id)

	case OpCreateDelivery:
		var d domain.WebhookDelivery
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		return f.store.CreateDelivery(&d)

	case OpUpdateDelivery:
		var d domain.WebhookDelivery
		if err := json.Unmarshal(cmd.Data, &d); err != nil {
			return err
		}
		return f.store.UpdateDelivery(&d)

	case OpAppendEvent:
		var e domain.Event
		if err := json.Unmarshal(cmd.Data, &e); err != nil {
			return err
		}
		return f.store.AppendEvent(&e)

	case OpPutSecret:
		var s domain.Secret
		if err := json.Unmarshal(cmd.Data, &s); err != nil {
			return err
		}
		return f.store.PutSecret(&s)

	case OpDeleteSecret:
		var key struct{ TenantID, Group, Key string }
		if err := json.Unmarshal(cmd.Data, &key); err != nil {
			return err
		}
		return f.store.DeleteSecret(key.TenantID, key.Group, key.Key)

	default:
		return fmt.Errorf("unknown command op: %s", cmd.Op)
	}
}

// Snapshot is unused in single-node operation beyond satisfying the raft.FSM
// interface; restore relies on replaying the bbolt file directly since the
// store itself is the durable copy (see Restore).
type Snapshot struct{}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &Snapshot{}, nil
}

func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	if err := sink.Close(); err != nil {
		return err
	}
	return nil
}

func (s *Snapshot) Release() {}

// Restore is a no-op: state already lives in the bbolt-backed store, which
// is not part of the Raft log snapshot in this single-node deployment
// model (see control.go's doc comment on clustering scope).
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return nil
}
