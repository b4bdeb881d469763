package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/orchestrator/internal/domain"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketServices        = []byte("services")
	bucketMultiRegion      = []byte("multiregion_specs")
	bucketRevisions       = []byte("revisions")
	bucketAttempts        = []byte("attempts")
	bucketActiveAttempt   = []byte("active_attempts") // tenantId/name -> attemptId
	bucketBuilds          = []byte("builds")
	bucketBuildIdemIndex  = []byte("build_idempotency") // idempotency key -> buildId
	bucketBudgetEvents    = []byte("budget_events")
	bucketBudgetSummaries = []byte("budget_summaries")
	bucketWebhookSubs     = []byte("webhook_subscriptions")
	bucketWebhookDelivery = []byte("webhook_deliveries")
	bucketEvents          = []byte("events")
	bucketSecrets         = []byte("secrets")
)

// BoltStore implements Store using BoltDB, one bucket per logical table.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the control plane database under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "orchestrator.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketServices, bucketMultiRegion, bucketRevisions, bucketAttempts, bucketActiveAttempt,
			bucketBuilds, bucketBuildIdemIndex, bucketBudgetEvents, bucketBudgetSummaries,
			bucketWebhookSubs, bucketWebhookDelivery, bucketEvents, bucketSecrets,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func serviceKey(tenantID, name string) []byte {
	return []byte(tenantID + "/" + name)
}

// ServiceSpec

func (s *BoltStore) CreateServiceSpec(spec *domain.ServiceSpec) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data, err := json.Marshal(spec)
		if err != nil {
			return err
		}
		return b.Put(serviceKey(spec.TenantID, spec.Name), data)
	})
}

func (s *BoltStore) GetServiceSpec(tenantID, name string) (*domain.ServiceSpec, error) {
	var spec domain.ServiceSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		data := b.Get(serviceKey(tenantID, name))
		if data == nil {
			return &ErrNotFound{Kind: "service", ID: tenantID + "/" + name}
		}
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return nil, err
	}
	spec.TenantID, spec.Name = tenantID, name
	return &spec, nil
}

func (s *BoltStore) ListServiceSpecs() ([]*domain.ServiceSpec, error) {
	var specs []*domain.ServiceSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketServices)
		return b.ForEach(func(k, v []byte) error {
			var spec domain.ServiceSpec
			if err := json.Unmarshal(v, &spec); err != nil {
				return err
			}
			specs = append(specs, &spec)
			return nil
		})
	})
	return specs, err
}

func (s *BoltStore) DeleteServiceSpec(tenantID, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServices).Delete(serviceKey(tenantID, name))
	})
}

// MultiRegion specs

func (s *BoltStore) PutMultiRegionSpec(spec *domain.MultiRegionSpec) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketMultiRegion, serviceKey(spec.TenantID, spec.ServiceName), spec)
	})
}

func (s *BoltStore) GetMultiRegionSpec(tenantID, serviceName string) (*domain.MultiRegionSpec, error) {
	var spec domain.MultiRegionSpec
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMultiRegion).Get(serviceKey(tenantID, serviceName))
		if data == nil {
			return &ErrNotFound{Kind: "multiregion_spec", ID: tenantID + "/" + serviceName}
		}
		return json.Unmarshal(data, &spec)
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

func (s *BoltStore) DeleteMultiRegionSpec(tenantID, serviceName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMultiRegion).Delete(serviceKey(tenantID, serviceName))
	})
}

// Revisions

func (s *BoltStore) CreateRevision(rev *domain.ServiceRevision) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRevisions)
		data, err := json.Marshal(rev)
		if err != nil {
			return err
		}
		return b.Put([]byte(rev.ID), data)
	})
}

func (s *BoltStore) GetRevision(id string) (*domain.ServiceRevision, error) {
	var rev domain.ServiceRevision
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRevisions).Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "revision", ID: id}
		}
		return json.Unmarshal(data, &rev)
	})
	return &rev, err
}

func (s *BoltStore) ListRevisionsByService(tenantID, name string) ([]*domain.ServiceRevision, error) {
	var revs []*domain.ServiceRevision
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevisions).ForEach(func(k, v []byte) error {
			var rev domain.ServiceRevision
			if err := json.Unmarshal(v, &rev); err != nil {
				return err
			}
			if rev.TenantID == tenantID && rev.ServiceName == name {
				revs = append(revs, &rev)
			}
			return nil
		})
	})
	return revs, err
}

// Attempts

func (s *BoltStore) CreateAttempt(a *domain.DeploymentAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketAttempts, []byte(a.ID), a); err != nil {
			return err
		}
		if !a.Phase.Terminal() {
			return tx.Bucket(bucketActiveAttempt).Put(serviceKey(a.TenantID, a.ServiceName), []byte(a.ID))
		}
		return nil
	})
}

func (s *BoltStore) UpdateAttempt(a *domain.DeploymentAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketAttempts, []byte(a.ID), a); err != nil {
			return err
		}
		key := serviceKey(a.TenantID, a.ServiceName)
		if a.Phase.Terminal() {
			cur := tx.Bucket(bucketActiveAttempt).Get(key)
			if string(cur) == a.ID {
				return tx.Bucket(bucketActiveAttempt).Delete(key)
			}
			return nil
		}
		return tx.Bucket(bucketActiveAttempt).Put(key, []byte(a.ID))
	})
}

func (s *BoltStore) GetAttempt(id string) (*domain.DeploymentAttempt, error) {
	var a domain.DeploymentAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttempts).Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "attempt", ID: id}
		}
		return json.Unmarshal(data, &a)
	})
	return &a, err
}

func (s *BoltStore) GetActiveAttempt(tenantID, name string) (*domain.DeploymentAttempt, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketActiveAttempt).Get(serviceKey(tenantID, name))
		if data == nil {
			return &ErrNotFound{Kind: "active_attempt", ID: tenantID + "/" + name}
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAttempt(id)
}

func (s *BoltStore) ListAttemptsByService(tenantID, name string) ([]*domain.DeploymentAttempt, error) {
	var out []*domain.DeploymentAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttempts).ForEach(func(k, v []byte) error {
			var a domain.DeploymentAttempt
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.TenantID == tenantID && a.ServiceName == name {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// Builds

func (s *BoltStore) CreateBuild(b *domain.Build) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := putJSON(tx, bucketBuilds, []byte(b.ID), b); err != nil {
			return err
		}
		return tx.Bucket(bucketBuildIdemIndex).Put([]byte(b.IdempotencyKey()), []byte(b.ID))
	})
}

func (s *BoltStore) UpdateBuild(b *domain.Build) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketBuilds, []byte(b.ID), b)
	})
}

func (s *BoltStore) GetBuild(id string) (*domain.Build, error) {
	var b domain.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuilds).Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "build", ID: id}
		}
		return json.Unmarshal(data, &b)
	})
	return &b, err
}

func (s *BoltStore) GetBuildByIdempotencyKey(key string) (*domain.Build, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBuildIdemIndex).Get([]byte(key))
		if data == nil {
			return &ErrNotFound{Kind: "build_idempotency", ID: key}
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetBuild(id)
}

func (s *BoltStore) ListPendingBuilds() ([]*domain.Build, error) {
	var out []*domain.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			var b domain.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.State == domain.BuildPending {
				out = append(out, &b)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListBuilds() ([]*domain.Build, error) {
	var out []*domain.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			var b domain.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListBuildsByTenant(tenantID string) ([]*domain.Build, error) {
	var out []*domain.Build
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuilds).ForEach(func(k, v []byte) error {
			var b domain.Build
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			if b.TenantID == tenantID {
				out = append(out, &b)
			}
			return nil
		})
	})
	return out, err
}

// Budget

func budgetEventKey(e *domain.BudgetEvent) []byte {
	return []byte(e.TenantID + "/" + e.Period + "/" + e.ID)
}

func (s *BoltStore) AppendBudgetEvent(e *domain.BudgetEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketBudgetEvents, budgetEventKey(e), e)
	})
}

func (s *BoltStore) ListBudgetEvents(tenantID, period string) ([]*domain.BudgetEvent, error) {
	prefix := []byte(tenantID + "/" + period + "/")
	var out []*domain.BudgetEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBudgetEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e domain.BudgetEvent
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

func budgetSummaryKey(tenantID, period string) []byte {
	return []byte(tenantID + "/" + period)
}

func (s *BoltStore) PutBudgetSummary(sum *domain.BudgetSummary) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketBudgetSummaries, budgetSummaryKey(sum.TenantID, sum.Period), sum)
	})
}

func (s *BoltStore) GetBudgetSummary(tenantID, period string) (*domain.BudgetSummary, error) {
	var sum domain.BudgetSummary
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBudgetSummaries).Get(budgetSummaryKey(tenantID, period))
		if data == nil {
			return &ErrNotFound{Kind: "budget_summary", ID: tenantID + "/" + period}
		}
		return json.Unmarshal(data, &sum)
	})
	return &sum, err
}

// RecordUsageBatch appends events and writes summary in a single bbolt
// transaction so a reader never observes a summary that lags the events
// it should already reflect, or vice versa.
func (s *BoltStore) RecordUsageBatch(events []*domain.BudgetEvent, summary *domain.BudgetSummary) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, e := range events {
			if err := putJSON(tx, bucketBudgetEvents, budgetEventKey(e), e); err != nil {
				return err
			}
		}
		return putJSON(tx, bucketBudgetSummaries, budgetSummaryKey(summary.TenantID, summary.Period), summary)
	})
}

// Webhooks

func (s *BoltStore) CreateWebhookSubscription(sub *domain.WebhookSubscription) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketWebhookSubs, []byte(sub.ID), sub)
	})
}

func (s *BoltStore) GetWebhookSubscription(id string) (*domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWebhookSubs).Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "webhook_subscription", ID: id}
		}
		return json.Unmarshal(data, &sub)
	})
	return &sub, err
}

func (s *BoltStore) ListWebhookSubscriptions(tenantID string) ([]*domain.WebhookSubscription, error) {
	var out []*domain.WebhookSubscription
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhookSubs).ForEach(func(k, v []byte) error {
			var sub domain.WebhookSubscription
			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}
			if tenantID == "" || sub.TenantID == tenantID {
				out = append(out, &sub)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) DeleteWebhookSubscription(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhookSubs).Delete([]byte(id))
	})
}

// Deliveries

func (s *BoltStore) CreateDelivery(d *domain.WebhookDelivery) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketWebhookDelivery, []byte(d.ID), d)
	})
}

func (s *BoltStore) UpdateDelivery(d *domain.WebhookDelivery) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketWebhookDelivery, []byte(d.ID), d)
	})
}

func (s *BoltStore) GetDelivery(id string) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWebhookDelivery).Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "webhook_delivery", ID: id}
		}
		return json.Unmarshal(data, &d)
	})
	return &d, err
}

func (s *BoltStore) ListDueDeliveries(before int64) ([]*domain.WebhookDelivery, error) {
	var out []*domain.WebhookDelivery
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhookDelivery).ForEach(func(k, v []byte) error {
			var d domain.WebhookDelivery
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			if (d.State == domain.DeliveryQueued || d.State == domain.DeliveryRetrying) &&
				d.NextAttemptAt.Unix() <= before {
				out = append(out, &d)
			}
			return nil
		})
	})
	return out, err
}

// Events

func (s *BoltStore) AppendEvent(e *domain.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketEvents, []byte(e.ID), e)
	})
}

func (s *BoltStore) GetEvent(id string) (*domain.Event, error) {
	var e domain.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEvents).Get([]byte(id))
		if data == nil {
			return &ErrNotFound{Kind: "event", ID: id}
		}
		return json.Unmarshal(data, &e)
	})
	return &e, err
}

func (s *BoltStore) ListEventsSince(id string, limit int) ([]*domain.Event, error) {
	var out []*domain.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		var k, v []byte
		if id == "" {
			k, v = c.First()
		} else {
			k, v = c.Seek([]byte(id))
			if k != nil && string(k) == id {
				k, v = c.Next()
			}
		}
		for ; k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			var e domain.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	return out, err
}

// Secrets

func secretKey(tenantID, group, key string) []byte {
	return []byte(tenantID + "/" + group + "/" + key)
}

func (s *BoltStore) PutSecret(sec *domain.Secret) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketSecrets, secretKey(sec.TenantID, sec.Group, sec.Key), sec)
	})
}

func (s *BoltStore) GetSecret(tenantID, group, key string) (*domain.Secret, error) {
	var sec domain.Secret
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data := b.Get(secretKey(tenantID, group, key))
		if data == nil {
			return &ErrNotFound{Kind: "secret", ID: tenantID + "/" + group + "/" + key}
		}
		return json.Unmarshal(data, &sec)
	})
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *BoltStore) DeleteSecret(tenantID, group, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSecrets).Delete(secretKey(tenantID, group, key))
	})
}

func putJSON(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func hasPrefix(s, prefix []byte) bool {
	if len(s) < len(prefix) {
		return false
	}
	for i := range prefix {
		if s[i] != prefix[i] {
			return false
		}
	}
	return true
}
