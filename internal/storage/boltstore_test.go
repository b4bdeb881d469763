package storage

import (
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestServiceSpecRoundTrip(t *testing.T) {
	store := newTestStore(t)

	spec := &domain.ServiceSpec{
		TenantID: "t1",
		Name:     "svc-a",
		Image:    "registry/svc-a@sha256:aaa",
		Ports:    []int32{8080},
	}
	require.NoError(t, store.CreateServiceSpec(spec))

	got, err := store.GetServiceSpec("t1", "svc-a")
	require.NoError(t, err)
	assert.Equal(t, spec.Image, got.Image)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "svc-a", got.Name)

	_, err = store.GetServiceSpec("t1", "missing")
	assert.Error(t, err)
}

func TestActiveAttemptTracking(t *testing.T) {
	store := newTestStore(t)

	a := &domain.DeploymentAttempt{
		ID: "attempt-1", TenantID: "t1", ServiceName: "svc-a",
		Phase: domain.PhasePending,
	}
	require.NoError(t, store.CreateAttempt(a))

	active, err := store.GetActiveAttempt("t1", "svc-a")
	require.NoError(t, err)
	assert.Equal(t, "attempt-1", active.ID)

	a.Phase = domain.PhaseCommitted
	require.NoError(t, store.UpdateAttempt(a))

	_, err = store.GetActiveAttempt("t1", "svc-a")
	assert.Error(t, err, "a terminal attempt must not remain the active attempt")
}

func TestBuildIdempotencyKeyDedup(t *testing.T) {
	store := newTestStore(t)

	b := &domain.Build{
		ID: "build-1", TenantID: "t1", RepoURL: "repo", CommitSHA: "c1",
		State: domain.BuildPending,
	}
	require.NoError(t, store.CreateBuild(b))

	dup, err := store.GetBuildByIdempotencyKey(b.IdempotencyKey())
	require.NoError(t, err)
	assert.Equal(t, b.ID, dup.ID)
}

func TestListDueDeliveriesFiltersByStateAndTime(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	due := &domain.WebhookDelivery{ID: "d1", State: domain.DeliveryRetrying, NextAttemptAt: now.Add(-time.Second)}
	notYet := &domain.WebhookDelivery{ID: "d2", State: domain.DeliveryRetrying, NextAttemptAt: now.Add(time.Hour)}
	delivered := &domain.WebhookDelivery{ID: "d3", State: domain.DeliveryDelivered, NextAttemptAt: now.Add(-time.Second)}

	for _, d := range []*domain.WebhookDelivery{due, notYet, delivered} {
		require.NoError(t, store.CreateDelivery(d))
	}

	out, err := store.ListDueDeliveries(now.Unix())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "d1", out[0].ID)
}

func TestListEventsSinceIsOrderedAndResumable(t *testing.T) {
	store := newTestStore(t)

	ids := []string{"00000000000000000000000001", "00000000000000000000000002", "00000000000000000000000003"}
	for _, id := range ids {
		require.NoError(t, store.AppendEvent(&domain.Event{ID: id, Type: domain.EventTest}))
	}

	all, err := store.ListEventsSince("", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[0], all[0].ID)

	rest, err := store.ListEventsSince(ids[0], 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[1], rest[0].ID)
}
