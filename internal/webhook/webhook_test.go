package webhook

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/stretchr/testify/require"
)

func newTestPlane(t *testing.T) *control.Plane {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	plane, err := control.New(control.Config{NodeID: "n1", DataDir: t.TempDir()}, store)
	require.NoError(t, err)
	require.NoError(t, plane.Bootstrap("127.0.0.1:0"))
	t.Cleanup(func() { plane.Shutdown() })
	require.Eventually(t, plane.IsLeader, 5*time.Second, 50*time.Millisecond)
	return plane
}

func newSubscription(t *testing.T, plane *control.Plane, eventTypes []string) *domain.WebhookSubscription {
	sub := &domain.WebhookSubscription{
		ID:         "sub-1",
		TenantID:   "t1",
		URL:        "http://example.invalid/hook",
		Secret:     "s3cr3t",
		EventTypes: eventTypes,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, plane.CreateWebhookSubscription(sub))
	return sub
}

func newEvent(t *testing.T, plane *control.Plane, eventType string) *domain.Event {
	evt := &domain.Event{
		ID:        "evt-1",
		Type:      eventType,
		TenantID:  "t1",
		Resource:  domain.ResourceRef{Kind: "Service", ID: "svc-1"},
		Timestamp: time.Now(),
	}
	require.NoError(t, plane.AppendEvent(evt))
	return evt
}

func TestHandleEventEnqueuesOneDeliveryPerMatchingSubscription(t *testing.T) {
	plane := newTestPlane(t)
	newSubscription(t, plane, []string{"deployment.*"})
	evt := newEvent(t, plane, "deployment.succeeded")

	d := New(plane, DefaultConfig())
	require.NoError(t, d.HandleEvent(evt))

	due, err := plane.Store().ListDueDeliveries(time.Now().Add(time.Minute).Unix())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "sub-1", due[0].SubscriptionID)
	require.Equal(t, evt.ID, due[0].EventID)
	require.Equal(t, domain.DeliveryQueued, due[0].State)
}

func TestHandleEventSkipsNonMatchingSubscription(t *testing.T) {
	plane := newTestPlane(t)
	newSubscription(t, plane, []string{"budget.*"})
	evt := newEvent(t, plane, "deployment.succeeded")

	d := New(plane, DefaultConfig())
	require.NoError(t, d.HandleEvent(evt))

	due, err := plane.Store().ListDueDeliveries(time.Now().Add(time.Minute).Unix())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDrainDueDeliversSuccessfully(t *testing.T) {
	plane := newTestPlane(t)
	sub := newSubscription(t, plane, []string{"*"})
	evt := newEvent(t, plane, "deployment.succeeded")

	d := New(plane, DefaultConfig())
	require.NoError(t, d.HandleEvent(evt))

	fake := &FakeTransport{}
	d.client.HTTPClient.Transport = fake

	d.drainDue(context.Background())

	due, err := plane.Store().ListDueDeliveries(time.Now().Add(time.Minute).Unix())
	require.NoError(t, err)
	require.Empty(t, due)

	require.Len(t, fake.Requests, 1)
	req := fake.Requests[0]
	require.Equal(t, sub.URL, req.URL)
	require.Equal(t, evt.ID, req.EventID)
	require.Equal(t, Sign(sub.Secret, req.Body), req.Signature)
}

func TestDrainDueRetriesOnFailureWithScheduledDelay(t *testing.T) {
	plane := newTestPlane(t)
	newSubscription(t, plane, []string{"*"})
	evt := newEvent(t, plane, "deployment.succeeded")

	d := New(plane, DefaultConfig())
	require.NoError(t, d.HandleEvent(evt))

	fake := &FakeTransport{Statuses: []int{http.StatusInternalServerError}}
	d.client.HTTPClient.Transport = fake

	before := time.Now()
	d.drainDue(context.Background())

	due, err := plane.Store().ListDueDeliveries(time.Now().Add(2 * time.Hour).Unix())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, domain.DeliveryRetrying, due[0].State)
	require.Equal(t, 1, due[0].Attempt)
	require.WithinDuration(t, before.Add(retrySchedule[0]), due[0].NextAttemptAt, 2*time.Second)
}

func TestDrainDueDeadLettersAfterMaxAttemptsAndEmitsEvent(t *testing.T) {
	plane := newTestPlane(t)
	newSubscription(t, plane, []string{"*"})
	evt := newEvent(t, plane, "deployment.succeeded")

	d := New(plane, DefaultConfig())
	require.NoError(t, d.HandleEvent(evt))

	fake := &FakeTransport{Statuses: []int{http.StatusInternalServerError}}
	d.client.HTTPClient.Transport = fake

	due, err := plane.Store().ListDueDeliveries(time.Now().Add(time.Minute).Unix())
	require.NoError(t, err)
	require.Len(t, due, 1)
	delivery := due[0]

	for i := 0; i < MaxAttempts; i++ {
		delivery.NextAttemptAt = time.Now()
		require.NoError(t, plane.UpdateDelivery(delivery))
		d.attempt(context.Background(), delivery)

		refreshed, err := plane.Store().GetDelivery(delivery.ID)
		require.NoError(t, err)
		delivery = refreshed
	}

	require.Equal(t, domain.DeliveryDeadLettered, delivery.State)
	require.Equal(t, MaxAttempts, delivery.Attempt)
	require.Equal(t, MaxAttempts, fake.Count())

	events, err := plane.Store().ListEventsSince("", 100)
	require.NoError(t, err)
	var sawDeadLetter bool
	for _, e := range events {
		if e.Type == domain.EventWebhookDeadLettered {
			sawDeadLetter = true
			require.Equal(t, delivery.ID, e.Resource.ID)
		}
	}
	require.True(t, sawDeadLetter)
}

func TestSignIsDeterministicAndKeyDependent(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sigA := Sign("secret-a", body)
	sigB := Sign("secret-b", body)
	require.NotEqual(t, sigA, sigB)
	require.Equal(t, sigA, Sign("secret-a", body))
}
