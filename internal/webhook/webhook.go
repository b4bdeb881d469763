// Package webhook signs and delivers events to tenant-registered HTTP
// endpoints with a fixed retry schedule, dead-lettering after exhaustion.
// Delivery state is durable (internal/domain.WebhookDelivery), so the
// dispatcher's poll-and-attempt loop generalizes the health monitor's
// periodic HostPortPublisher/DNS reconciliation ticker shape
// (pkg/worker/health_monitor.go) from liveness checks to due-delivery
// sweeps.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/cuemby/orchestrator/internal/control"
	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/idgen"
	"github.com/cuemby/orchestrator/internal/metrics"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/storage"
)

// MaxAttempts is the total number of delivery attempts before a
// delivery is dead-lettered.
const MaxAttempts = 7

// retrySchedule holds the delay before each retry following a failed
// attempt; retrySchedule[i] is the wait after attempt i+1 fails. Its
// length (6) is one less than MaxAttempts: the schedule only covers
// retries, not the initial attempt.
var retrySchedule = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	1 * time.Hour,
}

// Config tunes HTTP timeouts and the delivery sweep cadence.
type Config struct {
	RequestTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultConfig returns a 10-second request timeout and a 1-second
// delivery sweep, matching the spec's "2xx response within 10s" success
// criterion.
func DefaultConfig() Config {
	return Config{RequestTimeout: 10 * time.Second, PollInterval: time.Second}
}

// Dispatcher signs and delivers events to subscriptions, retrying on a
// fixed schedule and dead-lettering after MaxAttempts.
type Dispatcher struct {
	plane  *control.Plane
	store  storage.Store
	client *retryablehttp.Client
	cfg    Config
}

// New constructs a Dispatcher. The underlying retryablehttp.Client has
// its own retry loop disabled (RetryMax: 0): the durable, persisted
// retrySchedule above is the retry policy, not the HTTP client's.
func New(plane *control.Plane, cfg Config) *Dispatcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient.Timeout = cfg.RequestTimeout
	client.Logger = nil
	return &Dispatcher{plane: plane, store: plane.Store(), client: client, cfg: cfg}
}

// HandleEvent enqueues one WebhookDelivery per subscription in evt's
// tenant that matches evt's type. Called by the event bus consumer for
// every event it tails.
func (d *Dispatcher) HandleEvent(evt *domain.Event) error {
	subs, err := d.store.ListWebhookSubscriptions(evt.TenantID)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, sub := range subs {
		if !sub.Matches(evt.Type) {
			continue
		}
		delivery := &domain.WebhookDelivery{
			ID:             idgen.NewID("delivery"),
			SubscriptionID: sub.ID,
			EventID:        evt.ID,
			State:          domain.DeliveryQueued,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
			Version:        1,
		}
		if err := d.plane.CreateDelivery(delivery); err != nil {
			return fmt.Errorf("enqueue delivery for subscription %s: %w", sub.ID, err)
		}
	}
	return nil
}

// Run sweeps due deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drainDue(ctx)
		}
	}
}

func (d *Dispatcher) drainDue(ctx context.Context) {
	due, err := d.store.ListDueDeliveries(time.Now().Unix())
	if err != nil {
		log.Errorf("list due deliveries", err)
		return
	}
	for _, delivery := range due {
		d.attempt(ctx, delivery)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, delivery *domain.WebhookDelivery) {
	sub, err := d.store.GetWebhookSubscription(delivery.SubscriptionID)
	if err != nil {
		log.Errorf("load subscription for delivery", err)
		return
	}
	evt, err := d.store.GetEvent(delivery.EventID)
	if err != nil {
		log.Errorf("load event for delivery", err)
		return
	}

	delivery.Attempt++
	delivery.State = domain.DeliveryInFlight
	delivery.UpdatedAt = time.Now()
	delivery.Version++

	statusCode, deliverErr := d.deliver(ctx, sub, evt)
	delivery.LastStatusCode = statusCode

	if deliverErr == nil {
		delivery.State = domain.DeliveryDelivered
		delivery.LastError = ""
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	} else {
		delivery.LastError = deliverErr.Error()
		if delivery.Attempt >= MaxAttempts {
			delivery.State = domain.DeliveryDeadLettered
			metrics.WebhookDeliveriesTotal.WithLabelValues("deadLettered").Inc()
			d.emitDeadLettered(sub, evt, delivery)
		} else {
			delivery.State = domain.DeliveryRetrying
			delivery.NextAttemptAt = time.Now().Add(retrySchedule[delivery.Attempt-1])
			metrics.WebhookDeliveriesTotal.WithLabelValues("retrying").Inc()
		}
	}

	if err := d.plane.UpdateDelivery(delivery); err != nil {
		log.Errorf("persist delivery outcome", err)
	}
}

// deliver signs and POSTs evt to sub.URL, returning the HTTP status code
// observed (0 if the request never got a response).
func (d *Dispatcher) deliver(ctx context.Context, sub *domain.WebhookSubscription, evt *domain.Event) (int, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Id", evt.ID)
	req.Header.Set("X-Webhook-Signature", Sign(sub.Secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) emitDeadLettered(sub *domain.WebhookSubscription, evt *domain.Event, delivery *domain.WebhookDelivery) {
	dl := &domain.Event{
		ID:        idgen.NewEventID(),
		Type:      domain.EventWebhookDeadLettered,
		TenantID:  sub.TenantID,
		Resource:  domain.ResourceRef{Kind: "WebhookDelivery", ID: delivery.ID},
		Timestamp: time.Now(),
		Data: map[string]any{
			"subscriptionId": sub.ID,
			"originalEventId": evt.ID,
			"attempts":        delivery.Attempt,
			"lastError":       delivery.LastError,
		},
	}
	if err := d.plane.AppendEvent(dl); err != nil {
		log.Errorf("append webhook deadlettered event", err)
	}
}

// Sign returns the hex-encoded HMAC-SHA256 of body under secret, the
// signature receivers verify to authenticate delivery.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
