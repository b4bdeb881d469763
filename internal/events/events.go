// Package events fans out the durable event log written by every other
// subsystem (internal/control.Plane.AppendEvent) to interested
// subscribers, chiefly the webhook dispatcher. Broker generalizes the
// teacher's in-memory pkg/events/events.go Broker/Subscriber pattern;
// unlike that broker, which is the event log (Publish is the only way an
// event is ever recorded), here the log already lives durably in
// storage, so a Poller tails it and republishes what it finds, giving a
// newly-subscribed consumer a chance to catch up rather than only ever
// seeing events published after it subscribed.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/obs/log"
	"github.com/cuemby/orchestrator/internal/storage"
)

// Subscriber is a channel that receives fanned-out events.
type Subscriber chan *domain.Event

// Broker distributes events to any number of live subscribers,
// dropping delivery to a subscriber whose buffer is full rather than
// blocking the rest.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *domain.Event
	stopCh      chan struct{}
	bufferSize  int
}

// NewBroker constructs a Broker. subscriberBuffer bounds how far a slow
// subscriber may lag before its events start dropping.
func NewBroker(subscriberBuffer int) *Broker {
	if subscriberBuffer <= 0 {
		subscriberBuffer = 64
	}
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *domain.Event, 256),
		stopCh:      make(chan struct{}),
		bufferSize:  subscriberBuffer,
	}
}

// Start begins the broker's distribution loop in a background goroutine.
func (b *Broker) Start() { go b.run() }

// Stop halts distribution and closes every subscriber channel.
func (b *Broker) Stop() {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]bool)
}

// Subscribe registers a new subscriber and returns its channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, b.bufferSize)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe deregisters sub and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish enqueues event for distribution to current subscribers.
func (b *Broker) Publish(event *domain.Event) {
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			log.Warn("dropping event for slow subscriber")
		}
	}
}

// Poller tails the durable event log and republishes new entries to a
// Broker, publishing each committed event once in event-ID order,
// independent of which node produced it. A subscriber whose buffer is full
// misses the event, since Broker drops rather than blocks.
type Poller struct {
	store    storage.Store
	broker   *Broker
	interval time.Duration
	pageSize int
	cursor   string
}

// NewPoller constructs a Poller starting from the beginning of the log
// (cursor ""); pass a persisted cursor to resume after a restart.
func NewPoller(store storage.Store, broker *Broker, interval time.Duration, cursor string) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{store: store, broker: broker, interval: interval, pageSize: 256, cursor: cursor}
}

// Cursor returns the id of the last event this Poller has published, for
// callers that want to persist it across restarts.
func (p *Poller) Cursor() string { return p.cursor }

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

func (p *Poller) drain() {
	for {
		batch, err := p.store.ListEventsSince(p.cursor, p.pageSize)
		if err != nil {
			log.Errorf("list events for poll", err)
			return
		}
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			p.broker.Publish(e)
			p.cursor = e.ID
		}
		if len(batch) < p.pageSize {
			return
		}
	}
}
