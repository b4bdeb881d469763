package events

import (
	"testing"
	"time"

	"github.com/cuemby/orchestrator/internal/domain"
	"github.com/cuemby/orchestrator/internal/idgen"
	"github.com/cuemby/orchestrator/internal/storage"
	"github.com/stretchr/testify/require"
)

func TestBrokerFansOutToEverySubscriber(t *testing.T) {
	b := NewBroker(8)
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&domain.Event{ID: "e1", Type: domain.EventTest})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case e := <-sub:
			require.Equal(t, "e1", e.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeStopsFurtherDelivery(t *testing.T) {
	b := NewBroker(8)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok, "channel must be closed on unsubscribe")
}

func TestPollerDeliversEventsInCommitOrderAndAdvancesCursor(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ids := []string{idgen.NewEventID(), idgen.NewEventID(), idgen.NewEventID()}
	for _, id := range ids {
		require.NoError(t, store.AppendEvent(&domain.Event{ID: id, Type: domain.EventTest}))
	}

	broker := NewBroker(8)
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	poller := NewPoller(store, broker, time.Hour, "")
	poller.drain()

	var got []string
	for i := 0; i < len(ids); i++ {
		select {
		case e := <-sub:
			got = append(got, e.ID)
		case <-time.After(time.Second):
			t.Fatal("missing event from poller")
		}
	}
	require.Equal(t, ids, got)
	require.Equal(t, ids[len(ids)-1], poller.Cursor())

	// A second drain with no new events must not redeliver anything.
	poller.drain()
	select {
	case e := <-sub:
		t.Fatalf("unexpected redelivery: %v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
