package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestBrokerDelivers(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{Type: EventWorkerCreated, JobID: "wordcount", WorkerID: "wordcount-abc-0"})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			assert.Equal(t, EventWorkerCreated, ev.Type)
			assert.NotEmpty(t, ev.ID)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBrokerUnsubscribeTwice(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok)
	assert.Zero(t, b.SubscriberCount())
}

func TestBrokerPublishNeverBlocks(t *testing.T) {
	b := NewBroker()
	// not started: the queue fills and the rest are dropped
	for i := 0; i < 300; i++ {
		b.Publish(&Event{Type: EventGroupTransition})
	}
	assert.Equal(t, uint64(300-256), b.Dropped())
}

func TestBrokerStopClosesSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewBroker()
	b.Start()
	sub := b.Subscribe()
	b.Stop()
	b.Stop()

	_, ok := <-sub
	require.False(t, ok)
}
