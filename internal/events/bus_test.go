package events

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/mediacat/internal/models"
)

func receive(t *testing.T, s *Subscription) Envelope {
	t.Helper()
	select {
	case env, ok := <-s.C:
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Envelope{}
}

func TestBus_DeliversInOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe(8)
	b.Publish(SyncingStarted{BatchSize: 3, IsFullLoad: true})
	b.Publish(Synced{Inserted: 3})

	first := receive(t, sub)
	assert.Equal(t, KindSyncingStarted, first.Kind)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, 3, first.Event.(SyncingStarted).BatchSize)

	second := receive(t, sub)
	assert.Equal(t, KindSynced, second.Kind)
}

func TestBus_KindFilter(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sorts := b.Subscribe(8, KindSortingStarted, KindSortDone)
	b.Publish(SyncingStarted{BatchSize: 1})
	b.Publish(SortingStarted{Mode: models.SortRandom})

	env := receive(t, sorts)
	assert.Equal(t, KindSortingStarted, env.Kind)
	assert.Equal(t, models.SortRandom, env.Event.(SortingStarted).Mode)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_ = b.Subscribe(1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish(SortDone{Mode: models.SortSequential})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(4)
	b.Close()
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	late := b.Subscribe(4)
	_, ok = <-late.C
	assert.False(t, ok)

	b.Publish(SortDone{})
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.Subscribe(4)
	b.Unsubscribe(sub)
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestBus_QueuedSubscriberGetsEverything(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.SubscribeQueued(KindCopyFilesRequested)
	_ = b.Subscribe(1, KindCopyFilesRequested)
	for i := range 40 {
		b.Publish(CopyFilesRequested{RequestID: strconv.Itoa(i), Paths: []string{"x"}})
	}

	for i := range 40 {
		env := receive(t, sub)
		assert.Equal(t, strconv.Itoa(i), env.Event.(CopyFilesRequested).RequestID)
	}
	assert.Positive(t, b.Dropped(), "the buffered subscriber lagged")
}

func TestBus_CloseFlushesQueuedSubscriber(t *testing.T) {
	b := NewBus()
	sub := b.SubscribeQueued()
	b.Publish(SortDone{})
	b.Publish(SortDone{})
	b.Close()

	n := 0
	for range sub.C {
		n++
	}
	assert.Equal(t, 2, n)
}

func TestBus_UnsubscribeQueuedDiscardsBacklog(t *testing.T) {
	b := NewBus()
	defer b.Close()

	sub := b.SubscribeQueued()
	for range 5 {
		b.Publish(SortDone{})
	}
	b.Unsubscribe(sub)

	select {
	case <-drain(sub.C):
	case <-time.After(2 * time.Second):
		t.Fatal("queued subscription not closed")
	}
}

func drain(c <-chan Envelope) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range c {
		}
		close(done)
	}()
	return done
}
