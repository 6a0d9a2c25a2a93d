package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesPublishedValue(t *testing.T) {
	b := NewBroker[int](4)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(42)

	select {
	case v := <-sub:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published value")
	}
}

func TestMultipleSubscribersAllReceive(t *testing.T) {
	b := NewBroker[string](4)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish("hello")

	assert.Equal(t, "hello", <-sub1)
	assert.Equal(t, "hello", <-sub2)
}

func TestFullBufferDropsOldestRatherThanBlocking(t *testing.T) {
	b := NewBroker[int](2)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}

	// The last published value must be observable; intermediate values
	// may have been dropped.
	var last int
	for {
		select {
		case v := <-sub:
			last = v
		default:
			assert.Equal(t, 9, last)
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker[int](1)
	sub := b.Subscribe()
	b.Unsubscribe(sub)

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after Unsubscribe")
}

func TestSubscriberCountTracksActiveSubscriptions(t *testing.T) {
	b := NewBroker[int](1)
	require.Equal(t, 0, b.SubscriberCount())

	sub1 := b.Subscribe()
	assert.Equal(t, 1, b.SubscriberCount())

	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(sub1)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(sub2)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestCloseUnsubscribesEveryone(t *testing.T) {
	b := NewBroker[int](1)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()

	b.Close()

	_, ok1 := <-sub1
	_, ok2 := <-sub2
	assert.False(t, ok1)
	assert.False(t, ok2)
	assert.Equal(t, 0, b.SubscriberCount())
}
