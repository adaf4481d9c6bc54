package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster[int]()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	defer cancel1()
	defer cancel2()

	b.Publish(7)
	assert.Equal(t, 7, <-ch1)
	assert.Equal(t, 7, <-ch2)
}

func TestBroadcasterCancelStopsDelivery(t *testing.T) {
	b := NewBroadcaster[string]()
	ch, cancel := b.Subscribe()
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// No subscriber left; publish must not panic or block.
	b.Publish("dropped")
}

func TestBroadcasterNonBlockingPublish(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Overflow the subscriber buffer without consuming.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish(i)
	}

	// The first buffered values survive, the overflow is gone.
	got := 0
	for {
		select {
		case <-ch:
			got++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBuffer, got)
}

func TestBroadcasterClose(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Close()
	b.Close() // idempotent

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscriber channel not closed")
	}

	// Subscribing after close yields an already-closed channel.
	late, lateCancel := b.Subscribe()
	defer lateCancel()
	_, open := <-late
	require.False(t, open)
}
