package run

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

func TestFanoutBroadcast(t *testing.T) {
	f := newFanout()
	ch1, cancel1 := f.subscribe()
	ch2, cancel2 := f.subscribe()
	defer cancel1()
	defer cancel2()

	f.broadcast(models.Event{Type: models.EventStart, Seq: 1})

	ev := <-ch1
	assert.Equal(t, int64(1), ev.Seq)
	ev = <-ch2
	assert.Equal(t, int64(1), ev.Seq)
}

func TestFanoutCancelIdempotent(t *testing.T) {
	f := newFanout()
	ch, cancel := f.subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Broadcast after cancel must not panic or block.
	f.broadcast(models.Event{Type: models.EventStart})
}

func TestFanoutCloseAll(t *testing.T) {
	f := newFanout()
	ch, cancel := f.subscribe()
	defer cancel()

	f.closeAll()
	_, open := <-ch
	assert.False(t, open)

	// Subscriptions after close get an already-closed channel.
	late, lateCancel := f.subscribe()
	defer lateCancel()
	_, open = <-late
	assert.False(t, open)
}

func TestFanoutDropsSlowWatcher(t *testing.T) {
	f := newFanout()
	slow, cancel := f.subscribe()
	defer cancel()

	// Fill the buffer and one more; the overflow drops the subscriber.
	for i := 0; i <= watchBuffer; i++ {
		f.broadcast(models.Event{Type: models.EventStepStatus, Seq: int64(i)})
	}

	count := 0
	for range slow {
		count++
	}
	require.Equal(t, watchBuffer, count, "buffered events delivered, channel closed after drop")
}
