package run

import (
	"log/slog"
	"sync"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// watchBuffer bounds each watcher channel. A watcher that falls this far
// behind is dropped (its channel closed) rather than blocking appends:
// executor progress is never gated on a slow consumer.
const watchBuffer = 256

// fanout is the run's live subscriber set.
type fanout struct {
	mu     sync.Mutex
	subs   map[int]chan models.Event
	nextID int
	closed bool
}

func newFanout() *fanout {
	return &fanout{subs: make(map[int]chan models.Event)}
}

// subscribe attaches a new watcher channel. The returned cancel is
// idempotent and safe to call after the fan-out closed.
func (f *fanout) subscribe() (<-chan models.Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan models.Event, watchBuffer)
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// broadcast delivers an event to every subscriber, dropping any whose
// buffer is full.
func (f *fanout) broadcast(ev models.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("Dropping slow watcher", "run_id", ev.RunID, "subscriber", id)
			delete(f.subs, id)
			close(ch)
		}
	}
}

// closeAll closes every subscriber channel; used when the run terminates.
func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
