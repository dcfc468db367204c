// Package broadcast implements the BroadcastBus: a fanout sink for the
// engine's observability events (heartbeat.tick, agent.spawned, ...),
// consumed by external UIs and logs (spec §4 "BroadcastBus").
//
// Grounded on the teacher's Task.Subscribe/addMessage fanout shape
// (backend/internal/task, exercised by task_test.go's TestSubscribeReplay /
// TestSubscribeLive): each subscriber gets its own buffered channel, and a
// slow subscriber is dropped from rather than allowed to block Emit.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/maslow-ai/maslow/internal/capabilities"
)

const subscriberBuffer = 256

// Bus is a goroutine-safe fanout of capabilities.Event to any number of
// subscribers. It implements capabilities.BroadcastSink.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan capabilities.Event
	next int
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[int]chan capabilities.Event)}
}

// Emit fans the event out to every live subscriber. A subscriber whose
// buffer is full has the event dropped for it with a warning rather than
// blocking the emitter — observability must never back-pressure the
// scheduler.
func (b *Bus) Emit(event capabilities.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			slog.Warn("broadcast: dropping event for slow subscriber", "subscriber", id, "type", event.Type)
		}
	}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function. The channel is closed once unsubscribed. ctx
// cancellation also triggers automatic unsubscription via a background
// goroutine, mirroring the teacher's Subscribe(ctx) signature.
func (b *Bus) Subscribe(ctx context.Context) (<-chan capabilities.Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	ch := make(chan capabilities.Event, subscriberBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	unsub := func() { b.unsubscribe(id) }
	go func() {
		<-ctx.Done()
		unsub()
	}()
	return ch, unsub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

var _ capabilities.BroadcastSink = (*Bus)(nil)
