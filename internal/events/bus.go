// Package events fans job lifecycle updates out to in-process subscribers and relays
// them between services over RabbitMQ.
package events

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
)

// Listener receives every published event. Listeners run on the publisher's goroutine
// and must not block or publish to the same bus.
type Listener func(event domain.JobUpdateEvent)

// Publisher is anything job updates can be sent to
type Publisher interface {
	Publish(event domain.JobUpdateEvent)
}

type subscription struct {
	id       uint64
	listener Listener
}

// Bus is a synchronous in-process broadcaster.
type Bus struct {
	// publishMu serializes publishers so every listener sees the same order
	publishMu sync.Mutex

	mu        sync.RWMutex
	nextID    uint64
	listeners []subscription

	logger *slog.Logger
}

// NewBus creates an empty bus
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers listener and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(listener Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners = append(b.listeners, subscription{id: id, listener: listener})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.remove(id)
		})
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.listeners {
		if sub.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return
		}
	}
}

// Publish delivers event to every listener registered at call time, in registration order.
// A panicking listener is logged and does not affect the others.
func (b *Bus) Publish(event domain.JobUpdateEvent) {
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	b.mu.RLock()
	listeners := b.listeners
	b.mu.RUnlock()

	for _, sub := range listeners {
		b.deliver(sub.listener, event)
	}
}

func (b *Bus) deliver(listener Listener, event domain.JobUpdateEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Job update listener panicked",
				slog.String("job_id", event.JobID),
				slog.String("status", string(event.Status)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	listener(event)
}

// Len returns the number of registered listeners
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
