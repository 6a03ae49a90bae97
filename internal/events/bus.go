// Package events provides a typed publish/subscribe bus for queue lifecycle
// events. Subscriptions are explicit values; unsubscription is part of the
// public API so no implicit back-references accumulate.
package events

import (
	"sync"

	"github.com/autoweave/autoweave/internal/job"
)

// Type identifies a queue event.
type Type string

const (
	// JobAdded fires when a job is accepted into waiting or delayed
	JobAdded Type = "job:added"
	// JobCompleted fires once per job on successful completion
	JobCompleted Type = "job:completed"
	// JobFailed fires once per job on terminal failure
	JobFailed Type = "job:failed"
	// JobProgress fires on processor progress reports
	JobProgress Type = "job:progress"
	// JobStalled fires when a job is reclaimed from a dead worker
	JobStalled Type = "job:stalled"
	// QueuePaused and QueueResumed track queue control transitions
	QueuePaused  Type = "queue:paused"
	QueueResumed Type = "queue:resumed"
	// ShutdownStarted fires once when graceful shutdown begins
	ShutdownStarted Type = "shutdown_started"
)

// Event is a single bus message. Payload content depends on the type:
// progress events carry a job.Progress, completion events a job.Result.
type Event struct {
	Type    Type
	Queue   string
	JobID   string
	Payload interface{}
}

// ProgressPayload is the payload of JobProgress events.
type ProgressPayload = job.Progress

// Subscription is a live registration on the bus. Events are delivered on C;
// slow consumers drop events rather than block publishers.
type Subscription struct {
	C      chan Event
	id     int
	types  map[Type]struct{}
	bus    *Bus
	closed bool
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// Bus fans events out to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers for the given event types; with no types it receives
// everything. The returned subscription buffers up to 64 events.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		C:   make(chan Event, 64),
		id:  b.nextID,
		bus: b,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs[b.nextID] = sub
	b.nextID++
	return sub
}

// Publish delivers the event to every matching subscriber. Delivery is
// non-blocking: a full subscriber channel drops the event.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil {
			if _, ok := sub.types[ev.Type]; !ok {
				continue
			}
		}
		select {
		case sub.C <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everything. Publishing to a closed bus is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.C)
		}
		delete(b.subs, id)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	if !s.closed {
		s.closed = true
		close(s.C)
	}
}
