// Package events provides the realtime fan-out of committed Report and
// Solution mutations, plus the client-side merge that reconstructs per-report
// view state from events arriving in either order.
package events

import (
	"sync"
	"time"
)

// EventType mirrors row-level change notifications.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Entity names the changed table.
type Entity string

const (
	EntityReport   Entity = "reports"
	EntitySolution Entity = "solutions"
)

// Event is one committed row change. Payload is the new row.
type Event struct {
	Type      EventType `json:"type"`
	Entity    Entity    `json:"entity"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is in-process pub/sub. Publish never blocks: a slow subscriber drops
// events, which clients must tolerate anyway (no replay, no ordering
// guarantee across entity streams).
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
