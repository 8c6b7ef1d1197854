package node

import (
	"sync"
	"sync/atomic"
	"time"
)

type EventKind string

const (
	EventPeerUp         EventKind = "peer_up"
	EventPeerDown       EventKind = "peer_down"
	EventTipChanged     EventKind = "tip_changed"
	EventMessageDropped EventKind = "message_dropped"
)

// Event is a node-level notification for observers (HTTP stream, tests).
type Event struct {
	At     time.Time `json:"at"`
	Kind   EventKind `json:"kind"`
	Peer   string    `json:"peer,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Change string    `json:"change,omitempty"`
	Index  uint64    `json:"index,omitempty"`
	Hash   string    `json:"hash,omitempty"`
	Length int       `json:"length,omitempty"`
}

// EventBus is a tiny in-process pubsub for node events.
// It is best-effort: slow subscribers may drop events.
type EventBus struct {
	nextID atomic.Int64

	mu   sync.RWMutex
	subs map[int64]chan Event
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int64]chan Event)}
}

func (b *EventBus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// drop
		}
	}
}

// Subscribe returns a channel receiving events and a cancel function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	id := b.nextID.Add(1)
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}

	return ch, cancel
}

func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
