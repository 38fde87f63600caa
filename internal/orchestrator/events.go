package orchestrator

import (
	"sync"
	"time"
)

// EventType identifies what changed.
type EventType string

const (
	EventState  EventType = "state"
	EventTunnel EventType = "tunnel"
	EventHealth EventType = "health"
	EventHosts  EventType = "hosts"
	EventForget EventType = "forget"
)

// Event describes one observable change. For EventState, From and To are
// the states of the transition.
type Event struct {
	Type    EventType     `json:"type"`
	Host    string        `json:"host,omitempty"`
	From    State         `json:"from,omitempty"`
	To      State         `json:"to,omitempty"`
	Tunnel  *TunnelStatus `json:"tunnel,omitempty"`
	Healthy bool          `json:"healthy,omitempty"`
	Kind    ErrorKind     `json:"kind,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	Time    time.Time     `json:"time"`
}

const defaultEventBuffer = 256

// broadcaster fans events out to subscribers. Publishing never blocks; a
// subscriber that falls behind loses events and should resync from a
// snapshot.
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	size   int
	closed bool
}

func newBroadcaster(size int) *broadcaster {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &broadcaster{
		subs: make(map[int]chan Event),
		size: size,
	}
}

// subscribe registers a subscriber with room for size pending events, or
// the broadcaster default when size is not positive.
func (b *broadcaster) subscribe(size int) (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if size <= 0 {
		size = b.size
	}
	ch := make(chan Event, size)
	if b.closed {
		close(ch)
		return -1, ch
	}
	b.nextID++
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
