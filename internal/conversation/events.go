package conversation

import "sync"

type EventKind string

const (
	EventState      EventKind = "state"
	EventTranscript EventKind = "transcript"
	EventLevel      EventKind = "level"
	EventError      EventKind = "error"
)

// Event is one observable pipeline occurrence for UI collaborators: a state
// transition, a transcript delta, an audio level sample, or an error status.
type Event struct {
	Kind    EventKind `json:"kind"`
	State   State     `json:"state,omitempty"`
	TurnID  uint64    `json:"turn_id,omitempty"`
	Role    string    `json:"role,omitempty"`
	Text    string    `json:"text,omitempty"`
	Level   float64   `json:"level,omitempty"`
	Message string    `json:"message,omitempty"`
}

const subscriberBuffer = 64

// Broadcaster fans events out to any number of subscribers. Publish never
// blocks; a subscriber that stops draining loses events rather than stalling
// the pipeline.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uint64]chan Event)}
}

// Subscribe returns a buffered event channel and a cancel function. The
// channel is closed when cancel is called.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
