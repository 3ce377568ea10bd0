package events

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker fans events out to per-execution subscribers. It is safe for
// concurrent use.
//
// An ExecutionFinished event closes its execution's topic. Closed topics are
// kept as markers so that a subscriber arriving after the run finished gets a
// closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel of events for the given execution and an
// unsubscribe function.
func (b *Broker) Subscribe(executionID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[executionID] = t
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish delivers ev to the subscribers of its execution.
func (b *Broker) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.ExecutionID]
	if ok && !t.closed {
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
				// Slow subscriber; never block the execution loop.
			}
		}
	}

	if ev.Type == ExecutionFinished {
		b.closeLocked(ev.ExecutionID)
	}
}

// Close ends the stream for an execution without publishing anything.
func (b *Broker) Close(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(executionID)
}

func (b *Broker) closeLocked(executionID string) {
	t, ok := b.topics[executionID]
	if !ok {
		b.topics[executionID] = &topic{subs: make(map[int]chan Event), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
