// Package logstream fans run log lines out to live subscribers.
package logstream

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber. Lines are
// dropped for a subscriber that falls this far behind.
const subscriberBufferSize = 256

// Broker manages per-protocol log topics. It is safe for concurrent use.
//
// Closed topics are kept as markers so a late subscriber receives a closed
// channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[int64]*topic
}

type topic struct {
	subs      map[int]chan string
	nextID    int
	closed    bool
	following bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{topics: make(map[int64]*topic)}
}

func (b *Broker) topic(id int64) *topic {
	t, ok := b.topics[id]
	if !ok {
		t = &topic{subs: make(map[int]chan string)}
		b.topics[id] = t
	}
	return t
}

// Subscribe returns a channel receiving the log lines of protocol id and an
// unsubscribe function. The channel is already closed when the topic is.
func (b *Broker) Subscribe(id int64) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(id)
	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	sub := t.nextID
	t.nextID++
	t.subs[sub] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, sub)
	}
}

// Publish sends line to every subscriber of protocol id.
func (b *Broker) Publish(id int64, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[id]
	if !ok || t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the topic of protocol id and closes every subscriber channel.
func (b *Broker) Close(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(id)
	t.closed = true
	t.following = false
	for sub, ch := range t.subs {
		close(ch)
		delete(t.subs, sub)
	}
}

// Reopen clears a closed marker so a relaunched protocol can be followed again.
func (b *Broker) Reopen(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[id]; ok && t.closed {
		delete(b.topics, id)
	}
}

// claim marks the topic as followed. It returns false when a follower is
// already running or the topic is closed.
func (b *Broker) claim(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topic(id)
	if t.closed || t.following {
		return false
	}
	t.following = true
	return true
}

func (b *Broker) release(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[id]; ok {
		t.following = false
	}
}
