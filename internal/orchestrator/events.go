package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/joss/litbatch/internal/session"
)

// EventKind identifies a shard or session transition.
type EventKind string

const (
	EventShardStarted       EventKind = "shard_started"
	EventShardFinished      EventKind = "shard_finished"
	EventShardInterrupted   EventKind = "shard_interrupted"
	EventSessionFinished    EventKind = "session_finished"
	EventSessionInterrupted EventKind = "session_interrupted"
)

// Event is published by the pool after each transition has been persisted.
type Event struct {
	Kind           EventKind
	SessionID      string
	ShardID        int
	Status         session.ShardStatus
	AttemptID      string
	ProcessedCount int
	Duration       time.Duration
	Err            string
	At             time.Time
}

// EventBuffer is a subscriber buffer large enough for every event one run
// over shards shards publishes: a start and an end per shard plus the
// session event. A subscriber with this buffer never misses an event even
// if it drains nothing until the run returns.
func EventBuffer(shards int) int {
	return 2*shards + 1
}

// Broadcaster fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event, and the miss is counted.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool

	dropped atomic.Int64
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel receiving future events and a function that
// unsubscribes and closes it.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer and
// returns how many subscribers missed it.
func (b *Broadcaster) Publish(e Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	missed := 0
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			missed++
		}
	}
	if missed > 0 {
		b.dropped.Add(int64(missed))
	}
	return missed
}

// Dropped returns the total number of missed deliveries.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later Subscribe calls get a closed
// channel.
func (b *Broadcaster) Close() {
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
