// Package delivery owns the outbound envelope queues and their drain
// workers. Producers never block: a saturated queue either evicts its oldest
// envelope (HTTP path) or refuses the newest (TCP path, command callbacks),
// with a diagnostic either way.
package delivery

import (
	"context"
	"sync"

	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/util/metrics"
	"github.com/wrangler-bot/wrangler/wire"
)

// Envelope is one queued delivery: a payload bound for a single destination
// on behalf of a group.
type Envelope struct {
	GroupID     string
	Destination string
	Payload     *wire.KeyValues
}

// Policy selects the behavior of Enqueue on a full queue.
type Policy int

const (
	// EvictOldest removes the oldest envelope to admit the new one.
	EvictOldest Policy = iota
	// DropNewest refuses the new envelope.
	DropNewest
)

// Queue is a bounded FIFO of envelopes. Length never exceeds the capacity.
type Queue struct {
	mu       sync.Mutex
	name     string
	items    []Envelope
	capacity int
	policy   Policy
	signal   chan struct{}
	log      *logger.Logger
}

// NewQueue creates a queue with the given saturation policy.
func NewQueue(name string, capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		name:     name,
		capacity: capacity,
		policy:   policy,
		signal:   make(chan struct{}, 1),
		log:      logger.NewLogger("Queue(" + name + ")"),
	}
}

// Enqueue admits an envelope. Returns false only under the DropNewest policy
// when the queue is full; EvictOldest always admits.
func (q *Queue) Enqueue(env Envelope) bool {
	var evicted *Envelope
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		switch q.policy {
		case EvictOldest:
			e := q.items[0]
			evicted = &e
			q.items = q.items[1:]
		case DropNewest:
			q.mu.Unlock()
			metrics.RecordEnvelopeDropped(q.name)
			q.log.Warnf("queue full, dropped envelope for %s", env.Destination)
			return false
		}
	}
	q.items = append(q.items, env)
	depth := len(q.items)
	q.mu.Unlock()

	if evicted != nil {
		metrics.RecordEnvelopeDropped(q.name)
		q.log.Warnf("queue full, evicted oldest envelope for %s", evicted.Destination)
	}

	metrics.SetQueueDepth(q.name, float64(depth))
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Saturated reports whether the queue is at capacity.
func (q *Queue) Saturated() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) >= q.capacity
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dequeue removes the oldest envelope, blocking until one is available or
// the context is done.
func (q *Queue) Dequeue(ctx context.Context) (Envelope, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			depth := len(q.items)
			q.mu.Unlock()
			metrics.SetQueueDepth(q.name, float64(depth))
			return env, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return Envelope{}, false
		}
	}
}
