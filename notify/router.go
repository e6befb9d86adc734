package notify

import (
	"fmt"
	"sort"
	"sync"

	"github.com/wrangler-bot/wrangler/delivery"
	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/util/metrics"
	"github.com/wrangler-bot/wrangler/wire"
)

// Handler turns an event payload into a flat key/value data map for one
// subscriber. Returning an empty map (and nil error) skips the subscriber.
type Handler func(event interface{}) (map[string]string, error)

// Router fans emitted events out to subscriber delivery queues.
type Router struct {
	store     *Store
	mu        sync.RWMutex
	handlers  map[Type]Handler
	httpQueue *delivery.Queue
	tcpQueue  *delivery.Queue
	side      *SideBuffers
	log       *logger.Logger
}

// NewRouter creates a router over the subscription store and the transport
// queues. The HTTP queue must use the evict-oldest policy and the TCP queue
// drop-newest; the router relies on those semantics.
func NewRouter(store *Store, httpQueue, tcpQueue *delivery.Queue, side *SideBuffers) *Router {
	return &Router{
		store:     store,
		handlers:  make(map[Type]Handler),
		httpQueue: httpQueue,
		tcpQueue:  tcpQueue,
		side:      side,
		log:       logger.NewLogger("NotifyRouter"),
	}
}

// Register installs the handler for a type. Handlers are registered once at
// startup; the registry is validated for completeness by tests.
func (r *Router) Register(t Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// HasHandler reports whether a handler is registered for t.
func (r *Router) HasHandler(t Type) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[t]
	return ok
}

// Emit routes an event of the given type to every subscriber. With no
// subscribers it returns without invoking any handler, which is the common
// case. Handler failures are isolated per subscriber.
func (r *Router) Emit(t Type, event interface{}) {
	subs := r.store.Subscribers(t)
	if len(subs) == 0 {
		return
	}

	r.mu.RLock()
	handler, ok := r.handlers[t]
	r.mu.RUnlock()
	if !ok {
		r.log.Errorf("no handler registered for notification type %s", t.Name())
		return
	}

	metrics.RecordNotificationEmitted(t.Name())

	for _, sub := range subs {
		data, err := handler(event)
		if err != nil {
			r.log.Warnf("handler for %s failed for group %s: %v", t.Name(), sub.GroupID, err)
			continue
		}
		if len(data) == 0 {
			continue
		}

		payload := buildPayload(t, data, sub.Afterburn)

		for url := range sub.HTTP[t] {
			env := delivery.Envelope{
				GroupID:     sub.GroupID,
				Destination: url,
				Payload:     payload.Clone(),
			}
			r.httpQueue.Enqueue(env)
			if r.side != nil {
				r.side.Mirror(sub.GroupID, payload.Encode())
			}
		}
		for endpoint := range sub.TCP[t] {
			env := delivery.Envelope{
				GroupID:     sub.GroupID,
				Destination: endpoint,
				Payload:     payload.Clone(),
			}
			r.tcpQueue.Enqueue(env)
		}
	}
}

// buildPayload stamps the type, lays the handler data out in deterministic
// order, then merges afterburn fields without overwriting handler keys.
func buildPayload(t Type, data map[string]string, afterburn map[string]string) *wire.KeyValues {
	payload := wire.NewKeyValues()
	payload.Set("type", t.Name())

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "type" {
			continue
		}
		payload.Set(k, data[k])
	}

	abKeys := make([]string, 0, len(afterburn))
	for k := range afterburn {
		abKeys = append(abKeys, k)
	}
	sort.Strings(abKeys)
	for _, k := range abKeys {
		payload.MergeMissing(k, afterburn[k])
	}
	return payload
}

// SideBuffers mirrors HTTP notification payloads into a bounded per-group
// ring so a secondary long-poll consumer can fetch recent notifications.
type SideBuffers struct {
	mu       sync.Mutex
	capacity int
	buffers  map[string][]string
}

// NewSideBuffers creates per-group ring buffers of the given capacity.
func NewSideBuffers(capacity int) *SideBuffers {
	if capacity <= 0 {
		capacity = 1
	}
	return &SideBuffers{
		capacity: capacity,
		buffers:  make(map[string][]string),
	}
}

// Mirror appends a payload line for a group, evicting the oldest line when
// the ring is full.
func (b *SideBuffers) Mirror(groupID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.buffers[groupID]
	if len(buf) >= b.capacity {
		buf = buf[1:]
	}
	b.buffers[groupID] = append(buf, line)
}

// Drain removes and returns all buffered lines for a group.
func (b *SideBuffers) Drain(groupID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.buffers[groupID]
	delete(b.buffers, groupID)
	return lines
}

// Len returns the number of buffered lines for a group.
func (b *SideBuffers) Len(groupID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffers[groupID])
}

// String satisfies fmt.Stringer for diagnostics.
func (b *SideBuffers) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("SideBuffers(groups=%d)", len(b.buffers))
}
