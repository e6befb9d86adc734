package delivery

import (
	"context"
	"sync"

	"github.com/wrangler-bot/wrangler/util/logger"
)

// Sink receives one encoded notification line for a connected TCP
// subscriber. Push must not block; it returns false when the subscriber's
// own buffer is full.
type Sink interface {
	Push(line string) bool
}

// SinkRegistry maps TCP endpoint keys to the live session that serves them.
// Sessions register on successful authentication and unregister on
// teardown.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewSinkRegistry creates an empty registry.
func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: make(map[string]Sink)}
}

// Register binds an endpoint key to a sink.
func (r *SinkRegistry) Register(endpoint string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[endpoint] = sink
}

// Unregister removes an endpoint binding.
func (r *SinkRegistry) Unregister(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, endpoint)
}

// Lookup returns the sink for an endpoint.
func (r *SinkRegistry) Lookup(endpoint string) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sinks[endpoint]
	return sink, ok
}

// TCPWorker drains the TCP queue by writing each envelope as one line to
// the sink registered for its destination endpoint. Envelopes for vanished
// endpoints are discarded.
type TCPWorker struct {
	queue    *Queue
	registry *SinkRegistry
	log      *logger.Logger
}

// NewTCPWorker creates a drain worker over queue and registry.
func NewTCPWorker(queue *Queue, registry *SinkRegistry) *TCPWorker {
	return &TCPWorker{
		queue:    queue,
		registry: registry,
		log:      logger.NewLogger("TCPWorker"),
	}
}

// Run drains the queue until the context is done.
func (w *TCPWorker) Run(ctx context.Context) {
	for {
		env, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		sink, ok := w.registry.Lookup(env.Destination)
		if !ok {
			w.log.Debugf("no session for endpoint %s, envelope discarded", env.Destination)
			continue
		}
		if !sink.Push(env.Payload.Encode()) {
			w.log.Warnf("session buffer full for endpoint %s, line dropped", env.Destination)
		}
	}
}
