package delivery

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/wrangler-bot/wrangler/util/logger"
)

// HTTPWorker drains a queue by POSTing each envelope's key=value encoding to
// its destination URL. Delivery failures are logged and the envelope is
// discarded; there is no retry.
type HTTPWorker struct {
	queue       *Queue
	client      *http.Client
	contentType string
	log         *logger.Logger
}

// NewHTTPWorker creates a drain worker over queue. contentType selects the
// body encoding advertised to the callback receiver.
func NewHTTPWorker(name string, queue *Queue, timeout time.Duration, contentType string) *HTTPWorker {
	return &HTTPWorker{
		queue:       queue,
		client:      &http.Client{Timeout: timeout},
		contentType: contentType,
		log:         logger.NewLogger("HTTPWorker(" + name + ")"),
	}
}

// Run drains the queue until the context is done.
func (w *HTTPWorker) Run(ctx context.Context) {
	for {
		env, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		w.deliver(ctx, env)
	}
}

func (w *HTTPWorker) deliver(ctx context.Context, env Envelope) {
	body := env.Payload.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, env.Destination, strings.NewReader(body))
	if err != nil {
		w.log.Errorf("invalid destination %q: %v", env.Destination, err)
		return
	}
	req.Header.Set("Content-Type", w.contentType)

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warnf("delivery to %s failed: %v", env.Destination, err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		w.log.Warnf("delivery to %s returned status %d", env.Destination, resp.StatusCode)
	}
}
