// Package discovery maintains the horde peer list through etcd: this
// instance registers itself under a shared prefix with a kept-alive lease,
// and a watch on the same prefix feeds peer arrivals and departures into
// the synchronizer. Static configuration peers are unaffected.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/util/backoff"
	"github.com/wrangler-bot/wrangler/util/logger"
)

const (
	leaseTTL    = 15 // seconds
	dialTimeout = 5 * time.Second
)

// Registry connects the local instance to the shared etcd peer directory.
type Registry struct {
	cfg      config.DiscoveryConfig
	selfName string
	selfURL  string
	onAdd    func(name, url string)
	onRemove func(name string)

	mu      sync.Mutex
	client  *clientv3.Client
	cancel  context.CancelFunc
	started bool
	log     *logger.Logger
}

// New creates a registry. onAdd and onRemove run on the watch goroutine and
// must not block.
func New(cfg config.DiscoveryConfig, selfName, selfURL string,
	onAdd func(name, url string), onRemove func(name string)) *Registry {
	return &Registry{
		cfg:      cfg,
		selfName: selfName,
		selfURL:  selfURL,
		onAdd:    onAdd,
		onRemove: onRemove,
		log:      logger.NewLogger("Discovery"),
	}
}

func (r *Registry) peersPrefix() string {
	return strings.TrimRight(r.cfg.Etcd.Prefix, "/") + "/peers/"
}

// Start connects to etcd and begins the register-and-watch loop. The loop
// reconnects with exponential backoff until ctx is cancelled.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("discovery already started")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   r.cfg.Etcd.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to etcd: %w", err)
	}
	r.client = client

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true
	go r.run(runCtx)
	return nil
}

// Stop ends the session and closes the etcd client.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cancel()
	if r.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		key := r.peersPrefix() + r.selfName
		if _, err := r.client.Delete(ctx, key); err != nil {
			r.log.Warnf("failed to remove own registration: %v", err)
		}
		cancel()
		r.client.Close()
		r.client = nil
	}
	r.started = false
}

func (r *Registry) run(ctx context.Context) {
	bo := backoff.New(time.Second, time.Minute, 2)
	for {
		err := r.session(ctx)
		if ctx.Err() != nil {
			return
		}
		r.log.Warnf("discovery session ended: %v, reconnecting in %v", err, bo.CurrentDelay())
		if bo.Wait(ctx) != nil {
			return
		}
	}
}

// session registers the local instance under a lease, loads the current
// peers, and follows the watch until something breaks.
func (r *Registry) session(ctx context.Context) error {
	lease, err := r.client.Grant(ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	key := r.peersPrefix() + r.selfName
	if _, err := r.client.Put(ctx, key, r.selfURL, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	r.log.Infof("registered as %s with lease %d", r.selfName, lease.ID)

	resp, err := r.client.Get(ctx, r.peersPrefix(), clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to list peers: %w", err)
	}
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), r.peersPrefix())
		if name == r.selfName {
			continue
		}
		r.onAdd(name, string(kv.Value))
	}

	watch := r.client.Watch(ctx, r.peersPrefix(),
		clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))

	for {
		select {
		case <-ctx.Done():
			r.revoke(lease.ID)
			return ctx.Err()
		case _, ok := <-keepAlive:
			if !ok {
				return fmt.Errorf("lease keep-alive lost")
			}
		case watchResp, ok := <-watch:
			if !ok {
				return fmt.Errorf("watch channel closed")
			}
			if watchResp.Err() != nil {
				return fmt.Errorf("watch failed: %w", watchResp.Err())
			}
			for _, event := range watchResp.Events {
				name := strings.TrimPrefix(string(event.Kv.Key), r.peersPrefix())
				if name == r.selfName {
					continue
				}
				switch event.Type {
				case clientv3.EventTypePut:
					r.onAdd(name, string(event.Kv.Value))
				case clientv3.EventTypeDelete:
					r.onRemove(name)
				}
			}
		}
	}
}

func (r *Registry) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := r.client.Revoke(ctx, id); err != nil {
		r.log.Warnf("failed to revoke lease %d: %v", id, err)
	}
}
