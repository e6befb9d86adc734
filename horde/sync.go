package horde

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/gate"
	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/util/metrics"
)

// Synchronizer owns the peer registry and replicates local cache deltas to
// every peer subscribed to the mutated category. Replication is
// fire-and-forget: a failed peer misses the update until the next mutation.
type Synchronizer struct {
	mu      sync.Mutex
	peers   map[string]*Peer
	enabled bool
	timeout time.Duration
	gate    *gate.Gate
	log     *logger.Logger
}

var _ cache.Publisher = (*Synchronizer)(nil)

// NewSynchronizer creates a synchronizer with the statically configured
// peers. Discovery adds and removes peers at runtime.
func NewSynchronizer(enabled bool, timeout time.Duration, g *gate.Gate, peers ...*Peer) *Synchronizer {
	s := &Synchronizer{
		peers:   make(map[string]*Peer),
		enabled: enabled,
		timeout: timeout,
		gate:    g,
		log:     logger.NewLogger("Horde"),
	}
	if s.timeout <= 0 {
		s.timeout = defaultPeerTimeout
	}
	for _, peer := range peers {
		s.peers[peer.Name] = peer
	}
	return s
}

// Enabled reports whether peer cooperation is on.
func (s *Synchronizer) Enabled() bool {
	return s.enabled
}

// AddPeer registers a peer, replacing one with the same name.
func (s *Synchronizer) AddPeer(peer *Peer) {
	s.mu.Lock()
	s.peers[peer.Name] = peer
	s.mu.Unlock()
	s.log.Infof("peer %s at %s registered", peer.Name, peer.URL)
}

// RemovePeer unregisters a peer by name.
func (s *Synchronizer) RemovePeer(name string) {
	s.mu.Lock()
	_, ok := s.peers[name]
	delete(s.peers, name)
	s.mu.Unlock()
	if ok {
		s.log.Infof("peer %s unregistered", name)
	}
}

// Peers returns the current peers sorted by name.
func (s *Synchronizer) Peers() []*Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Peer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PeersSyncing returns the peers whose mask includes bit.
func (s *Synchronizer) PeersSyncing(bit uint64) []*Peer {
	var out []*Peer
	for _, peer := range s.Peers() {
		if peer.Syncs(bit) {
			out = append(out, peer)
		}
	}
	return out
}

// Publish replicates one local cache delta. It returns immediately; the
// sends run through the gate's horde category and failures are only logged.
func (s *Synchronizer) Publish(delta cache.Delta) {
	if !s.enabled {
		return
	}
	for _, peer := range s.PeersSyncing(delta.Category.Bit()) {
		peer := peer
		s.gate.Spawn(gate.CategoryHorde, 32, func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			if err := peer.Replicate(ctx, delta); err != nil {
				metrics.RecordHordeReplication(peer.Name, string(delta.Category), "failure")
				s.log.Warnf("replication of %s %s to %s failed: %v",
					delta.Op, delta.Category, peer.Name, err)
				return
			}
			metrics.RecordHordeReplication(peer.Name, string(delta.Category), "success")
		})
	}
}
