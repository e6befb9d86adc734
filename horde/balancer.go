package horde

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/delivery"
	"github.com/wrangler-bot/wrangler/util/logger"
	"github.com/wrangler-bot/wrangler/util/metrics"
	"github.com/wrangler-bot/wrangler/wire"
)

// Balancing strategies.
const (
	BalanceUnison   = "unison"
	BalanceWeighted = "weighted"
)

// candidate is one execution target for a routed command. A nil peer means
// local execution.
type candidate struct {
	peer *Peer
	ctx  Context
}

func (c candidate) name() string {
	if c.peer == nil {
		return c.ctx.Name
	}
	return c.peer.Name
}

// Balancer routes horde-flagged commands to eligible peers. It satisfies
// the command pipeline's Forwarder contract.
type Balancer struct {
	sync         *Synchronizer
	cfg          *config.Store
	localContext func() Context
	localRun     func(ctx context.Context, payload string)
	callbacks    *delivery.Queue
	log          *logger.Logger
}

// NewBalancer creates a balancer. localContext synthesizes this instance's
// context; localRun executes a command payload locally.
func NewBalancer(s *Synchronizer, cfg *config.Store, localContext func() Context,
	localRun func(ctx context.Context, payload string), callbacks *delivery.Queue) *Balancer {
	return &Balancer{
		sync:         s,
		cfg:          cfg,
		localContext: localContext,
		localRun:     localRun,
		callbacks:    callbacks,
		log:          logger.NewLogger("Balancer"),
	}
}

// Enabled reports whether routing to peers is possible.
func (b *Balancer) Enabled() bool {
	return b.sync.Enabled()
}

// Forward routes one authenticated command. Results of remote execution
// reach the caller only through the command's callback; the synchronous
// path always ends here.
func (b *Balancer) Forward(ctx context.Context, msg wire.Message, group *config.GroupConfig) error {
	strategy := msg.Get(wire.KeyBalance)
	if strategy == "" {
		strategy = b.cfg.Snapshot().Horde.Balance
	}
	if strategy != BalanceUnison && strategy != BalanceWeighted {
		return fmt.Errorf("unknown balancing strategy %q", strategy)
	}

	var filter wire.Message
	if raw := msg.Get(wire.KeyContext); raw != "" {
		var err error
		if filter, err = wire.Parse(raw); err != nil {
			return fmt.Errorf("invalid context filter: %w", err)
		}
	}

	candidates := b.gather(ctx, filter)
	if len(candidates) == 0 {
		return fmt.Errorf("no eligible peers for strategy %s", strategy)
	}

	payload := forwardPayload(msg)

	switch strategy {
	case BalanceUnison:
		// Every eligible candidate executes, local included, no early return.
		var wg sync.WaitGroup
		for _, cand := range candidates {
			wg.Add(1)
			go func(cand candidate) {
				defer wg.Done()
				metrics.RecordHordePeerSelection(cand.name(), strategy)
				err := b.execute(ctx, cand, group, payload)
				b.reportOutcome(msg, group, cand, err)
			}(cand)
		}
		wg.Wait()

	case BalanceWeighted:
		cand := pickWeighted(candidates)
		metrics.RecordHordePeerSelection(cand.name(), strategy)
		err := b.execute(ctx, cand, group, payload)
		b.reportOutcome(msg, group, cand, err)
	}
	return nil
}

// gather collects the live contexts of every command-eligible peer plus the
// synthetic local context, dropping peers that fail the filter or the fetch.
func (b *Balancer) gather(ctx context.Context, filter wire.Message) []candidate {
	var mu sync.Mutex
	var out []candidate

	if local := b.localContext(); local.Matches(filter) {
		out = append(out, candidate{ctx: local})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, peer := range b.sync.PeersSyncing(SyncCommands) {
		peer := peer
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, b.sync.timeout)
			defer cancel()
			pc, err := peer.FetchContext(pctx)
			if err != nil {
				b.log.Warnf("context fetch from %s failed, peer skipped: %v", peer.Name, err)
				return nil
			}
			if !pc.Matches(filter) {
				return nil
			}
			mu.Lock()
			out = append(out, candidate{peer: peer, ctx: pc})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool {
		if (out[i].peer == nil) != (out[j].peer == nil) {
			return out[i].peer == nil
		}
		return out[i].name() < out[j].name()
	})
	return out
}

// execute runs the command on one candidate. A remote pick first pushes the
// group's authorization state, then delivers the command.
func (b *Balancer) execute(ctx context.Context, cand candidate, group *config.GroupConfig, payload string) error {
	if cand.peer == nil {
		b.localRun(ctx, payload)
		return nil
	}
	if err := cand.peer.PushGroup(ctx, group); err != nil {
		return fmt.Errorf("group sync failed: %w", err)
	}
	return cand.peer.SendCommand(ctx, payload)
}

// reportOutcome enqueues a callback describing the peer outcome when the
// request carries a callback URL.
func (b *Balancer) reportOutcome(msg wire.Message, group *config.GroupConfig, cand candidate, err error) {
	if err != nil {
		b.log.Warnf("routing to %s failed: %v", cand.name(), err)
	}
	callback := msg.Get(wire.KeyCallback)
	if callback == "" || b.callbacks == nil {
		return
	}
	payload := wire.NewKeyValues()
	payload.Set(wire.KeyCommand, msg.Get(wire.KeyCommand))
	payload.Set(wire.KeyGroup, group.Name)
	payload.Set("peer", cand.name())
	payload.Set(wire.KeySuccess, strconv.FormatBool(err == nil))
	if err != nil {
		payload.Set(wire.KeyError, err.Error())
	}
	payload.Set(wire.KeyTime, time.Now().UTC().Format(time.RFC3339))
	b.callbacks.Enqueue(delivery.Envelope{
		GroupID:     group.UUID,
		Destination: callback,
		Payload:     payload,
	})
}

// forwardPayload re-encodes the message for delivery, stripping the routing
// keys so the receiving peer executes instead of forwarding again.
func forwardPayload(msg wire.Message) string {
	keys := make([]string, 0, len(msg))
	for key := range msg {
		switch key {
		case wire.KeyHorde, wire.KeyBalance, wire.KeyContext:
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	kv := wire.NewKeyValues()
	for _, key := range keys {
		kv.Set(key, msg[key])
	}
	return kv.Encode()
}

// pickWeighted selects one candidate with probability proportional to its
// advertised contribution. A non-positive contribution counts as one.
func pickWeighted(candidates []candidate) candidate {
	total := 0
	for _, cand := range candidates {
		total += weightOf(cand)
	}
	roll := rand.Intn(total)
	for _, cand := range candidates {
		roll -= weightOf(cand)
		if roll < 0 {
			return cand
		}
	}
	return candidates[len(candidates)-1]
}

func weightOf(cand candidate) int {
	if cand.ctx.Contribution <= 0 {
		return 1
	}
	return cand.ctx.Contribution
}
