// Package server assembles the agent: configuration, persistence, caches,
// horde synchronization, the command pipeline, notification delivery, the
// protocol listeners, and the periodic jobs. Run blocks until the context
// is cancelled and tears everything down in reverse order.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/wrangler-bot/wrangler/auth"
	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/command"
	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/delivery"
	"github.com/wrangler-bot/wrangler/gate"
	"github.com/wrangler-bot/wrangler/grid"
	"github.com/wrangler-bot/wrangler/horde"
	"github.com/wrangler-bot/wrangler/horde/discovery"
	"github.com/wrangler-bot/wrangler/notify"
	"github.com/wrangler-bot/wrangler/persist"
	"github.com/wrangler-bot/wrangler/resolver"
	"github.com/wrangler-bot/wrangler/sched"
	"github.com/wrangler-bot/wrangler/tcpserv"
	"github.com/wrangler-bot/wrangler/util/logger"
)

// Job intervals. The schedule tick is short because fire times are kept in
// the store; the tick only discovers what is already due.
const (
	scheduleInterval   = 30 * time.Second
	softBanInterval    = time.Minute
	heartbeatInterval  = time.Minute
	cacheFlushInterval = 5 * time.Minute
	membershipInterval = 5 * time.Minute
	feedInterval       = 10 * time.Minute
)

// Server wires the subsystems together around one configuration store and
// one grid client.
type Server struct {
	cfg     *config.Store
	grid    grid.Client
	version string
	log     *logger.Logger

	gate       *gate.Gate
	provider   persist.Provider
	caches     *cache.Caches
	softBans   *cache.SoftBanList
	sync       *horde.Synchronizer
	discovery  *discovery.Registry
	pipeline   *command.Pipeline
	runtime    *command.Runtime
	router     *notify.Router
	membership *notify.Membership
	sinks      *delivery.SinkRegistry
	pushQueue  *delivery.Queue
	tcpQueue   *delivery.Queue
	scheduler  *sched.Scheduler
	httpServer *http.Server
	tcpServer  *tcpserv.Server
	chatLog    *os.File
}

// New builds the full subsystem graph. Nothing listens or ticks until Run.
func New(ctx context.Context, cfgStore *config.Store, gridClient grid.Client, version string) (*Server, error) {
	cfg := cfgStore.Snapshot()
	s := &Server{
		cfg:     cfgStore,
		grid:    gridClient,
		version: version,
		log:     logger.NewLogger(fmt.Sprintf("Server(%s)", cfg.Name)),
		gate:    gate.New(),
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s.provider = provider

	peers := make([]*horde.Peer, 0, len(cfg.Horde.Peers))
	for _, pc := range cfg.Horde.Peers {
		peers = append(peers, horde.NewPeer(pc, cfg.Timeouts.Services))
	}
	s.sync = horde.NewSynchronizer(cfg.Horde.Enable, cfg.Timeouts.Services, s.gate, peers...)
	s.caches = cache.NewCaches(s.sync)
	if err := s.loadCaches(ctx); err != nil {
		s.log.Warnf("could not restore caches: %v", err)
	}

	s.softBans = cache.NewSoftBanList(provider)
	if err := s.softBans.Load(ctx); err != nil {
		s.log.Warnf("could not restore soft-bans: %v", err)
	}

	authenticator := auth.New(cfgStore)
	res := resolver.New(gridClient, s.caches, cfg.Timeouts.Services, func(fn func()) {
		s.gate.Spawn(gate.CategoryPreload, 8, fn)
	})

	subs := notify.NewStore(provider)
	if err := subs.Load(ctx); err != nil {
		s.log.Warnf("could not restore subscriptions: %v", err)
	}
	callbacks := delivery.NewQueue("callback", cfg.Queues.Callback, delivery.DropNewest)
	s.pushQueue = delivery.NewQueue("push", cfg.Queues.Push, delivery.EvictOldest)
	s.tcpQueue = delivery.NewQueue("tcp", cfg.Queues.TCP, delivery.DropNewest)
	side := notify.NewSideBuffers(cfg.Queues.Side)
	s.router = notify.NewRouter(subs, s.pushQueue, s.tcpQueue, side)
	notify.RegisterDefaultHandlers(s.router)
	s.sinks = delivery.NewSinkRegistry()

	feeds := notify.NewFeedList(provider, nil)
	if err := feeds.Load(ctx); err != nil {
		s.log.Warnf("could not restore feeds: %v", err)
	}
	schedules := command.NewScheduleStore(provider)
	if err := schedules.Load(ctx); err != nil {
		s.log.Warnf("could not restore schedules: %v", err)
	}
	s.membership = notify.NewMembership(provider)
	if err := s.membership.Load(ctx); err != nil {
		s.log.Warnf("could not restore membership rosters: %v", err)
	}

	s.runtime = &command.Runtime{
		Config:    cfgStore,
		Auth:      authenticator,
		Grid:      gridClient,
		Caches:    s.caches,
		SoftBans:  s.softBans,
		Resolver:  res,
		Notify:    subs,
		Router:    s.router,
		Side:      side,
		Feeds:     feeds,
		Schedules: schedules,
		Callbacks: callbacks,
		Gate:      s.gate,
		Version:   version,
		StartTime: time.Now(),
	}
	s.pipeline = command.NewPipeline(s.runtime)

	localRun := func(ctx context.Context, payload string) {
		s.pipeline.Handle(ctx, payload, "horde", "")
	}
	balancer := horde.NewBalancer(s.sync, cfgStore, s.localContext, localRun, callbacks)
	s.runtime.Forwarder = balancer

	hordeServer := horde.NewServer(cfgStore, s.caches, s.gate, s.localContext, localRun)
	if cfg.Horde.ListenAddr != "" {
		s.httpServer = &http.Server{
			Addr:              cfg.Horde.ListenAddr,
			Handler:           hordeServer.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	if cfg.Horde.Discovery.Enable {
		s.discovery = discovery.New(cfg.Horde.Discovery, cfg.Horde.Name, advertiseURL(cfg),
			s.onPeerDiscovered, s.sync.RemovePeer)
	}

	if cfg.TCP.Enable {
		s.tcpServer = tcpserv.NewServer(cfgStore, authenticator, subs, s.sinks, cfg.Queues.TCP)
	}

	if cfg.ChatLog != "" {
		s.chatLog, err = os.OpenFile(cfg.ChatLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("chat log: %w", err)
		}
	}

	if fp, ok := provider.(*persist.FileProvider); ok {
		if err := fp.Watch(s.onStateFileChange); err != nil {
			s.log.Warnf("state file watch unavailable: %v", err)
		}
	}

	s.scheduler = sched.New()
	s.registerJobs()

	return s, nil
}

// newProvider selects the persistence backend.
func newProvider(ctx context.Context, cfg *config.Config) (persist.Provider, error) {
	switch cfg.Persistence.Provider {
	case "postgres":
		return persist.NewPostgresProvider(ctx, &cfg.Persistence.Postgres)
	default:
		return persist.NewFileProvider(cfg.Persistence.Dir)
	}
}

// advertiseURL is the address peers reach this instance at, derived from the
// horde listener. A wildcard bind advertises the hostname instead.
func advertiseURL(cfg *config.Config) string {
	addr := cfg.Horde.ListenAddr
	if host, port, err := net.SplitHostPort(addr); err == nil && host == "" {
		if name, herr := os.Hostname(); herr == nil {
			addr = net.JoinHostPort(name, port)
		}
	}
	return "http://" + addr
}

// localContext synthesizes this instance's routing context. Fetched fresh
// per decision, so load reflects the current command count.
func (s *Server) localContext() horde.Context {
	cfg := s.cfg.Snapshot()
	return horde.Context{
		Name:         cfg.Horde.Name,
		Region:       s.grid.CurrentRegion(),
		Version:      s.version,
		Contribution: cfg.Horde.Contribution,
		Load:         float64(s.gate.Running(gate.CategoryCommand)),
	}
}

// onPeerDiscovered turns a discovery entry into a peer with the shared
// discovery credentials.
func (s *Server) onPeerDiscovered(name, url string) {
	disc := s.cfg.Snapshot().Horde.Discovery
	s.sync.AddPeer(horde.NewPeer(config.PeerConfig{
		Name:         name,
		URL:          url,
		Username:     disc.Username,
		Password:     disc.Password,
		SharedSecret: disc.SharedSecret,
		SyncMask:     disc.SyncMask,
	}, s.cfg.Snapshot().Timeouts.Services))
}

// onStateFileChange reloads the store backing an externally edited state
// file, so edits made beside a running instance take effect without a
// restart.
func (s *Server) onStateFileChange(category string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	switch category {
	case persist.CategorySubscriptions:
		err = s.runtime.Notify.Load(ctx)
	case persist.CategorySchedules:
		err = s.runtime.Schedules.Load(ctx)
	case persist.CategorySoftBans:
		err = s.softBans.Load(ctx)
	case persist.CategoryFeeds:
		err = s.runtime.Feeds.Load(ctx)
	case persist.CategoryMembership:
		err = s.membership.Load(ctx)
	case persist.CategoryCaches:
		err = s.loadCaches(ctx)
	default:
		return
	}
	if err != nil {
		s.log.Warnf("reload of %s state failed: %v", category, err)
		return
	}
	s.log.Infof("reloaded %s state after external change", category)
}

func (s *Server) registerJobs() {
	s.scheduler.Add("schedules", scheduleInterval, func(ctx context.Context) {
		s.pipeline.RunScheduled(ctx, time.Now())
	})
	s.scheduler.Add("softbans", softBanInterval, s.escalateSoftBans)
	s.scheduler.Add("heartbeat", heartbeatInterval, func(ctx context.Context) {
		cfg := s.cfg.Snapshot()
		s.router.Emit(notify.TypeHeartbeat, notify.HeartbeatEvent{
			Name:    cfg.Name,
			Version: s.version,
			Region:  s.grid.CurrentRegion(),
			Uptime:  s.runtime.Uptime(),
			Load:    float64(s.gate.Running(gate.CategoryCommand)),
		})
	})
	s.scheduler.Add("membership", membershipInterval, s.reconcileMembership)
	s.scheduler.Add("feeds", feedInterval, func(ctx context.Context) {
		s.runtime.Feeds.Poll(ctx, s.router)
	})
	s.scheduler.Add("cache-flush", cacheFlushInterval, func(ctx context.Context) {
		if err := s.flushCaches(ctx); err != nil {
			s.log.Warnf("cache flush failed: %v", err)
		}
	})
}

// escalateSoftBans turns every expired soft-ban into a hard group ban. Bans
// that cannot be placed while disconnected are re-queued with a short grace
// so the next tick retries them.
func (s *Server) escalateSoftBans(ctx context.Context) {
	expired, err := s.softBans.TakeExpired(ctx, time.Now())
	if err != nil {
		s.log.Warnf("could not persist soft-ban expiry: %v", err)
	}
	for _, ban := range expired {
		ban := ban
		s.gate.Spawn(gate.CategorySoftBan, 4, func() {
			if err := s.grid.BanAgent(ctx, ban.GroupID, ban.AgentID); err != nil {
				s.log.Warnf("escalation of %s in %s failed: %v", ban.AgentID, ban.GroupID, err)
				if rerr := s.softBans.Add(ctx, ban.AgentID, ban.GroupID, softBanInterval); rerr != nil {
					s.log.Warnf("could not re-queue soft-ban for %s: %v", ban.AgentID, rerr)
				}
				return
			}
			s.log.Infof("soft-ban for %s in %s escalated to hard ban", ban.AgentID, ban.GroupID)
		})
	}
}

func (s *Server) reconcileMembership(ctx context.Context) {
	if !s.grid.Connected() {
		return
	}
	for _, group := range s.cfg.Snapshot().Groups {
		if err := s.membership.Reconcile(ctx, group.UUID, group.Name, s.grid, s.router); err != nil {
			s.log.Warnf("membership reconciliation for %s failed: %v", group.Name, err)
		}
	}
}

// flushCaches persists a snapshot of every replicated cache category.
func (s *Server) flushCaches(ctx context.Context) error {
	snapshot := map[string]map[string]string{
		string(cache.CategoryAgent):       s.caches.Agents.Snapshot(),
		string(cache.CategoryGroup):       s.caches.Groups.Snapshot(),
		string(cache.CategoryRegion):      s.caches.Regions.Snapshot(),
		string(cache.CategoryMute):        s.caches.Mutes.Snapshot(),
		string(cache.CategoryBayes):       s.caches.Bayes.Snapshot(),
		string(cache.CategoryConfigGroup): s.caches.ConfigGroups.Snapshot(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.provider.Save(ctx, persist.CategoryCaches, data)
}

// loadCaches restores the cache snapshot persisted by the flush job.
func (s *Server) loadCaches(ctx context.Context) error {
	data, err := s.provider.Load(ctx, persist.CategoryCaches)
	if err != nil || data == nil {
		return err
	}
	snapshot := make(map[string]map[string]string)
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for name, items := range snapshot {
		category, ok := cache.ParseCategory(name)
		if !ok {
			continue
		}
		s.caches.ByCategory(category).LoadSnapshot(items)
	}
	return nil
}

// Run starts the listeners, workers, and jobs, then blocks until ctx is
// cancelled. A listener bind failure surfaces as the returned error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.httpServer != nil {
		listener, err := net.Listen("tcp", s.httpServer.Addr)
		if err != nil {
			return fmt.Errorf("horde listener: %w", err)
		}
		s.log.Infof("horde protocol listening on %s", s.httpServer.Addr)
		go func() {
			if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("horde server failed: %v", err)
			}
		}()
	}

	if s.tcpServer != nil {
		if err := s.tcpServer.Start(); err != nil {
			return fmt.Errorf("tcp listener: %w", err)
		}
	}

	if s.discovery != nil {
		if err := s.discovery.Start(runCtx); err != nil {
			s.log.Warnf("discovery unavailable, static peers only: %v", err)
		}
	}

	cfg := s.cfg.Snapshot()
	callbackWorker := delivery.NewHTTPWorker("callback", s.runtime.Callbacks, cfg.Timeouts.Callback, cfg.ContentType)
	pushWorker := delivery.NewHTTPWorker("push", s.pushQueue, cfg.Timeouts.Callback, cfg.ContentType)
	tcpWorker := delivery.NewTCPWorker(s.tcpQueue, s.sinks)
	go callbackWorker.Run(runCtx)
	go pushWorker.Run(runCtx)
	go tcpWorker.Run(runCtx)

	go s.intake(runCtx)

	s.scheduler.Start(runCtx)
	s.log.Infof("instance %s version %s running", cfg.Name, s.version)

	<-ctx.Done()
	s.shutdown()
	return nil
}

// intake consumes the inbound world event stream. Messages from muted
// senders are dropped before any processing; everything else is emitted as
// a notification and offered to the command pipeline.
func (s *Server) intake(ctx context.Context) {
	events := s.grid.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, ev grid.Event) {
	switch ev.Kind {
	case grid.EventConnect:
		s.log.Infof("world connection up, releasing command admission")
		s.gate.Release(gate.CategoryCommand)
	case grid.EventDrop:
		s.log.Warnf("world connection down, holding command admission")
		s.gate.Hold(gate.CategoryCommand)
	case grid.EventChat, grid.EventIM, grid.EventObject:
		if s.caches.Mutes.Has(ev.SenderID) {
			s.log.Debugf("dropped message from muted sender %s", ev.SenderID)
			return
		}
		ev := ev
		s.logMessage(ev)
		s.gate.Spawn(gate.CategoryNotification, 16, func() {
			s.router.Emit(notify.TypeMessage, notify.MessageEvent{
				Kind:       string(ev.Kind),
				SenderID:   ev.SenderID,
				SenderName: ev.SenderName,
				Message:    ev.Message,
				Channel:    ev.Channel,
			})
		})
		s.gate.Spawn(gate.CategoryIM, 16, func() {
			s.pipeline.Handle(ctx, ev.Message, ev.SenderName, ev.SenderID)
		})
	}
}

// logMessage appends one line per world message to the chat log. Writes go
// through the sequential log category so lines land in arrival order even
// though event handling itself fans out.
func (s *Server) logMessage(ev grid.Event) {
	if s.chatLog == nil {
		return
	}
	line := fmt.Sprintf("%s [%s] %s (%s): %s\n",
		time.Now().Format(time.RFC3339), ev.Kind, ev.SenderName, ev.SenderID, ev.Message)
	s.gate.SpawnSequential(gate.CategoryLog, 64, time.Second, func() {
		if _, err := s.chatLog.WriteString(line); err != nil {
			s.log.Warnf("chat log write failed: %v", err)
		}
	})
}

func (s *Server) shutdown() {
	s.log.Infof("shutting down")
	s.scheduler.Stop()
	if s.discovery != nil {
		s.discovery.Stop()
	}
	if s.tcpServer != nil {
		s.tcpServer.Stop()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	s.gate.Stop()
	if s.chatLog != nil {
		if err := s.chatLog.Close(); err != nil {
			s.log.Warnf("closing chat log failed: %v", err)
		}
	}
	if err := s.flushCaches(context.Background()); err != nil {
		s.log.Warnf("final cache flush failed: %v", err)
	}
	if err := s.provider.Close(); err != nil {
		s.log.Warnf("closing state store failed: %v", err)
	}
	s.log.Infof("stopped")
}
