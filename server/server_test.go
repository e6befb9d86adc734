package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/grid"
	"github.com/wrangler-bot/wrangler/notify"
	"github.com/wrangler-bot/wrangler/persist"
)

const alphaUUID = "7f0d3c65-11aa-4b22-9c33-444455556666"

func testConfig(t *testing.T) *config.Store {
	t.Helper()
	return config.NewStoreFromConfig(&config.Config{
		Version: 1,
		Name:    "test-instance",
		Timeouts: config.TimeoutConfig{
			Services: 5 * time.Second,
			Callback: 5 * time.Second,
			Schedule: time.Hour,
		},
		Queues: config.QueueConfig{Callback: 16, Push: 16, TCP: 16, Side: 16},
		Persistence: config.PersistenceConfig{
			Provider: "file",
			Dir:      t.TempDir(),
		},
		Groups: []config.GroupConfig{{
			UUID:        alphaUUID,
			Name:        "Alpha",
			Password:    "secret",
			Permissions: config.PermissionAll,
			Workers:     2,
		}},
		ContentType: "application/x-www-form-urlencoded",
	})
}

func newServerForTest(t *testing.T) (*Server, *grid.Fake) {
	t.Helper()
	fake := grid.NewFake()
	s, err := New(context.Background(), testConfig(t), fake, "test")
	if err != nil {
		t.Fatal(err)
	}
	return s, fake
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s, _ := newServerForTest(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestHordeListenerBindFailure(t *testing.T) {
	store := testConfig(t)
	cfg := *store.Snapshot()
	cfg.Horde.ListenAddr = "256.256.256.256:0"
	s, err := New(context.Background(), config.NewStoreFromConfig(&cfg), grid.NewFake(), "test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.gate.Stop()
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected bind failure")
	}
}

func TestHandleEventRunsCommand(t *testing.T) {
	s, fake := newServerForTest(t)
	t.Cleanup(s.gate.Stop)

	ctx := context.Background()
	fake.AddAgent("agent-1", "Some Resident")
	s.handleEvent(ctx, grid.Event{
		Kind:       grid.EventIM,
		SenderID:   "agent-1",
		SenderName: "Some Resident",
		Message:    "command=version&group=Alpha&password=secret&callback=http://example.com/cb",
	})

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	env, ok := s.runtime.Callbacks.Dequeue(dctx)
	if !ok {
		t.Fatal("no callback enqueued for inbound command")
	}
	if got, _ := env.Payload.Get("command"); got != "version" {
		t.Errorf("callback command = %q", got)
	}
}

func TestHandleEventDropsMutedSender(t *testing.T) {
	s, _ := newServerForTest(t)
	t.Cleanup(s.gate.Stop)

	s.caches.Mutes.Add("agent-1", "")
	s.handleEvent(context.Background(), grid.Event{
		Kind:       grid.EventIM,
		SenderID:   "agent-1",
		SenderName: "Some Resident",
		Message:    "command=version&group=Alpha&password=secret&callback=http://example.com/cb",
	})

	time.Sleep(100 * time.Millisecond)
	if depth := s.runtime.Callbacks.Len(); depth != 0 {
		t.Errorf("muted sender produced %d callbacks", depth)
	}
}

func TestSoftBanEscalation(t *testing.T) {
	s, fake := newServerForTest(t)
	t.Cleanup(s.gate.Stop)

	ctx := context.Background()
	if err := s.softBans.Add(ctx, "agent-1", alphaUUID, -time.Minute); err != nil {
		t.Fatal(err)
	}
	s.escalateSoftBans(ctx)

	deadline := time.After(2 * time.Second)
	for {
		bans, err := fake.QueryGroupBans(ctx, alphaUUID)
		if err != nil {
			t.Fatal(err)
		}
		if len(bans) == 1 && bans[0] == "agent-1" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("hard ban not placed, have %v", bans)
		case <-time.After(10 * time.Millisecond):
		}
	}
	if s.softBans.Has("agent-1") {
		t.Error("escalated soft-ban still active")
	}
}

func TestCacheFlushRoundTrip(t *testing.T) {
	s, _ := newServerForTest(t)
	t.Cleanup(s.gate.Stop)

	ctx := context.Background()
	s.caches.Agents.Add("agent-1", "Some Resident")
	s.caches.Mutes.Add("agent-2", "")
	if err := s.flushCaches(ctx); err != nil {
		t.Fatal(err)
	}

	restored := cache.NewCaches(nil)
	saved := s.caches
	s.caches = restored
	if err := s.loadCaches(ctx); err != nil {
		t.Fatal(err)
	}
	s.caches = saved

	if name, _ := restored.Agents.Get("agent-1"); name != "Some Resident" {
		t.Errorf("restored agent name = %q", name)
	}
	if !restored.Mutes.Has("agent-2") {
		t.Error("restored mute list missing entry")
	}
}

func TestChatLogRecordsMessages(t *testing.T) {
	store := testConfig(t)
	cfg := *store.Snapshot()
	cfg.ChatLog = filepath.Join(t.TempDir(), "chat.log")
	s, err := New(context.Background(), config.NewStoreFromConfig(&cfg), grid.NewFake(), "test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.gate.Stop)

	s.handleEvent(context.Background(), grid.Event{
		Kind:       grid.EventChat,
		SenderID:   "agent-1",
		SenderName: "Some Resident",
		Message:    "hello there",
	})

	deadline := time.After(2 * time.Second)
	for {
		data, err := os.ReadFile(cfg.ChatLog)
		if err == nil && strings.Contains(string(data), "Some Resident") &&
			strings.Contains(string(data), "hello there") {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("chat log never written, have %q", data)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestExternalStateEditReloadsStore(t *testing.T) {
	store := testConfig(t)
	dir := store.Snapshot().Persistence.Dir
	s, err := New(context.Background(), store, grid.NewFake(), "test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.gate.Stop)
	t.Cleanup(func() { s.provider.Close() })

	ctx := context.Background()
	editor, err := persist.NewFileProvider(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer editor.Close()
	edited := cache.NewSoftBanList(editor)
	if err := edited.Add(ctx, "agent-9", alphaUUID, time.Hour); err != nil {
		t.Fatal(err)
	}

	// The reload is debounced, so poll well past the debounce window.
	deadline := time.After(5 * time.Second)
	for !s.softBans.Has("agent-9") {
		select {
		case <-deadline:
			t.Fatal("externally written soft-ban never loaded")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestMembershipJobEmitsThroughRouter(t *testing.T) {
	s, fake := newServerForTest(t)
	t.Cleanup(s.gate.Stop)

	ctx := context.Background()
	if err := s.runtime.Notify.SubscribeHTTP(ctx, alphaUUID,
		notify.TypeMembership, "http://example.com/hook", nil); err != nil {
		t.Fatal(err)
	}

	fake.AddAgent("agent-1", "First Resident")
	fake.AddGroup(alphaUUID, "Alpha")
	s.reconcileMembership(ctx)

	fake.AddGroup(alphaUUID, "Alpha", "agent-1")
	s.reconcileMembership(ctx)

	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	env, ok := s.pushQueue.Dequeue(dctx)
	if !ok {
		t.Fatal("no membership notification enqueued")
	}
	if action, _ := env.Payload.Get("action"); action != "joined" {
		t.Errorf("action = %q", action)
	}
	if agent, _ := env.Payload.Get("agent"); agent != "agent-1" {
		t.Errorf("agent = %q", agent)
	}
}
