package horde

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/delivery"
	"github.com/wrangler-bot/wrangler/gate"
	"github.com/wrangler-bot/wrangler/wire"
)

// fakePeer is an httptest-backed horde peer that counts command deliveries.
type fakePeer struct {
	server *httptest.Server
	ctx    Context
	posts  int32
	pushes int32
	fail   bool
}

func newFakePeer(t *testing.T, ctx Context) *fakePeer {
	t.Helper()
	fp := &fakePeer{ctx: ctx}
	fp.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/command/metrics":
			w.Write([]byte(fp.ctx.Encode()))
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/command/push/"):
			atomic.AddInt32(&fp.pushes, 1)
		case r.Method == http.MethodPost && r.URL.Path == "/":
			if fp.fail {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			atomic.AddInt32(&fp.posts, 1)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(fp.server.Close)
	return fp
}

func (fp *fakePeer) peer(name string) *Peer {
	return NewPeer(config.PeerConfig{
		Name:     name,
		URL:      fp.server.URL,
		SyncMask: SyncCommands,
	}, time.Second)
}

func newBalancerForTest(t *testing.T, balance string, localRuns *int32, peers ...*Peer) (*Balancer, *delivery.Queue) {
	t.Helper()
	g := gate.New()
	t.Cleanup(g.Stop)
	store := config.NewStoreFromConfig(&config.Config{
		Version: 1,
		Name:    "local",
		Horde:   config.HordeConfig{Enable: true, Balance: balance, Contribution: 1},
	})
	callbacks := delivery.NewQueue("callback", 10, delivery.DropNewest)
	s := NewSynchronizer(true, time.Second, g, peers...)
	b := NewBalancer(s, store,
		func() Context { return Context{Name: "local", Region: "Sandbox", Contribution: 1} },
		func(context.Context, string) { atomic.AddInt32(localRuns, 1) },
		callbacks)
	return b, callbacks
}

func mustMessage(t *testing.T, raw string) wire.Message {
	t.Helper()
	msg, err := wire.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func alphaForTest() *config.GroupConfig {
	return &config.GroupConfig{
		UUID:        "7f0d3c65-11aa-4b22-9c33-444455556666",
		Name:        "Alpha",
		Password:    "secret",
		Permissions: config.PermissionAll,
		Workers:     1,
	}
}

func TestForward_UnisonExecutesOnEveryEligiblePeer(t *testing.T) {
	var localRuns int32
	one := newFakePeer(t, Context{Name: "peer-1", Contribution: 1})
	two := newFakePeer(t, Context{Name: "peer-2", Contribution: 5})
	b, _ := newBalancerForTest(t, BalanceUnison, &localRuns, one.peer("peer-1"), two.peer("peer-2"))

	msg := mustMessage(t, "command=version&group=Alpha&password=secret&horde=remote")
	if err := b.Forward(context.Background(), msg, alphaForTest()); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	// Three eligible candidates, exactly three execution attempts.
	if got := atomic.LoadInt32(&localRuns); got != 1 {
		t.Errorf("local executions = %d, want 1", got)
	}
	for _, fp := range []*fakePeer{one, two} {
		if got := atomic.LoadInt32(&fp.posts); got != 1 {
			t.Errorf("peer %s deliveries = %d, want 1", fp.ctx.Name, got)
		}
		if got := atomic.LoadInt32(&fp.pushes); got != 1 {
			t.Errorf("peer %s group pushes = %d, want 1", fp.ctx.Name, got)
		}
	}
}

func TestForward_WeightedPicksExactlyOne(t *testing.T) {
	var localRuns int32
	one := newFakePeer(t, Context{Name: "peer-1", Contribution: 1})
	two := newFakePeer(t, Context{Name: "peer-2", Contribution: 1})
	b, _ := newBalancerForTest(t, BalanceWeighted, &localRuns, one.peer("peer-1"), two.peer("peer-2"))

	msg := mustMessage(t, "command=version&group=Alpha&password=secret&horde=remote")
	if err := b.Forward(context.Background(), msg, alphaForTest()); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	total := atomic.LoadInt32(&localRuns) +
		atomic.LoadInt32(&one.posts) + atomic.LoadInt32(&two.posts)
	if total != 1 {
		t.Errorf("executions = %d, want exactly 1", total)
	}
}

func TestForward_ContextFilterNarrowsCandidates(t *testing.T) {
	var localRuns int32
	away := newFakePeer(t, Context{Name: "peer-1", Region: "Elsewhere", Contribution: 1})
	b, _ := newBalancerForTest(t, BalanceUnison, &localRuns, away.peer("peer-1"))

	// Filter on the local region; the remote peer reports another one.
	msg := mustMessage(t,
		"command=version&group=Alpha&password=secret&horde=remote&context=region%3DSandbox")
	if err := b.Forward(context.Background(), msg, alphaForTest()); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if got := atomic.LoadInt32(&localRuns); got != 1 {
		t.Errorf("local executions = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&away.posts); got != 0 {
		t.Errorf("filtered-out peer executed %d times", got)
	}
}

func TestForward_PeerFailureReportedThroughCallback(t *testing.T) {
	var localRuns int32
	broken := newFakePeer(t, Context{Name: "peer-1", Region: "Elsewhere", Contribution: 1})
	broken.fail = true
	b, callbacks := newBalancerForTest(t, BalanceWeighted, &localRuns, broken.peer("peer-1"))

	// Exclude the local instance so the broken peer is the only candidate.
	msg := mustMessage(t,
		"command=version&group=Alpha&password=secret&horde=remote&context=region%3DElsewhere&callback=http%3A%2F%2Fcb.example")
	if err := b.Forward(context.Background(), msg, alphaForTest()); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	env, ok := callbacks.Dequeue(context.Background())
	if !ok {
		t.Fatal("no outcome callback")
	}
	if v, _ := env.Payload.Get(wire.KeySuccess); v != "false" {
		t.Errorf("outcome success = %q", v)
	}
	if v, _ := env.Payload.Get("peer"); v != "peer-1" {
		t.Errorf("outcome peer = %q", v)
	}
}

func TestForward_NoEligiblePeers(t *testing.T) {
	var localRuns int32
	b, _ := newBalancerForTest(t, BalanceWeighted, &localRuns)

	msg := mustMessage(t,
		"command=version&group=Alpha&password=secret&horde=remote&context=region%3DNowhere")
	if err := b.Forward(context.Background(), msg, alphaForTest()); err == nil {
		t.Error("empty candidate set not reported")
	}
}

func TestPickWeighted_ProportionalToContribution(t *testing.T) {
	candidates := []candidate{
		{ctx: Context{Name: "light", Contribution: 1}},
		{ctx: Context{Name: "heavy", Contribution: 3}},
	}
	const trials = 4000
	heavy := 0
	for i := 0; i < trials; i++ {
		if pickWeighted(candidates).name() == "heavy" {
			heavy++
		}
	}
	// Expected share is 3/4; allow a generous band around it.
	if heavy < trials*6/10 || heavy > trials*9/10 {
		t.Errorf("heavy picked %d of %d times, expected around %d", heavy, trials, trials*3/4)
	}
}

func TestForwardPayload_StripsRoutingKeys(t *testing.T) {
	msg := mustMessage(t,
		"command=version&group=Alpha&password=secret&horde=remote&balance=unison&context=region%3DSandbox&tag=kept")
	payload := forwardPayload(msg)
	forwarded, err := wire.Parse(payload)
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{wire.KeyHorde, wire.KeyBalance, wire.KeyContext} {
		if forwarded.Get(key) != "" {
			t.Errorf("routing key %q survived re-encoding", key)
		}
	}
	if forwarded.Get("tag") != "kept" || forwarded.Get(wire.KeyPassword) != "secret" {
		t.Errorf("payload lost fields: %s", payload)
	}
}

func TestContext_RoundTripAndMatch(t *testing.T) {
	original := Context{Name: "node-1", Region: "Sandbox", Version: "1.2.3", Contribution: 7, Load: 0.25}
	parsed, err := ParseContext(original.Encode())
	if err != nil {
		t.Fatal(err)
	}
	if parsed != original {
		t.Errorf("round trip changed context: %+v", parsed)
	}

	filter := wire.Message{"region": "Sandbox"}
	if !parsed.Matches(filter) {
		t.Error("matching filter rejected")
	}
	if parsed.Matches(wire.Message{"region": "Elsewhere"}) {
		t.Error("non-matching filter accepted")
	}
	if parsed.Matches(wire.Message{"load": "0.25"}) {
		t.Error("unconstrainable field accepted")
	}
}
