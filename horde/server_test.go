package horde

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/gate"
)

type publishRecorder struct {
	deltas []cache.Delta
}

func (p *publishRecorder) Publish(d cache.Delta) {
	p.deltas = append(p.deltas, d)
}

func newServerForTest(t *testing.T, run func(ctx context.Context, payload string)) (*Server, *cache.Caches, *publishRecorder) {
	t.Helper()
	g := gate.New()
	t.Cleanup(g.Stop)
	store := config.NewStoreFromConfig(&config.Config{
		Version: 1,
		Name:    "local",
		Horde: config.HordeConfig{
			Enable:       true,
			Username:     "peer",
			Password:     "p4ss",
			SharedSecret: "s3cret",
		},
	})
	recorder := &publishRecorder{}
	caches := cache.NewCaches(recorder)
	if run == nil {
		run = func(context.Context, string) {}
	}
	s := NewServer(store, caches, g,
		func() Context { return Context{Name: "local", Region: "Sandbox", Version: "1.2.3", Contribution: 2} },
		run)
	return s, caches, recorder
}

func request(t *testing.T, handler http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.SetBasicAuth("peer", "p4ss")
		req.Header.Set(SecretHeader, "s3cret")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestServer_RejectsBadCredentials(t *testing.T) {
	s, _, _ := newServerForTest(t, nil)
	handler := s.Handler()

	if w := request(t, handler, http.MethodGet, "/command/metrics", "", false); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated request: %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/command/metrics", nil)
	req.SetBasicAuth("peer", "p4ss") // right password, missing shared secret
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("request without shared secret: %d, want 403", w.Code)
	}
}

func TestServer_ServesContext(t *testing.T) {
	s, _, _ := newServerForTest(t, nil)

	w := request(t, s.Handler(), http.MethodGet, "/command/metrics", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	ctx, err := ParseContext(w.Body.String())
	if err != nil {
		t.Fatalf("unparseable context %q: %v", w.Body.String(), err)
	}
	if ctx.Name != "local" || ctx.Contribution != 2 {
		t.Errorf("context = %+v", ctx)
	}
}

func TestServer_CachePutAndDeleteApplyWithoutRepublish(t *testing.T) {
	s, caches, recorder := newServerForTest(t, nil)
	handler := s.Handler()

	w := request(t, handler, http.MethodPut, "/cache/agent/agent-1", "Some Resident", true)
	if w.Code != http.StatusOK {
		t.Fatalf("put status %d", w.Code)
	}
	if name, _ := caches.Agents.Get("agent-1"); name != "Some Resident" {
		t.Errorf("replicated value = %q", name)
	}

	w = request(t, handler, http.MethodDelete, "/cache/agent/agent-1", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status %d", w.Code)
	}
	if caches.Agents.Has("agent-1") {
		t.Error("replicated remove not applied")
	}

	// Remote deltas must not re-enter the local replication stream.
	if len(recorder.deltas) != 0 {
		t.Errorf("remote deltas republished: %v", recorder.deltas)
	}

	if w := request(t, handler, http.MethodPut, "/cache/bogus/x", "v", true); w.Code != http.StatusNotFound {
		t.Errorf("unknown category: %d, want 404", w.Code)
	}
}

func TestServer_GroupPushStoresConfiguration(t *testing.T) {
	s, caches, _ := newServerForTest(t, nil)
	group := alphaForTest()

	w := request(t, s.Handler(), http.MethodPut, "/command/push/"+group.UUID, EncodeGroup(group), true)
	if w.Code != http.StatusOK {
		t.Fatalf("push status %d: %s", w.Code, w.Body.String())
	}

	raw, ok := caches.ConfigGroups.Get(group.UUID)
	if !ok {
		t.Fatal("pushed group not stored")
	}
	var stored config.GroupConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		t.Fatal(err)
	}
	if stored.Name != "Alpha" || stored.Password != "secret" || stored.Workers != 1 {
		t.Errorf("stored group = %+v", stored)
	}

	// Path and body must agree on the group identity.
	w = request(t, s.Handler(), http.MethodPut, "/command/push/other-id", EncodeGroup(group), true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("mismatched push: %d, want 400", w.Code)
	}
}

func TestServer_CommandAcceptedAndExecuted(t *testing.T) {
	executed := make(chan string, 1)
	s, _, _ := newServerForTest(t, func(_ context.Context, payload string) {
		executed <- payload
	})

	w := request(t, s.Handler(), http.MethodPost, "/", "command=version&group=Alpha&password=secret", true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202", w.Code)
	}

	select {
	case payload := <-executed:
		if !strings.Contains(payload, "command=version") {
			t.Errorf("payload = %q", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivered command never executed")
	}
}
