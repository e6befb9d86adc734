package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/wrangler-bot/wrangler/persist"
)

const feedBody = `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Status</title>
    <item>
      <title>First post</title>
      <link>http://example.com/1</link>
      <guid>post-1</guid>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
    </item>
    <item>
      <title>Second post</title>
      <link>http://example.com/2</link>
      <guid>post-2</guid>
    </item>
  </channel>
</rss>`

func TestPollEmitsNewItemsOnce(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(feedBody))
	}))
	defer ts.Close()

	router, store, httpQueue := newMembershipRouter(t)
	if err := store.SubscribeHTTP(context.Background(), memberGroup, TypeFeed,
		"http://example.com/hook", nil); err != nil {
		t.Fatal(err)
	}

	feeds := NewFeedList(nil, ts.Client())
	if err := feeds.Add(context.Background(), ts.URL, "status"); err != nil {
		t.Fatal(err)
	}

	feeds.Poll(context.Background(), router)
	if depth := httpQueue.Len(); depth != 2 {
		t.Fatalf("first poll enqueued %d envelopes, want 2", depth)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env, _ := httpQueue.Dequeue(ctx)
	if title, _ := env.Payload.Get("title"); title != "First post" && title != "Second post" {
		t.Errorf("unexpected title %q", title)
	}
	httpQueue.Dequeue(ctx)

	// Items already seen stay quiet on the next poll.
	feeds.Poll(context.Background(), router)
	if depth := httpQueue.Len(); depth != 0 {
		t.Errorf("second poll enqueued %d envelopes", depth)
	}
	if hits.Load() != 2 {
		t.Errorf("feed fetched %d times, want 2", hits.Load())
	}
}

func TestPollFetchFailureDoesNotAbort(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody))
	}))
	defer good.Close()

	router, store, httpQueue := newMembershipRouter(t)
	if err := store.SubscribeHTTP(context.Background(), memberGroup, TypeFeed,
		"http://example.com/hook", nil); err != nil {
		t.Fatal(err)
	}

	feeds := NewFeedList(nil, good.Client())
	if err := feeds.Add(context.Background(), "http://127.0.0.1:1/feed", "dead"); err != nil {
		t.Fatal(err)
	}
	if err := feeds.Add(context.Background(), good.URL, "status"); err != nil {
		t.Fatal(err)
	}

	feeds.Poll(context.Background(), router)
	if depth := httpQueue.Len(); depth != 2 {
		t.Errorf("reachable feed enqueued %d envelopes, want 2", depth)
	}
}

func TestFeedListPersistRoundTrip(t *testing.T) {
	provider, err := persist.NewFileProvider(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer provider.Close()

	feeds := NewFeedList(provider, nil)
	if err := feeds.Add(context.Background(), "http://example.com/rss", "status"); err != nil {
		t.Fatal(err)
	}

	restored := NewFeedList(provider, nil)
	if err := restored.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	urls := restored.URLs()
	if len(urls) != 1 || urls[0] != "http://example.com/rss" {
		t.Errorf("restored urls = %v", urls)
	}
}
