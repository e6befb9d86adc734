package notify

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"net/http"
	"sync"

	"github.com/wrangler-bot/wrangler/persist"
	"github.com/wrangler-bot/wrangler/util/logger"
)

// Feed is one registered syndication feed. Seen tracks item identity so a
// poll only emits items that appeared since the previous poll.
type Feed struct {
	URL  string          `json:"url"`
	Name string          `json:"name"`
	Seen map[string]bool `json:"seen"`
}

// rssDocument captures the subset of RSS needed to detect new items.
type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title   string `xml:"title"`
	Link    string `xml:"link"`
	GUID    string `xml:"guid"`
	PubDate string `xml:"pubDate"`
}

func (i rssItem) identity() string {
	if i.GUID != "" {
		return i.GUID
	}
	return i.Link
}

// FeedList holds the registered feeds, persisted on every change, and polls
// them on the scheduler's feed tick.
type FeedList struct {
	mu       sync.Mutex
	feeds    map[string]*Feed
	provider persist.Provider
	client   *http.Client
	log      *logger.Logger
}

// NewFeedList creates a feed list. provider may be nil in tests.
func NewFeedList(provider persist.Provider, client *http.Client) *FeedList {
	if client == nil {
		client = http.DefaultClient
	}
	return &FeedList{
		feeds:    make(map[string]*Feed),
		provider: provider,
		client:   client,
		log:      logger.NewLogger("Feeds"),
	}
}

// Add registers a feed URL.
func (l *FeedList) Add(ctx context.Context, url, name string) error {
	l.mu.Lock()
	if _, ok := l.feeds[url]; !ok {
		l.feeds[url] = &Feed{URL: url, Name: name, Seen: make(map[string]bool)}
	}
	l.mu.Unlock()
	return l.save(ctx)
}

// Remove unregisters a feed URL.
func (l *FeedList) Remove(ctx context.Context, url string) error {
	l.mu.Lock()
	delete(l.feeds, url)
	l.mu.Unlock()
	return l.save(ctx)
}

// URLs returns the registered feed URLs.
func (l *FeedList) URLs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	urls := make([]string, 0, len(l.feeds))
	for url := range l.feeds {
		urls = append(urls, url)
	}
	return urls
}

// Poll fetches every feed once and emits a FeedEvent per new item through
// the router. Fetch failures are logged per feed and never abort the poll.
func (l *FeedList) Poll(ctx context.Context, router *Router) {
	for _, url := range l.URLs() {
		items, err := l.fetch(ctx, url)
		if err != nil {
			l.log.Warnf("poll of %s failed: %v", url, err)
			continue
		}

		var fresh []rssItem
		l.mu.Lock()
		feed, ok := l.feeds[url]
		if ok {
			for _, item := range items {
				id := item.identity()
				if id == "" || feed.Seen[id] {
					continue
				}
				feed.Seen[id] = true
				fresh = append(fresh, item)
			}
		}
		l.mu.Unlock()

		for _, item := range fresh {
			router.Emit(TypeFeed, FeedEvent{
				FeedURL: url,
				Title:   item.Title,
				Link:    item.Link,
				Date:    item.PubDate,
			})
		}
		if len(fresh) > 0 {
			if err := l.save(ctx); err != nil {
				l.log.Warnf("failed to persist feed state: %v", err)
			}
		}
	}
}

func (l *FeedList) fetch(ctx context.Context, url string) ([]rssItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var doc rssDocument
	if err := xml.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	return doc.Channel.Items, nil
}

func (l *FeedList) save(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	l.mu.Lock()
	data, err := json.Marshal(l.feeds)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.provider.Save(ctx, persist.CategoryFeeds, data)
}

// Load restores the feed list from persistence.
func (l *FeedList) Load(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	data, err := l.provider.Load(ctx, persist.CategoryFeeds)
	if err != nil || data == nil {
		return err
	}
	feeds := make(map[string]*Feed)
	if err := json.Unmarshal(data, &feeds); err != nil {
		return err
	}
	for _, feed := range feeds {
		if feed.Seen == nil {
			feed.Seen = make(map[string]bool)
		}
	}
	l.mu.Lock()
	l.feeds = feeds
	l.mu.Unlock()
	return nil
}
