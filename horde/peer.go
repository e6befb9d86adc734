package horde

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/config"
)

// SecretHeader carries the shared secret on every peer request, alongside
// basic authentication.
const SecretHeader = "X-Horde-Secret"

const defaultPeerTimeout = 10 * time.Second

// Peer is one remote instance, with its own HTTP client so a slow peer
// cannot starve requests to the others.
type Peer struct {
	Name     string
	URL      string
	SyncMask uint64

	username string
	password string
	secret   string
	client   *http.Client
}

// NewPeer creates a peer from its configuration. A non-positive timeout
// falls back to the default.
func NewPeer(cfg config.PeerConfig, timeout time.Duration) *Peer {
	if timeout <= 0 {
		timeout = defaultPeerTimeout
	}
	return &Peer{
		Name:     cfg.Name,
		URL:      strings.TrimRight(cfg.URL, "/"),
		SyncMask: cfg.SyncMask,
		username: cfg.Username,
		password: cfg.Password,
		secret:   cfg.SharedSecret,
		client:   &http.Client{Timeout: timeout},
	}
}

// Syncs reports whether the peer's mask includes the given bit.
func (p *Peer) Syncs(bit uint64) bool {
	return p.SyncMask&bit != 0
}

func (p *Peer) do(ctx context.Context, method, path, body string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.URL+path, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.username, p.password)
	if p.secret != "" {
		req.Header.Set(SecretHeader, p.secret)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("peer %s: %s %s returned %s", p.Name, method, path, resp.Status)
	}
	return string(payload), nil
}

// Replicate applies one cache delta on the peer: PUT for an add, DELETE for
// a remove.
func (p *Peer) Replicate(ctx context.Context, delta cache.Delta) error {
	path := "/cache/" + string(delta.Category) + "/" + url.PathEscape(delta.ID)
	switch delta.Op {
	case cache.OpAdd:
		_, err := p.do(ctx, http.MethodPut, path, delta.Value)
		return err
	case cache.OpRemove:
		_, err := p.do(ctx, http.MethodDelete, path, "")
		return err
	default:
		return fmt.Errorf("unknown delta op %q", delta.Op)
	}
}

// PushGroup synchronizes a group's authorization state onto the peer before
// a command is routed there.
func (p *Peer) PushGroup(ctx context.Context, group *config.GroupConfig) error {
	_, err := p.do(ctx, http.MethodPut, "/command/push/"+url.PathEscape(group.UUID), EncodeGroup(group))
	return err
}

// SendCommand delivers an encoded command line for execution on the peer.
func (p *Peer) SendCommand(ctx context.Context, payload string) error {
	_, err := p.do(ctx, http.MethodPost, "/", payload)
	return err
}

// FetchContext queries the peer's live context.
func (p *Peer) FetchContext(ctx context.Context) (Context, error) {
	body, err := p.do(ctx, http.MethodGet, "/command/metrics", "")
	if err != nil {
		return Context{}, err
	}
	return ParseContext(body)
}
