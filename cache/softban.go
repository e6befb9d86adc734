package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wrangler-bot/wrangler/persist"
)

// SoftBan is a time-limited local access restriction. If it is not lifted
// before its expiry the scheduler escalates it to a hard ban on the grid.
type SoftBan struct {
	AgentID string    `json:"agent"`
	GroupID string    `json:"group"`
	Expires time.Time `json:"expires"`
}

// SoftBanList holds the active soft-bans, persisted on every mutation.
type SoftBanList struct {
	mu       sync.Mutex
	bans     map[string]SoftBan // keyed by agent UUID
	provider persist.Provider
}

// NewSoftBanList creates an empty list over a persistence provider, which
// may be nil in tests.
func NewSoftBanList(provider persist.Provider) *SoftBanList {
	return &SoftBanList{
		bans:     make(map[string]SoftBan),
		provider: provider,
	}
}

// Add records a soft-ban lasting the given duration.
func (l *SoftBanList) Add(ctx context.Context, agentID, groupID string, d time.Duration) error {
	l.mu.Lock()
	l.bans[agentID] = SoftBan{
		AgentID: agentID,
		GroupID: groupID,
		Expires: time.Now().Add(d),
	}
	l.mu.Unlock()
	return l.save(ctx)
}

// Remove lifts a soft-ban before it escalates.
func (l *SoftBanList) Remove(ctx context.Context, agentID string) error {
	l.mu.Lock()
	delete(l.bans, agentID)
	l.mu.Unlock()
	return l.save(ctx)
}

// Has reports whether the agent is currently soft-banned.
func (l *SoftBanList) Has(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.bans[agentID]
	return ok
}

// List returns the active soft-bans.
func (l *SoftBanList) List() []SoftBan {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SoftBan, 0, len(l.bans))
	for _, ban := range l.bans {
		out = append(out, ban)
	}
	return out
}

// TakeExpired removes and returns all bans whose expiry has passed. The
// caller escalates each to a hard ban.
func (l *SoftBanList) TakeExpired(ctx context.Context, now time.Time) ([]SoftBan, error) {
	l.mu.Lock()
	var expired []SoftBan
	for id, ban := range l.bans {
		if now.After(ban.Expires) {
			expired = append(expired, ban)
			delete(l.bans, id)
		}
	}
	l.mu.Unlock()

	if len(expired) == 0 {
		return nil, nil
	}
	return expired, l.save(ctx)
}

// Load restores the list from persistence.
func (l *SoftBanList) Load(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	data, err := l.provider.Load(ctx, persist.CategorySoftBans)
	if err != nil || data == nil {
		return err
	}
	var bans map[string]SoftBan
	if err := json.Unmarshal(data, &bans); err != nil {
		return err
	}
	l.mu.Lock()
	l.bans = bans
	l.mu.Unlock()
	return nil
}

func (l *SoftBanList) save(ctx context.Context) error {
	if l.provider == nil {
		return nil
	}
	l.mu.Lock()
	data, err := json.Marshal(l.bans)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.provider.Save(ctx, persist.CategorySoftBans, data)
}
