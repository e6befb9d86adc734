package command

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wrangler-bot/wrangler/persist"
)

// ScheduledCommand is one recurring command registration. The payload is a
// complete encoded command line and goes through the normal pipeline,
// authentication included, every time it fires.
type ScheduledCommand struct {
	ID       string        `json:"id"`
	GroupID  string        `json:"group"`
	Payload  string        `json:"payload"`
	Every    time.Duration `json:"every"`
	NextFire time.Time     `json:"next_fire"`
}

// ScheduleStore holds the scheduled commands, persisted on every mutation.
type ScheduleStore struct {
	mu       sync.Mutex
	entries  map[string]*ScheduledCommand
	provider persist.Provider
}

// NewScheduleStore creates a store over a persistence provider, which may be
// nil in tests.
func NewScheduleStore(provider persist.Provider) *ScheduleStore {
	return &ScheduleStore{
		entries:  make(map[string]*ScheduledCommand),
		provider: provider,
	}
}

// Add registers a recurring command and returns its identifier.
func (s *ScheduleStore) Add(ctx context.Context, groupID, payload string, every time.Duration) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.entries[id] = &ScheduledCommand{
		ID:       id,
		GroupID:  groupID,
		Payload:  payload,
		Every:    every,
		NextFire: time.Now().Add(every),
	}
	s.mu.Unlock()
	return id, s.save(ctx)
}

// Remove deletes a scheduled command. Removing an unknown id is a no-op.
func (s *ScheduleStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return s.save(ctx)
}

// List returns the group's scheduled commands ordered by next fire time.
func (s *ScheduleStore) List(groupID string) []ScheduledCommand {
	s.mu.Lock()
	var out []ScheduledCommand
	for _, entry := range s.entries {
		if entry.GroupID == groupID {
			out = append(out, *entry)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].NextFire.Before(out[j].NextFire) })
	return out
}

// Due returns every entry whose fire time has passed and advances it to the
// next interval from now, so a long outage yields one catch-up fire per
// entry rather than a burst.
func (s *ScheduleStore) Due(ctx context.Context, now time.Time) ([]ScheduledCommand, error) {
	s.mu.Lock()
	var due []ScheduledCommand
	for _, entry := range s.entries {
		if now.Before(entry.NextFire) {
			continue
		}
		due = append(due, *entry)
		entry.NextFire = now.Add(entry.Every)
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return nil, nil
	}
	return due, s.save(ctx)
}

func (s *ScheduleStore) save(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	s.mu.Lock()
	data, err := json.Marshal(s.entries)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.provider.Save(ctx, persist.CategorySchedules, data)
}

// Load restores the scheduled commands from persistence.
func (s *ScheduleStore) Load(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	data, err := s.provider.Load(ctx, persist.CategorySchedules)
	if err != nil || data == nil {
		return err
	}
	entries := make(map[string]*ScheduledCommand)
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}
