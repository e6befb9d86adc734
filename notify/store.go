package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/wrangler-bot/wrangler/persist"
	"github.com/wrangler-bot/wrangler/util/logger"
)

// Subscription is one group's notification registration: destinations per
// type, extra afterburn fields merged into every payload, and the data
// fields the group asked for. Instances are copy-on-write: mutators clone,
// so a router holding a reference reads a consistent snapshot.
type Subscription struct {
	GroupID   string                       `json:"group"`
	HTTP      map[Type]map[string][]string `json:"http,omitempty"` // type -> url -> requested fields
	TCP       map[Type]map[string]bool     `json:"-"`              // type -> endpoint set, session-scoped
	Afterburn map[string]string            `json:"afterburn,omitempty"`
}

// Mask returns the union of types the subscription has destinations for.
func (s *Subscription) Mask() Type {
	var mask Type
	for t := range s.HTTP {
		mask |= t
	}
	for t := range s.TCP {
		mask |= t
	}
	return mask
}

func (s *Subscription) clone() *Subscription {
	out := &Subscription{
		GroupID:   s.GroupID,
		HTTP:      make(map[Type]map[string][]string, len(s.HTTP)),
		TCP:       make(map[Type]map[string]bool, len(s.TCP)),
		Afterburn: make(map[string]string, len(s.Afterburn)),
	}
	for t, dests := range s.HTTP {
		m := make(map[string][]string, len(dests))
		for url, fields := range dests {
			m[url] = append([]string(nil), fields...)
		}
		out.HTTP[t] = m
	}
	for t, eps := range s.TCP {
		m := make(map[string]bool, len(eps))
		for ep := range eps {
			m[ep] = true
		}
		out.TCP[t] = m
	}
	for k, v := range s.Afterburn {
		out.Afterburn[k] = v
	}
	return out
}

// Store holds all subscriptions and the derived type index. The index is
// rebuilt in full on every mutation, trading O(types x groups) rebuild cost
// for a single map lookup on the hot emission path. HTTP destinations and
// afterburn fields are persisted on every change; TCP endpoints live only as
// long as their connection.
type Store struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	index    map[Type][]*Subscription
	provider persist.Provider
	log      *logger.Logger
}

// NewStore creates a store over a persistence provider, which may be nil in
// tests.
func NewStore(provider persist.Provider) *Store {
	return &Store{
		subs:     make(map[string]*Subscription),
		index:    make(map[Type][]*Subscription),
		provider: provider,
		log:      logger.NewLogger("NotifyStore"),
	}
}

// mutate clones the group's subscription (creating one on first use),
// applies fn, stores the clone, and rebuilds the index. Callers persist
// afterwards when the change is durable.
func (s *Store) mutate(groupID string, fn func(*Subscription)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subs[groupID]
	if !ok {
		sub = &Subscription{
			GroupID:   groupID,
			HTTP:      make(map[Type]map[string][]string),
			TCP:       make(map[Type]map[string]bool),
			Afterburn: make(map[string]string),
		}
	} else {
		sub = sub.clone()
	}
	fn(sub)

	if sub.Mask() == 0 && len(sub.Afterburn) == 0 {
		delete(s.subs, groupID)
	} else {
		s.subs[groupID] = sub
	}
	s.rebuildIndexLocked()
}

// rebuildIndexLocked recomputes the type index. Callers hold the write lock.
func (s *Store) rebuildIndexLocked() {
	index := make(map[Type][]*Subscription)
	for _, sub := range s.subs {
		mask := sub.Mask()
		for _, t := range AllTypes {
			if mask&t != 0 {
				index[t] = append(index[t], sub)
			}
		}
	}
	s.index = index
}

// SubscribeHTTP registers url for every type in mask, replacing the field
// list for an existing destination.
func (s *Store) SubscribeHTTP(ctx context.Context, groupID string, mask Type, url string, fields []string) error {
	s.mutate(groupID, func(sub *Subscription) {
		mask.Each(func(t Type) {
			if sub.HTTP[t] == nil {
				sub.HTTP[t] = make(map[string][]string)
			}
			sub.HTTP[t][url] = append([]string(nil), fields...)
		})
	})
	return s.save(ctx)
}

// UnsubscribeHTTP removes url from every type in mask.
func (s *Store) UnsubscribeHTTP(ctx context.Context, groupID string, mask Type, url string) error {
	s.mutate(groupID, func(sub *Subscription) {
		mask.Each(func(t Type) {
			delete(sub.HTTP[t], url)
			if len(sub.HTTP[t]) == 0 {
				delete(sub.HTTP, t)
			}
		})
	})
	return s.save(ctx)
}

// SetAfterburn stores the group's extra payload fields.
func (s *Store) SetAfterburn(ctx context.Context, groupID string, fields map[string]string) error {
	s.mutate(groupID, func(sub *Subscription) {
		sub.Afterburn = make(map[string]string, len(fields))
		for k, v := range fields {
			sub.Afterburn[k] = v
		}
	})
	return s.save(ctx)
}

// RegisterTCP binds a connected session endpoint to every type in mask.
// TCP registrations are not persisted.
func (s *Store) RegisterTCP(groupID string, mask Type, endpoint string) {
	s.mutate(groupID, func(sub *Subscription) {
		mask.Each(func(t Type) {
			if sub.TCP[t] == nil {
				sub.TCP[t] = make(map[string]bool)
			}
			sub.TCP[t][endpoint] = true
		})
	})
}

// UnregisterTCP removes a session endpoint from every subscription, called
// on connection teardown.
func (s *Store) UnregisterTCP(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for groupID, sub := range s.subs {
		touched := false
		for _, eps := range sub.TCP {
			if eps[endpoint] {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}
		clone := sub.clone()
		for t, eps := range clone.TCP {
			delete(eps, endpoint)
			if len(eps) == 0 {
				delete(clone.TCP, t)
			}
		}
		if clone.Mask() == 0 && len(clone.Afterburn) == 0 {
			delete(s.subs, groupID)
		} else {
			s.subs[groupID] = clone
		}
	}
	s.rebuildIndexLocked()
}

// Subscribers returns the subscriptions whose mask includes t. The returned
// subscriptions are immutable snapshots.
func (s *Store) Subscribers(t Type) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Subscription(nil), s.index[t]...)
}

// Subscription returns the group's current subscription snapshot.
func (s *Store) Subscription(groupID string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[groupID]
	return sub, ok
}

// save persists the durable part of every subscription.
func (s *Store) save(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	s.mu.RLock()
	data, err := json.Marshal(s.subs)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to encode subscriptions: %w", err)
	}
	if err := s.provider.Save(ctx, persist.CategorySubscriptions, data); err != nil {
		return fmt.Errorf("failed to persist subscriptions: %w", err)
	}
	return nil
}

// Load restores subscriptions from persistence, replacing current state.
// Called at startup and when the state file changes externally.
func (s *Store) Load(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}
	data, err := s.provider.Load(ctx, persist.CategorySubscriptions)
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	subs := make(map[string]*Subscription)
	if err := json.Unmarshal(data, &subs); err != nil {
		return fmt.Errorf("failed to decode subscriptions: %w", err)
	}
	for _, sub := range subs {
		if sub.HTTP == nil {
			sub.HTTP = make(map[Type]map[string][]string)
		}
		if sub.TCP == nil {
			sub.TCP = make(map[Type]map[string]bool)
		}
		if sub.Afterburn == nil {
			sub.Afterburn = make(map[string]string)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Carry live TCP registrations across the reload.
	for groupID, old := range s.subs {
		if len(old.TCP) == 0 {
			continue
		}
		replacement, ok := subs[groupID]
		if !ok {
			replacement = &Subscription{
				GroupID:   groupID,
				HTTP:      make(map[Type]map[string][]string),
				Afterburn: make(map[string]string),
			}
			subs[groupID] = replacement
		}
		replacement.TCP = old.TCP
	}
	s.subs = subs
	s.rebuildIndexLocked()
	s.log.Infof("loaded %d subscriptions", len(subs))
	return nil
}
