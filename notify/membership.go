package notify

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/wrangler-bot/wrangler/persist"
	"github.com/wrangler-bot/wrangler/util/logger"
)

// MemberLister is the slice of the grid client the membership tracker
// needs: the member roster of a group and best-effort name resolution.
type MemberLister interface {
	QueryGroupMembers(ctx context.Context, groupID string) ([]string, error)
	LookupAgentName(ctx context.Context, id string) (string, error)
}

// Membership tracks each group's member roster across reconciliation
// ticks and emits joined/parted events for the differences. Rosters are
// persisted so a restart does not replay the whole group as joins.
type Membership struct {
	mu       sync.Mutex
	known    map[string][]string // group UUID -> sorted member UUIDs
	provider persist.Provider
	log      *logger.Logger
}

// NewMembership creates a tracker. provider may be nil in tests.
func NewMembership(provider persist.Provider) *Membership {
	return &Membership{
		known:    make(map[string][]string),
		provider: provider,
		log:      logger.NewLogger("Membership"),
	}
}

// Reconcile fetches the group's current roster, emits a membership event per
// join and part since the previous reconciliation, and records the roster.
// The first observation of a group records silently so startup never floods
// subscribers with joins.
func (m *Membership) Reconcile(ctx context.Context, groupID, groupName string, lister MemberLister, router *Router) error {
	current, err := lister.QueryGroupMembers(ctx, groupID)
	if err != nil {
		return err
	}
	sort.Strings(current)

	m.mu.Lock()
	previous, seen := m.known[groupID]
	m.known[groupID] = current
	m.mu.Unlock()

	if seen {
		for _, id := range diff(current, previous) {
			m.emit(ctx, router, groupID, groupName, id, "joined", lister)
		}
		for _, id := range diff(previous, current) {
			m.emit(ctx, router, groupID, groupName, id, "parted", lister)
		}
	}
	return m.save(ctx)
}

func (m *Membership) emit(ctx context.Context, router *Router, groupID, groupName, agentID, action string, lister MemberLister) {
	name, err := lister.LookupAgentName(ctx, agentID)
	if err != nil {
		m.log.Debugf("could not resolve %s: %v", agentID, err)
	}
	router.Emit(TypeMembership, MembershipEvent{
		GroupID:   groupID,
		GroupName: groupName,
		AgentID:   agentID,
		AgentName: name,
		Action:    action,
	})
}

// diff returns the elements of a absent from b. Both slices are sorted.
func diff(a, b []string) []string {
	var out []string
	i, j := 0, 0
	for i < len(a) {
		switch {
		case j >= len(b) || a[i] < b[j]:
			out = append(out, a[i])
			i++
		case a[i] == b[j]:
			i++
			j++
		default:
			j++
		}
	}
	return out
}

// Load restores the recorded rosters from persistence.
func (m *Membership) Load(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	data, err := m.provider.Load(ctx, persist.CategoryMembership)
	if err != nil || data == nil {
		return err
	}
	known := make(map[string][]string)
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	m.mu.Lock()
	m.known = known
	m.mu.Unlock()
	return nil
}

func (m *Membership) save(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	m.mu.Lock()
	data, err := json.Marshal(m.known)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.provider.Save(ctx, persist.CategoryMembership, data)
}
