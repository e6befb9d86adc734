// Package persist stores the agent's durable state, one category per entry
// (subscriptions, group membership, schedules, soft-bans, feeds). State is
// written on every mutation and reloaded at startup and on external change.
package persist

import "context"

// Categories of persisted state.
const (
	CategorySubscriptions = "subscriptions"
	CategoryMembership    = "membership"
	CategorySchedules     = "schedules"
	CategorySoftBans      = "softbans"
	CategoryFeeds         = "feeds"
	CategoryCaches        = "caches"
)

// Provider abstracts the state store. The file provider is the default; the
// postgres provider offers the same contract for deployments that already
// run a database.
type Provider interface {
	// Save replaces the stored state for a category.
	Save(ctx context.Context, category string, data []byte) error
	// Load returns the stored state for a category, or (nil, nil) when the
	// category has never been saved.
	Load(ctx context.Context, category string) ([]byte, error)
	// Close releases the provider's resources.
	Close() error
}
