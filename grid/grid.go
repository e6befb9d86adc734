// Package grid defines the contract with the virtual-world client library.
// The world wire protocol itself lives behind this interface; the engine
// only needs messaging, group queries, directory lookups, and the inbound
// event stream.
package grid

import "context"

// EventKind classifies an inbound world event.
type EventKind string

const (
	EventChat    EventKind = "chat"
	EventIM      EventKind = "im"
	EventObject  EventKind = "object" // message sent by a scripted object
	EventConnect EventKind = "connect"
	EventDrop    EventKind = "drop"
)

// Event is one inbound world event. For message events SenderID may
// identify an avatar or an object.
type Event struct {
	Kind       EventKind
	SenderID   string
	SenderName string
	Message    string
	Channel    int
}

// Directory answers blocking name/identifier lookups against the world
// directory service. Callers bound each query with the context deadline.
type Directory interface {
	LookupAgentID(ctx context.Context, name string) (string, error)
	LookupAgentName(ctx context.Context, id string) (string, error)
	LookupGroupID(ctx context.Context, name string) (string, error)
	LookupGroupName(ctx context.Context, id string) (string, error)
	LookupRegionHandle(ctx context.Context, name string) (uint64, error)
}

// Client is the grid-client collaborator.
type Client interface {
	Directory

	// SendMessage delivers an instant message to an avatar.
	SendMessage(ctx context.Context, recipientID, message string) error
	// QueryGroupMembers returns the member UUIDs of a group.
	QueryGroupMembers(ctx context.Context, groupID string) ([]string, error)
	// QueryGroupBans returns the banned UUIDs of a group.
	QueryGroupBans(ctx context.Context, groupID string) ([]string, error)
	// BanAgent adds a hard group ban, used when a soft-ban escalates.
	BanAgent(ctx context.Context, groupID, agentID string) error
	// CurrentRegion returns the region the agent currently occupies.
	CurrentRegion() string
	// Connected reports whether the world session is up.
	Connected() bool
	// Events returns the inbound event stream.
	Events() <-chan Event
}
