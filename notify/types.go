// Package notify maps internal world events to per-subscriber delivery
// envelopes. Groups subscribe destinations per notification type; the router
// matches emitted events against a precomputed type index so the hot path
// costs one lookup when nobody is subscribed.
package notify

import (
	"strings"
)

// Type is a notification-type bitmask. A subscription's mask is the union
// of the types it has destinations for.
type Type uint64

const (
	TypeMessage    Type = 1 << 0 // chat or instant message received
	TypeMembership Type = 1 << 1 // group membership change
	TypeHeartbeat  Type = 1 << 2 // periodic instance heartbeat
	TypeFeed       Type = 1 << 3 // new syndication feed item
)

// AllTypes lists every modeled notification type. The remaining event types
// of the world protocol follow the same contract and register the same way.
var AllTypes = []Type{TypeMessage, TypeMembership, TypeHeartbeat, TypeFeed}

// Name returns the wire name of a single type.
func (t Type) Name() string {
	switch t {
	case TypeMessage:
		return "message"
	case TypeMembership:
		return "membership"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeFeed:
		return "feed"
	default:
		return "unknown"
	}
}

// ParseType returns the type for its wire name.
func ParseType(name string) (Type, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "message":
		return TypeMessage, true
	case "membership":
		return TypeMembership, true
	case "heartbeat":
		return TypeHeartbeat, true
	case "feed":
		return TypeFeed, true
	}
	return 0, false
}

// ParseTypeList parses a comma-separated list of type names into a mask.
// Unknown names are reported back to the caller.
func ParseTypeList(list string) (Type, []string) {
	var mask Type
	var unknown []string
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		t, ok := ParseType(name)
		if !ok {
			unknown = append(unknown, strings.TrimSpace(name))
			continue
		}
		mask |= t
	}
	return mask, unknown
}

// Names renders a mask as a comma-separated list of type names.
func (t Type) Names() string {
	var names []string
	t.Each(func(single Type) {
		names = append(names, single.Name())
	})
	return strings.Join(names, ",")
}

// Each calls fn for every single type bit set in the mask.
func (t Type) Each(fn func(Type)) {
	for _, single := range AllTypes {
		if t&single != 0 {
			fn(single)
		}
	}
}
