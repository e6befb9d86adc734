package notify

import (
	"fmt"
	"strconv"
	"time"
)

// MessageEvent is emitted for every inbound chat or instant message.
type MessageEvent struct {
	Kind       string // "chat", "im", or "object"
	SenderID   string
	SenderName string
	Message    string
	Channel    int
}

// MembershipEvent is emitted when group membership reconciliation observes
// a join or a part.
type MembershipEvent struct {
	GroupID   string
	GroupName string
	AgentID   string
	AgentName string
	Action    string // "joined" or "parted"
}

// HeartbeatEvent is emitted periodically with the instance's vitals.
type HeartbeatEvent struct {
	Name    string
	Version string
	Region  string
	Uptime  time.Duration
	Load    float64
}

// FeedEvent is emitted for each new item seen on a polled feed.
type FeedEvent struct {
	FeedURL string
	Title   string
	Link    string
	Date    string
}

// RegisterDefaultHandlers installs the handlers for all modeled types.
// Each handler is a pure function from event payload to a flat data map.
func RegisterDefaultHandlers(r *Router) {
	r.Register(TypeMessage, func(event interface{}) (map[string]string, error) {
		ev, ok := event.(MessageEvent)
		if !ok {
			return nil, fmt.Errorf("message handler got %T", event)
		}
		return map[string]string{
			"kind":    ev.Kind,
			"agent":   ev.SenderID,
			"name":    ev.SenderName,
			"message": ev.Message,
			"channel": strconv.Itoa(ev.Channel),
		}, nil
	})

	r.Register(TypeMembership, func(event interface{}) (map[string]string, error) {
		ev, ok := event.(MembershipEvent)
		if !ok {
			return nil, fmt.Errorf("membership handler got %T", event)
		}
		return map[string]string{
			"group":  ev.GroupID,
			"name":   ev.GroupName,
			"agent":  ev.AgentID,
			"member": ev.AgentName,
			"action": ev.Action,
		}, nil
	})

	r.Register(TypeHeartbeat, func(event interface{}) (map[string]string, error) {
		ev, ok := event.(HeartbeatEvent)
		if !ok {
			return nil, fmt.Errorf("heartbeat handler got %T", event)
		}
		return map[string]string{
			"instance": ev.Name,
			"version":  ev.Version,
			"region":   ev.Region,
			"uptime":   strconv.FormatInt(int64(ev.Uptime/time.Second), 10),
			"load":     strconv.FormatFloat(ev.Load, 'f', 2, 64),
		}, nil
	})

	r.Register(TypeFeed, func(event interface{}) (map[string]string, error) {
		ev, ok := event.(FeedEvent)
		if !ok {
			return nil, fmt.Errorf("feed handler got %T", event)
		}
		return map[string]string{
			"feed":  ev.FeedURL,
			"title": ev.Title,
			"link":  ev.Link,
			"date":  ev.Date,
		}, nil
	})
}
