// Package horde connects cooperating agent instances over HTTP: it
// replicates cache deltas to subscribed peers, forwards commands per the
// configured balancing strategy, and serves the same protocol to others.
package horde

import (
	"fmt"
	"strconv"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/wire"
)

// SyncCommands is the sync-mask bit granting a peer command traffic, next
// to the cache category bits.
const SyncCommands uint64 = 1 << 6

// Context is a peer's self-reported live state. It is fetched fresh for
// every routing decision and never cached, so balancing reflects the peer's
// current load.
type Context struct {
	Name         string
	Region       string
	Version      string
	Contribution int
	Load         float64
}

// Encode renders the context in the wire key=value form.
func (c Context) Encode() string {
	kv := wire.NewKeyValues()
	kv.Set("name", c.Name)
	kv.Set("region", c.Region)
	kv.Set("version", c.Version)
	kv.Set("contribution", strconv.Itoa(c.Contribution))
	kv.Set("load", strconv.FormatFloat(c.Load, 'f', 2, 64))
	return kv.Encode()
}

// ParseContext decodes a context from its wire form.
func ParseContext(raw string) (Context, error) {
	msg, err := wire.Parse(raw)
	if err != nil {
		return Context{}, err
	}
	contribution, err := strconv.Atoi(msg.Get("contribution"))
	if err != nil {
		return Context{}, fmt.Errorf("invalid contribution: %v", err)
	}
	load, _ := strconv.ParseFloat(msg.Get("load"), 64)
	return Context{
		Name:         msg.Get("name"),
		Region:       msg.Get("region"),
		Version:      msg.Get("version"),
		Contribution: contribution,
		Load:         load,
	}, nil
}

// Matches reports whether the context satisfies every constraint of a
// request's context filter. Only name, region, and version can be
// constrained; a filter naming any other field matches nothing.
func (c Context) Matches(filter wire.Message) bool {
	for key, want := range filter {
		var got string
		switch key {
		case "name":
			got = c.Name
		case "region":
			got = c.Region
		case "version":
			got = c.Version
		default:
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

// EncodeGroup serializes a group configuration for the authorization push
// that precedes remote command delivery.
func EncodeGroup(g *config.GroupConfig) string {
	kv := wire.NewKeyValues()
	kv.Set("uuid", g.UUID)
	kv.Set("name", g.Name)
	kv.Set("password", g.Password)
	kv.Set("permissions", strconv.FormatUint(g.Permissions, 10))
	kv.Set("notifications", strconv.FormatUint(g.Notifications, 10))
	kv.Set("workers", strconv.Itoa(g.Workers))
	kv.Set("schedules", strconv.FormatUint(g.Schedules, 10))
	return kv.Encode()
}

// DecodeGroup reverses EncodeGroup.
func DecodeGroup(raw string) (*config.GroupConfig, error) {
	msg, err := wire.Parse(raw)
	if err != nil {
		return nil, err
	}
	if msg.Get("uuid") == "" || msg.Get("name") == "" {
		return nil, fmt.Errorf("group push missing uuid or name")
	}
	permissions, err := strconv.ParseUint(msg.Get("permissions"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid permissions: %v", err)
	}
	notifications, _ := strconv.ParseUint(msg.Get("notifications"), 10, 64)
	workers, err := strconv.Atoi(msg.Get("workers"))
	if err != nil || workers <= 0 {
		return nil, fmt.Errorf("invalid workers %q", msg.Get("workers"))
	}
	schedules, _ := strconv.ParseUint(msg.Get("schedules"), 10, 64)
	return &config.GroupConfig{
		UUID:          msg.Get("uuid"),
		Name:          msg.Get("name"),
		Password:      msg.Get("password"),
		Permissions:   permissions,
		Notifications: notifications,
		Workers:       workers,
		Schedules:     schedules,
	}, nil
}
