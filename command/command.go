// Package command implements the authenticated command pipeline: decoding,
// per-group admission, handler dispatch, sift post-processing, afterburn
// pass-through, and callback delivery.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/wrangler-bot/wrangler/auth"
	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/delivery"
	"github.com/wrangler-bot/wrangler/gate"
	"github.com/wrangler-bot/wrangler/grid"
	"github.com/wrangler-bot/wrangler/notify"
	"github.com/wrangler-bot/wrangler/resolver"
	"github.com/wrangler-bot/wrangler/wire"
)

// Request is one decoded inbound command, consumed synchronously by the
// pipeline and never persisted.
type Request struct {
	Raw        wire.Message
	SenderName string
	SenderID   string // avatar or object id
	Group      *config.GroupConfig
}

// StatusError is a business error signaled by a command handler. It reaches
// the caller as structured ERROR/STATUS fields in the result rather than as
// a generic failure.
type StatusError struct {
	Status int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s (status %d)", e.Reason, e.Status)
}

// Statuses used by the built-in handlers.
const (
	StatusUnknownCommand  = 1
	StatusMissingArgument = 2
	StatusPermissionMask  = 3
	StatusLookupFailed    = 4
	StatusServiceFailed   = 5
)

// Forwarder routes a command to horde peers instead of executing it
// locally. Results of remote execution surface only through the callback.
type Forwarder interface {
	Enabled() bool
	Forward(ctx context.Context, msg wire.Message, group *config.GroupConfig) error
}

// Runtime is the explicit engine handle passed to every handler, replacing
// ambient global state.
type Runtime struct {
	Config    *config.Store
	Auth      *auth.Authenticator
	Grid      grid.Client
	Caches    *cache.Caches
	SoftBans  *cache.SoftBanList
	Resolver  *resolver.Resolver
	Notify    *notify.Store
	Router    *notify.Router
	Side      *notify.SideBuffers
	Feeds     *notify.FeedList
	Schedules *ScheduleStore
	Callbacks *delivery.Queue
	Gate      *gate.Gate
	Forwarder Forwarder
	Version   string
	StartTime time.Time
}

// Uptime returns the time since the runtime started.
func (rt *Runtime) Uptime() time.Duration {
	return time.Since(rt.StartTime)
}

// Handler executes one named command. It reads arguments from the request
// and writes result fields, typically wire.KeyData. A returned *StatusError
// becomes structured ERROR/STATUS fields; any other error is reported as an
// unexpected failure.
type Handler func(ctx context.Context, rt *Runtime, req *Request, result *wire.KeyValues) error
