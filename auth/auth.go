// Package auth validates group passwords and checks permission and
// notification bitmasks against the current configuration snapshot.
package auth

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/wrangler-bot/wrangler/config"
	"github.com/wrangler-bot/wrangler/util/logger"
)

// ErrDenied is returned by callers that need a sentinel for the silent-drop
// authorization failure.
var ErrDenied = errors.New("authorization denied")

// Authenticator checks credentials against the shared configuration store.
type Authenticator struct {
	store *config.Store
	log   *logger.Logger
}

// New creates an Authenticator backed by the given store.
func New(store *config.Store) *Authenticator {
	return &Authenticator{
		store: store,
		log:   logger.NewLogger("Auth"),
	}
}

// Authenticate reports whether password authorizes the group identified by
// ref (display name or UUID). A password matches if it equals the group's
// configured secret, or the SHA1 hex digest of the supplied password equals
// the configured secret case-insensitively, or it equals the enabled master
// override password. Empty group or password never authenticates.
func (a *Authenticator) Authenticate(ref, password string) bool {
	if ref == "" {
		return false
	}
	return a.AuthenticateGroup(a.store.Snapshot().FindGroup(ref), password)
}

// AuthenticateGroup checks password against an already resolved group. The
// group may come from the configuration file or from peer synchronization.
func (a *Authenticator) AuthenticateGroup(group *config.GroupConfig, password string) bool {
	if password == "" {
		return false
	}
	cfg := a.store.Snapshot()

	if cfg.Master.Enable && cfg.Master.Password != "" &&
		constantEqual(password, cfg.Master.Password) {
		return true
	}

	if group == nil || group.Password == "" {
		return false
	}
	if constantEqual(password, group.Password) {
		return true
	}
	// Groups may store the SHA1 hex digest instead of the plaintext.
	digest := sha1.Sum([]byte(password))
	return strings.EqualFold(hex.EncodeToString(digest[:]), group.Password)
}

// constantEqual compares two secrets without leaking length-independent
// timing information.
func constantEqual(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// HasPermission reports whether the group's permission mask includes every
// bit of mask.
func (a *Authenticator) HasPermission(group *config.GroupConfig, mask uint64) bool {
	if group == nil {
		return false
	}
	return group.Permissions&mask == mask
}

// WantsNotification reports whether the group's notification mask includes
// the given notification type bit.
func (a *Authenticator) WantsNotification(group *config.GroupConfig, typeBit uint64) bool {
	if group == nil {
		return false
	}
	return group.Notifications&typeBit != 0
}
