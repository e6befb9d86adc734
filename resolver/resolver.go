// Package resolver translates between names and identifiers using the local
// caches first and the blocking world directory second. Concurrent lookups
// for the same key collapse into one directory query.
package resolver

import (
	"context"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wrangler-bot/wrangler/cache"
	"github.com/wrangler-bot/wrangler/grid"
	"github.com/wrangler-bot/wrangler/util/logger"
)

// Resolver answers the five resolution queries of the engine. Cache hits are
// trusted immediately, except region lookups, which return the cached value
// and validate it in the background.
type Resolver struct {
	dir     grid.Directory
	caches  *cache.Caches
	timeout time.Duration
	group   singleflight.Group
	spawn   func(func())
	log     *logger.Logger
}

// New creates a resolver. spawn runs background refreshes; pass nil to use a
// plain goroutine.
func New(dir grid.Directory, caches *cache.Caches, timeout time.Duration, spawn func(func())) *Resolver {
	if spawn == nil {
		spawn = func(f func()) { go f() }
	}
	return &Resolver{
		dir:     dir,
		caches:  caches,
		timeout: timeout,
		spawn:   spawn,
		log:     logger.NewLogger("Resolver"),
	}
}

// lookup collapses concurrent misses for the same key into one directory
// query bounded by the resolver timeout.
func (r *Resolver) lookup(ctx context.Context, key string, query func(context.Context) (string, error)) (string, error) {
	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		qctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return query(qctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// AgentNameToID resolves an agent display name to its UUID.
func (r *Resolver) AgentNameToID(ctx context.Context, name string) (string, error) {
	for id, n := range r.caches.Agents.Snapshot() {
		if n == name {
			return id, nil
		}
	}
	id, err := r.lookup(ctx, "agent-id:"+name, func(qctx context.Context) (string, error) {
		return r.dir.LookupAgentID(qctx, name)
	})
	if err != nil {
		return "", err
	}
	r.caches.Agents.Add(id, name)
	return id, nil
}

// AgentIDToName resolves an agent UUID to its display name.
func (r *Resolver) AgentIDToName(ctx context.Context, id string) (string, error) {
	if name, ok := r.caches.Agents.Get(id); ok {
		return name, nil
	}
	name, err := r.lookup(ctx, "agent-name:"+id, func(qctx context.Context) (string, error) {
		return r.dir.LookupAgentName(qctx, id)
	})
	if err != nil {
		return "", err
	}
	r.caches.Agents.Add(id, name)
	return name, nil
}

// GroupNameToID resolves a group display name to its UUID.
func (r *Resolver) GroupNameToID(ctx context.Context, name string) (string, error) {
	for id, n := range r.caches.Groups.Snapshot() {
		if n == name {
			return id, nil
		}
	}
	id, err := r.lookup(ctx, "group-id:"+name, func(qctx context.Context) (string, error) {
		return r.dir.LookupGroupID(qctx, name)
	})
	if err != nil {
		return "", err
	}
	r.caches.Groups.Add(id, name)
	return id, nil
}

// GroupIDToName resolves a group UUID to its display name.
func (r *Resolver) GroupIDToName(ctx context.Context, id string) (string, error) {
	if name, ok := r.caches.Groups.Get(id); ok {
		return name, nil
	}
	name, err := r.lookup(ctx, "group-name:"+id, func(qctx context.Context) (string, error) {
		return r.dir.LookupGroupName(qctx, id)
	})
	if err != nil {
		return "", err
	}
	r.caches.Groups.Add(id, name)
	return name, nil
}

// RegionNameToHandle resolves a region name to its handle. A cached value is
// returned immediately and validated in the background, since region handles
// can go stale when regions move.
func (r *Resolver) RegionNameToHandle(ctx context.Context, name string) (uint64, error) {
	if cached, ok := r.caches.Regions.Get(name); ok {
		handle, err := strconv.ParseUint(cached, 10, 64)
		if err == nil {
			r.spawn(func() { r.refreshRegion(name, handle) })
			return handle, nil
		}
		r.caches.Regions.Remove(name)
	}

	value, err := r.lookup(ctx, "region:"+name, func(qctx context.Context) (string, error) {
		handle, err := r.dir.LookupRegionHandle(qctx, name)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(handle, 10), nil
	})
	if err != nil {
		return 0, err
	}
	handle, _ := strconv.ParseUint(value, 10, 64)
	r.caches.Regions.Add(name, value)
	return handle, nil
}

// refreshRegion validates a cached region handle after it was served.
func (r *Resolver) refreshRegion(name string, cached uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	handle, err := r.dir.LookupRegionHandle(ctx, name)
	if err != nil {
		r.log.Debugf("background refresh of region %q failed: %v", name, err)
		return
	}
	if handle != cached {
		r.log.Infof("region %q handle changed %d -> %d", name, cached, handle)
		r.caches.Regions.Add(name, strconv.FormatUint(handle, 10))
	}
}
