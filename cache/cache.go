// Package cache holds the agent's observable in-memory caches. Every
// mutation returns its delta and hands it to a publisher, which the horde
// synchronizer uses to replicate the change to subscribed peers. Remote
// deltas are applied without republishing so replication never loops.
package cache

import (
	"sync"
)

// Category identifies one replicated cache.
type Category string

const (
	CategoryAgent       Category = "agent"
	CategoryGroup       Category = "group"
	CategoryRegion      Category = "region"
	CategoryMute        Category = "mute"
	CategoryBayes       Category = "bayes"
	CategoryConfigGroup Category = "configgroup"
)

// Bit returns the category's position in a peer synchronization mask.
func (c Category) Bit() uint64 {
	switch c {
	case CategoryAgent:
		return 1 << 0
	case CategoryGroup:
		return 1 << 1
	case CategoryRegion:
		return 1 << 2
	case CategoryMute:
		return 1 << 3
	case CategoryBayes:
		return 1 << 4
	case CategoryConfigGroup:
		return 1 << 5
	default:
		return 0
	}
}

// ParseCategory returns the category for its wire name.
func ParseCategory(name string) (Category, bool) {
	switch Category(name) {
	case CategoryAgent, CategoryGroup, CategoryRegion, CategoryMute,
		CategoryBayes, CategoryConfigGroup:
		return Category(name), true
	}
	return "", false
}

// Op is the kind of a cache mutation.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Delta describes one cache mutation for replication.
type Delta struct {
	Category Category
	Op       Op
	ID       string
	Value    string
}

// Publisher receives local mutations for replication. Implementations must
// not block: replication is fire-and-forget and never stalls the mutation
// that triggered it.
type Publisher interface {
	Publish(Delta)
}

// KV is one concurrency-safe cache category. The zero Value convention: an
// entry's value may be empty for pure membership sets such as mutes.
type KV struct {
	mu       sync.RWMutex
	category Category
	items    map[string]string
	pub      Publisher
}

// NewKV creates a cache for category. pub may be nil when replication is
// disabled.
func NewKV(category Category, pub Publisher) *KV {
	return &KV{
		category: category,
		items:    make(map[string]string),
		pub:      pub,
	}
}

// Category returns the cache's category.
func (kv *KV) Category() Category {
	return kv.category
}

// Add stores id=value and publishes the delta when the entry is new or its
// value changed.
func (kv *KV) Add(id, value string) {
	kv.mu.Lock()
	old, existed := kv.items[id]
	kv.items[id] = value
	kv.mu.Unlock()

	if existed && old == value {
		return
	}
	if kv.pub != nil {
		kv.pub.Publish(Delta{Category: kv.category, Op: OpAdd, ID: id, Value: value})
	}
}

// Remove deletes id and publishes the delta when the entry existed.
func (kv *KV) Remove(id string) {
	kv.mu.Lock()
	_, existed := kv.items[id]
	delete(kv.items, id)
	kv.mu.Unlock()

	if !existed {
		return
	}
	if kv.pub != nil {
		kv.pub.Publish(Delta{Category: kv.category, Op: OpRemove, ID: id})
	}
}

// ApplyRemote applies a delta received from a peer without republishing.
// Applying the same delta twice is a no-op, which makes peer replication
// idempotent.
func (kv *KV) ApplyRemote(delta Delta) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	switch delta.Op {
	case OpAdd:
		kv.items[delta.ID] = delta.Value
	case OpRemove:
		delete(kv.items, delta.ID)
	}
}

// Get returns the value for id.
func (kv *KV) Get(id string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.items[id]
	return value, ok
}

// Has reports whether id is present.
func (kv *KV) Has(id string) bool {
	_, ok := kv.Get(id)
	return ok
}

// Len returns the number of entries.
func (kv *KV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.items)
}

// Snapshot returns a copy of the entries, for persistence.
func (kv *KV) Snapshot() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make(map[string]string, len(kv.items))
	for k, v := range kv.items {
		out[k] = v
	}
	return out
}

// LoadSnapshot replaces the entries without publishing, for startup reload.
func (kv *KV) LoadSnapshot(items map[string]string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.items = make(map[string]string, len(items))
	for k, v := range items {
		kv.items[k] = v
	}
}

// Caches bundles the replicated cache categories.
type Caches struct {
	Agents       *KV // agent UUID -> display name
	Groups       *KV // group UUID -> display name
	Regions      *KV // region name -> region handle
	Mutes        *KV // muted UUID -> ""
	Bayes        *KV // classifier token -> weight
	ConfigGroups *KV // group UUID -> serialized group configuration
}

// NewCaches creates all categories over one publisher.
func NewCaches(pub Publisher) *Caches {
	return &Caches{
		Agents:       NewKV(CategoryAgent, pub),
		Groups:       NewKV(CategoryGroup, pub),
		Regions:      NewKV(CategoryRegion, pub),
		Mutes:        NewKV(CategoryMute, pub),
		Bayes:        NewKV(CategoryBayes, pub),
		ConfigGroups: NewKV(CategoryConfigGroup, pub),
	}
}

// ByCategory returns the cache for a category.
func (c *Caches) ByCategory(category Category) *KV {
	switch category {
	case CategoryAgent:
		return c.Agents
	case CategoryGroup:
		return c.Groups
	case CategoryRegion:
		return c.Regions
	case CategoryMute:
		return c.Mutes
	case CategoryBayes:
		return c.Bayes
	case CategoryConfigGroup:
		return c.ConfigGroups
	default:
		return nil
	}
}
