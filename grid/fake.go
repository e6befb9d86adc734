package grid

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory grid client for tests and for running the agent
// without a world session. All operations are safe for concurrent use.
type Fake struct {
	mu         sync.Mutex
	agents     map[string]string   // id -> name
	groups     map[string]string   // id -> name
	regions    map[string]uint64   // name -> handle
	members    map[string][]string // group id -> member ids
	bans       map[string][]string // group id -> banned ids
	sent       []SentMessage
	region     string
	connected  bool
	events     chan Event
	lookupErr  error
	lookupWait chan struct{} // when set, lookups block until closed
}

// SentMessage records one outbound instant message.
type SentMessage struct {
	RecipientID string
	Message     string
}

var _ Client = (*Fake)(nil)

// NewFake creates a connected fake grid client.
func NewFake() *Fake {
	return &Fake{
		agents:    make(map[string]string),
		groups:    make(map[string]string),
		regions:   make(map[string]uint64),
		members:   make(map[string][]string),
		bans:      make(map[string][]string),
		region:    "Sandbox",
		connected: true,
		events:    make(chan Event, 64),
	}
}

// AddAgent registers an agent in the fake directory.
func (f *Fake) AddAgent(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.agents[id] = name
}

// AddGroup registers a group with its members in the fake directory.
func (f *Fake) AddGroup(id, name string, members ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[id] = name
	f.members[id] = members
}

// AddRegion registers a region handle.
func (f *Fake) AddRegion(name string, handle uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[name] = handle
}

// SetLookupError makes every directory lookup fail with err.
func (f *Fake) SetLookupError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupErr = err
}

// BlockLookups makes directory lookups block until the returned release
// function is called, for timeout tests.
func (f *Fake) BlockLookups() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.lookupWait = ch
	return func() { close(ch) }
}

// Deliver injects an inbound event.
func (f *Fake) Deliver(ev Event) {
	f.events <- ev
}

// Sent returns the outbound messages recorded so far.
func (f *Fake) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// SetConnected toggles the connection state.
func (f *Fake) SetConnected(up bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = up
}

func (f *Fake) gate(ctx context.Context) error {
	f.mu.Lock()
	wait := f.lookupWait
	err := f.lookupErr
	f.mu.Unlock()
	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) LookupAgentID(ctx context.Context, name string) (string, error) {
	if err := f.gate(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.agents {
		if n == name {
			return id, nil
		}
	}
	return "", fmt.Errorf("agent %q not found", name)
}

func (f *Fake) LookupAgentName(ctx context.Context, id string) (string, error) {
	if err := f.gate(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.agents[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("agent %q not found", id)
}

func (f *Fake) LookupGroupID(ctx context.Context, name string) (string, error) {
	if err := f.gate(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.groups {
		if n == name {
			return id, nil
		}
	}
	return "", fmt.Errorf("group %q not found", name)
}

func (f *Fake) LookupGroupName(ctx context.Context, id string) (string, error) {
	if err := f.gate(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if name, ok := f.groups[id]; ok {
		return name, nil
	}
	return "", fmt.Errorf("group %q not found", id)
}

func (f *Fake) LookupRegionHandle(ctx context.Context, name string) (uint64, error) {
	if err := f.gate(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if handle, ok := f.regions[name]; ok {
		return handle, nil
	}
	return 0, fmt.Errorf("region %q not found", name)
}

func (f *Fake) SendMessage(_ context.Context, recipientID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return fmt.Errorf("not connected")
	}
	f.sent = append(f.sent, SentMessage{RecipientID: recipientID, Message: message})
	return nil
}

func (f *Fake) QueryGroupMembers(_ context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	members, ok := f.members[groupID]
	if !ok {
		return nil, fmt.Errorf("group %q not found", groupID)
	}
	return append([]string(nil), members...), nil
}

func (f *Fake) QueryGroupBans(_ context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bans[groupID]...), nil
}

func (f *Fake) BanAgent(_ context.Context, groupID, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans[groupID] = append(f.bans[groupID], agentID)
	return nil
}

func (f *Fake) CurrentRegion() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.region
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *Fake) Events() <-chan Event {
	return f.events
}
