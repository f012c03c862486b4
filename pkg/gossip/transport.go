package gossip

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/ryandielhenn/zephyrring/internal/mailbox"
)

// LocalCluster is an in-process membership pool. Members joined to the same
// cluster see each other immediately; there is no network and no failure
// detection beyond Fail.
type LocalCluster struct {
	mu      sync.Mutex
	members map[string]*LocalMember // joined members
}

func NewLocalCluster() *LocalCluster {
	return &LocalCluster{members: make(map[string]*LocalMember)}
}

// Member returns a new, not yet joined member with the given identity.
func (c *LocalCluster) Member(id string) *LocalMember {
	return &LocalMember{
		cluster: c,
		id:      id,
		box:     mailbox.New[Event](),
	}
}

// Members lists the ids of joined members.
func (c *LocalCluster) Members() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.members))
}

// Fail evicts a member as a failure detector would: every other member gets
// EventPeerDown and the evicted member gets an EventError.
func (c *LocalCluster) Fail(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.members[id]
	if !ok {
		return
	}
	c.evictLocked(m)
	m.box.Put(Event{Type: EventError, Host: id, Err: ErrMemberFailed})
}

// SendError delivers an EventError to the member with the given id.
func (c *LocalCluster) SendError(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.members[id]; ok {
		m.box.Put(Event{Type: EventError, Host: id, Err: err})
	}
}

func (c *LocalCluster) evictLocked(m *LocalMember) {
	delete(c.members, m.id)
	for _, id := range slices.Sorted(maps.Keys(c.members)) {
		c.members[id].box.Put(Event{Type: EventPeerDown, Host: m.id, Meta: m.meta})
	}
}

// LocalMember is one member of a LocalCluster.
type LocalMember struct {
	cluster *LocalCluster
	id      string
	meta    []byte
	joined  bool
	box     *mailbox.Mailbox[Event]
}

func (m *LocalMember) Join(_ context.Context, meta []byte) error {
	c := m.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if m.joined {
		return ErrAlreadyJoined
	}
	m.joined = true
	m.meta = slices.Clone(meta)

	m.box.Put(Event{Type: EventUp, Host: m.id, Meta: m.meta})
	for _, id := range slices.Sorted(maps.Keys(c.members)) {
		other := c.members[id]
		m.box.Put(Event{Type: EventPeerUp, Host: other.id, Meta: other.meta})
		other.box.Put(Event{Type: EventPeerUp, Host: m.id, Meta: m.meta})
	}
	c.members[m.id] = m
	return nil
}

func (m *LocalMember) Whoami() string {
	return m.id
}

func (m *LocalMember) Events() <-chan Event {
	return m.box.C()
}

// Leave announces the departure to the remaining members and closes Events.
func (m *LocalMember) Leave(context.Context) error {
	c := m.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.members[m.id]; ok && cur == m {
		c.evictLocked(m)
	}
	m.box.Close()
	return nil
}
