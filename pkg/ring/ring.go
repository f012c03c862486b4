package ring

import (
	"slices"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrEmpty    = errors.New("ring has no points")
	ErrExcluded = errors.New("every peer on the ring is excluded")
)

// Entry is one virtual point and the peer that holds it.
type Entry struct {
	Point uint32
	Peer  *Peer
}

// Ring is the sorted set of virtual points for a cluster.
//
// A key k is owned by the first entry whose point is strictly greater than k,
// wrapping to the first entry when no such entry exists. An entry therefore
// owns [predecessor.Point, entry.Point).
type Ring struct {
	mu      sync.RWMutex
	entries []Entry // sorted by Point, equal points kept in insertion order
}

func New() *Ring {
	return &Ring{}
}

// Add inserts every point of p, one point at a time, and returns the ranges
// that local lost to p along the way. The whole footprint is inserted under a
// single write lock so lookups never observe a partially added peer.
func (r *Ring) Add(p *Peer, local string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	for _, pt := range p.Points {
		e := Entry{Point: pt, Peer: p}
		idx := r.upperBound(pt)
		changes = append(changes, insertChanges(r.entries, idx, e, local)...)
		r.entries = slices.Insert(r.entries, idx, e)
	}
	return changes
}

// Remove deletes every point held by the peer with the given id and returns
// the ranges local gained from it.
func (r *Ring) Remove(id, local string) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	changes := removeChanges(r.entries, id, local)
	r.entries = slices.DeleteFunc(r.entries, func(e Entry) bool {
		return e.Peer.ID == id
	})
	return changes
}

// Successor returns the entry owning point.
func (r *Ring) Successor(point uint32) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	return r.entries[r.successorIndex(point)], true
}

// Lookup returns the peer owning point, or false on an empty ring.
func (r *Ring) Lookup(point uint32) (*Peer, bool) {
	e, ok := r.Successor(point)
	return e.Peer, ok
}

// Next walks clockwise from the owner of point and returns the first peer not
// in exclude. An empty exclude list means "exclude the owner", which yields the
// first replica. It fails with ErrEmpty on an empty ring and with ErrExcluded
// once every peer on the ring is excluded.
func (r *Ring) Next(point uint32, exclude []string) (*Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.entries)
	if n == 0 {
		return nil, ErrEmpty
	}
	start := r.successorIndex(point)

	skip := make(map[string]struct{}, max(len(exclude), 1))
	if len(exclude) == 0 {
		skip[r.entries[start].Peer.ID] = struct{}{}
	}
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	for i := 0; i < n; i++ {
		p := r.entries[(start+i)%n].Peer
		if _, ok := skip[p.ID]; !ok {
			return p, nil
		}
	}
	return nil, ErrExcluded
}

// Owned returns how many keys of the 2^32 space the peer currently owns.
func (r *Ring) Owned(id string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := len(r.entries)
	var total uint64
	for i, e := range r.entries {
		if e.Peer.ID != id {
			continue
		}
		prev := r.entries[(i-1+n)%n].Point
		w := uint64(e.Point - prev)
		if i == 0 && w == 0 {
			// every point is equal: the first entry takes the whole ring
			w = 1 << 32
		}
		total += w
	}
	return total
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Entries returns a copy of the ring in point order.
func (r *Ring) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.entries)
}

// upperBound is the first index whose point is > point.
func (r *Ring) upperBound(point uint32) int {
	return sort.Search(len(r.entries), func(i int) bool {
		return r.entries[i].Point > point
	})
}

func (r *Ring) successorIndex(point uint32) int {
	idx := r.upperBound(point)
	if idx == len(r.entries) {
		idx = 0
	}
	return idx
}
