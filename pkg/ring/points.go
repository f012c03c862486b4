package ring

import (
	"slices"
	"strconv"
)

// GenPoints derives count virtual points for id by chaining the hash:
// each point is hash(id + decimal(previous point)), starting from 0.
// Every node computes the same points for the same id, so points are never
// exchanged over the wire. The result is in generation order, not sorted.
func GenPoints(hash Hasher, id string, count int) []uint32 {
	if count <= 0 {
		return nil
	}
	points := make([]uint32, count)
	var last uint32
	for i := range points {
		last = hash([]byte(id + strconv.FormatUint(uint64(last), 10)))
		points[i] = last
	}
	return points
}

// Peer is a physical node on the ring.
type Peer struct {
	ID     string
	Meta   Meta
	Points []uint32 // sorted ascending, duplicates allowed
}

// NewPeer builds a Peer owning a sorted copy of points.
func NewPeer(id string, meta Meta, points []uint32) *Peer {
	sorted := slices.Clone(points)
	slices.Sort(sorted)
	return &Peer{ID: id, Meta: meta, Points: sorted}
}
