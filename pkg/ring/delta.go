package ring

import "fmt"

// Range is the half-open key range [Start, End) on the ring. End == 0 stands
// for the top of the ring (2^32), so [Start, 0) runs to the end of the key
// space. Ranges that wrap past the top are always reported as two pieces.
type Range struct {
	Start uint32
	End   uint32
}

// Width is the number of keys in the range.
func (r Range) Width() uint64 {
	if r.End == 0 {
		return 1<<32 - uint64(r.Start)
	}
	return uint64(r.End) - uint64(r.Start)
}

func (r Range) Contains(key uint32) bool {
	if r.End == 0 {
		return key >= r.Start
	}
	return key >= r.Start && key < r.End
}

func (r Range) String() string {
	if r.End == 0 {
		return fmt.Sprintf("[%d, 2^32)", r.Start)
	}
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

type Kind int

const (
	// Move: local no longer owns Range, it now belongs to Peer.
	Move Kind = iota + 1
	// Steal: local now owns Range, previously held by Peer.
	Steal
)

func (k Kind) String() string {
	switch k {
	case Move:
		return "move"
	case Steal:
		return "steal"
	default:
		return "unknown"
	}
}

// Change is an ownership delta seen from the local node.
type Change struct {
	Kind  Kind
	Range Range
	Peer  *Peer
}

// insertChanges reports what local loses when e is spliced in at idx. It must
// be called with the entries as they are right before that single insertion.
func insertChanges(entries []Entry, idx int, e Entry, local string) []Change {
	n := len(entries)
	if n == 0 || e.Peer.ID == local {
		return nil
	}
	// keys in [before, e.Point) belonged to the entry now sitting at idx
	if entries[idx%n].Peer.ID != local {
		return nil
	}
	before := entries[(idx-1+n)%n]
	return collect(Move, e.Peer, span(before.Point, e.Point, idx == 0))
}

// removeChanges reports what local gains when every entry of peer id is
// removed. The footprint is processed in one pass: each maximal run of id's
// entries owned [point before the run, last point of the run) and passes to
// the first entry after the run.
func removeChanges(entries []Entry, id, local string) []Change {
	if id == local {
		return nil
	}
	n := len(entries)
	anchor := -1
	for i := n - 1; i >= 0; i-- {
		if entries[i].Peer.ID != id {
			anchor = i
			break
		}
	}
	if anchor < 0 {
		// nothing left to inherit the ranges
		return nil
	}

	var changes []Change
	lastStart, runEnd := anchor, -1
	for step := 1; step <= n; step++ {
		i := (anchor + step) % n
		e := entries[i]
		if e.Peer.ID == id {
			runEnd = i
			continue
		}
		if runEnd >= 0 && e.Peer.ID == local {
			from := entries[runEnd].Peer
			// the run crossed the end of the slice when it ends before it starts
			wrapped := runEnd < lastStart
			changes = append(changes, collect(Steal, from,
				span(entries[lastStart].Point, entries[runEnd].Point, wrapped))...)
		}
		lastStart, runEnd = i, -1
	}
	return changes
}

// span splits [start, end) into non-empty ranges, cutting at the top of the
// ring when wrapped.
func span(start, end uint32, wrapped bool) []Range {
	if !wrapped {
		if end <= start {
			return nil
		}
		return []Range{{Start: start, End: end}}
	}
	out := []Range{{Start: start, End: 0}}
	if end > 0 {
		out = append(out, Range{Start: 0, End: end})
	}
	return out
}

func collect(kind Kind, peer *Peer, ranges []Range) []Change {
	if len(ranges) == 0 {
		return nil
	}
	changes := make([]Change, len(ranges))
	for i, r := range ranges {
		changes[i] = Change{Kind: kind, Range: r, Peer: peer}
	}
	return changes
}
