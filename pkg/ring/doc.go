// Package ring implements the consistent-hashing ring: deterministic virtual
// point generation, the sorted point store with a strict-successor lookup, the
// replica walk used for failover, and the accounting of which key ranges move
// to or from the local node when a peer's points are added or removed.
//
// The ring never emits events itself. Add and Remove return the ownership
// changes they caused, and the caller decides how to publish them.
package ring
