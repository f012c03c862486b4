// Package hashring keeps a consistent-hashing ring in sync with a gossip
// membership pool and tells the local node which key ranges it gains or loses.
//
// Membership notifications are filtered by ring name and client flag, turned
// into ring mutations one at a time, and re-published to subscribers together
// with the move and steal ranges each mutation caused:
//
//	h, _ := hashring.New(membership, hashring.Config{RingName: "orders"})
//	events, cancel := h.Subscribe()
//	defer cancel()
//	_ = h.Start(ctx)
//	<-h.Ready()
//	owner, err := h.Lookup("customer-42")
//
// Lookups are safe for concurrent use and never block on membership traffic.
package hashring
