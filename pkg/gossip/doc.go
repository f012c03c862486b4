// Package gossip defines the membership collaborator the hash ring consumes:
// a source of up, peer-up, peer-down and error notifications plus the local
// identity and a graceful leave. Peer metadata travels as opaque bytes.
//
// Two implementations live here:
//
//	m := gossip.NewMemberlist(gossip.MemberlistConfig{BindPort: 7946, Seeds: seeds}, logger)
//
// runs SWIM gossip and failure detection through hashicorp/memberlist, and
//
//	c := gossip.NewLocalCluster()
//	a, b := c.Member("a"), c.Member("b")
//
// wires members together in-process over channels, for tests and simulation.
package gossip
