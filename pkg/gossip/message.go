package gossip

import "fmt"

type EventType uint8

const (
	// EventUp: the local member has joined and Whoami is valid.
	EventUp EventType = iota + 1
	EventPeerUp
	EventPeerDown
	// EventError carries a transport or protocol failure in Err.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventUp:
		return "up"
	case EventPeerUp:
		return "peerUp"
	case EventPeerDown:
		return "peerDown"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event is one membership notification. Host and Meta describe the peer for
// EventPeerUp/EventPeerDown and the local member for EventUp.
type Event struct {
	Type EventType
	Host string
	Meta []byte
	Err  error
}
