package hashring

import (
	"fmt"

	"github.com/ryandielhenn/zephyrring/pkg/ring"
)

type EventType int

const (
	// EventUp: the local identity and metadata are established.
	EventUp EventType = iota + 1
	EventPeerUp
	EventPeerDown
	// EventMove: the local node no longer owns Range, Peer does.
	EventMove
	// EventSteal: the local node now owns Range, previously held by Peer.
	EventSteal
	// EventError forwards a membership failure unchanged.
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
	case EventMove:
		return "move"
	case EventSteal:
		return "steal"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

type Event struct {
	Type  EventType
	Peer  *ring.Peer
	Range ring.Range
	Err   error
}

func changeEvent(c ring.Change) Event {
	t := EventMove
	if c.Kind == ring.Steal {
		t = EventSteal
	}
	return Event{Type: t, Peer: c.Peer, Range: c.Range}
}
