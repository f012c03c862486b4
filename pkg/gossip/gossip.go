package gossip

import (
	"context"

	"github.com/pkg/errors"
)

var (
	ErrAlreadyJoined = errors.New("membership already joined")
	ErrMemberFailed  = errors.New("member declared failed by the cluster")
)

// Membership is a gossip/failure-detection source.
//
// Join publishes meta for the local member and starts delivering events; the
// first event is EventUp. Events are delivered in order on a single channel,
// which is closed after Leave.
type Membership interface {
	Join(ctx context.Context, meta []byte) error
	Whoami() string
	Events() <-chan Event
	Leave(ctx context.Context) error
}
