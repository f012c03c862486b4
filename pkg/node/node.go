package node

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrring/internal/telemetry"
	"github.com/ryandielhenn/zephyrring/pkg/hashring"
	"github.com/ryandielhenn/zephyrring/pkg/kv"
)

// TagHTTP is the ring tag carrying a node's client-facing host:port.
const TagHTTP = "http"

// HeaderHandoff marks a write that moves a key to its new owner; the receiver
// stores it without routing.
const HeaderHandoff = "X-Zephyr-Handoff"

// HeaderForwarded marks a request one node already forwarded to the owner it
// saw on its ring. The receiver never forwards it again.
const HeaderForwarded = "X-Zephyr-Forwarded"

// Node serves a key value store partitioned over a hashring.
type Node struct {
	kv     *kv.Store
	ring   *hashring.Hashring
	addr   string
	logger *zap.Logger
	client *http.Client
	// handoffTimeout bounds the retries for one key moving to a new owner.
	handoffTimeout time.Duration
}

func NewNode(store *kv.Store, r *hashring.Hashring, addr string, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		kv:     store,
		ring:   r,
		addr:   addr,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},

		handoffTimeout: 10 * time.Second,
	}
}

func (n *Node) Addr() string {
	return n.addr
}

// Handler routes the node endpoints, each instrumented under its own op.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", n.Healthz)
	mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.HandleFunc("/kv/", func(w http.ResponseWriter, req *http.Request) {
		telemetry.Instrument(methodToOp(req.Method), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPut, http.MethodPost:
				n.Put(w, r)
			case http.MethodGet:
				n.Get(w, r)
			case http.MethodDelete:
				n.Del(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		})).ServeHTTP(w, req)
	})
	return mux
}

// Watch follows ring events until ctx is done. Ranges moved to a new owner are
// handed off to it. The subscription is in place when Watch returns.
func (n *Node) Watch(ctx context.Context) <-chan struct{} {
	events, cancel := n.ring.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				n.onRingEvent(ctx, ev)
			}
		}
	}()
	return done
}

func (n *Node) onRingEvent(ctx context.Context, ev hashring.Event) {
	switch ev.Type {
	case hashring.EventUp:
		n.logger.Info("Ring up", zap.String("id", ev.Peer.ID))
	case hashring.EventPeerUp:
		n.logger.Info("Peer up", zap.String("peer", ev.Peer.ID), zap.String("http", ev.Peer.Meta.Tag(TagHTTP)))
	case hashring.EventPeerDown:
		n.logger.Info("Peer down", zap.String("peer", ev.Peer.ID))
	case hashring.EventMove:
		n.handoff(ctx, ev)
	case hashring.EventSteal:
		n.logger.Debug("Took over range",
			zap.String("from", ev.Peer.ID),
			zap.Stringer("range", ev.Range),
			zap.Uint64("width", ev.Range.Width()))
	case hashring.EventError:
		n.logger.Warn("Membership error", zap.Error(ev.Err))
	}
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}
