package hashring

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrring/internal/mailbox"
	"github.com/ryandielhenn/zephyrring/internal/telemetry"
	"github.com/ryandielhenn/zephyrring/pkg/gossip"
	"github.com/ryandielhenn/zephyrring/pkg/ring"
)

const (
	DefaultRingName      = "hashring"
	DefaultReplicaPoints = 100
)

var (
	ErrNotReady       = errors.New("hashring not up yet")
	ErrEmptyRing      = errors.New("hashring is empty")
	ErrNoPeer         = errors.New("no peer left outside the exclusion list")
	ErrAlreadyStarted = errors.New("hashring already started")
	ErrClosed         = errors.New("hashring closed")
)

type Config struct {
	// RingName partitions a shared membership pool; peers advertising a
	// different name are ignored.
	RingName string
	// ReplicaPoints is the number of virtual points per peer.
	ReplicaPoints int
	// Tags are published to other peers with the local metadata.
	Tags map[string]string
	// Client joins the pool to run lookups without ever owning keys.
	Client bool
	// Hash maps keys and point seeds onto the ring. Defaults to ring.Farm32.
	Hash   ring.Hasher
	Logger *zap.Logger
}

// Hashring is a ring kept in sync with a gossip.Membership.
type Hashring struct {
	cfg        Config
	logger     *zap.Logger
	membership gossip.Membership
	ring       *ring.Ring

	mu    sync.RWMutex
	self  *ring.Peer
	peers map[string]*ring.Peer // other owners, never self or clients

	subMu   sync.Mutex
	subs    map[int]*mailbox.Mailbox[Event]
	nextSub int
	closed  bool // set by the first Close, before leaving

	started   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
	loopDone  chan struct{}

	lookupLocal, lookupRemote, lookupEmpty prometheus.Counter
}

func New(m gossip.Membership, cfg Config) (*Hashring, error) {
	if m == nil {
		return nil, errors.New("hashring needs a membership source")
	}
	if cfg.RingName == "" {
		cfg.RingName = DefaultRingName
	}
	if cfg.ReplicaPoints < 0 {
		return nil, errors.Errorf("replica points must not be negative, got %d", cfg.ReplicaPoints)
	}
	if cfg.ReplicaPoints == 0 {
		cfg.ReplicaPoints = DefaultReplicaPoints
	}
	if cfg.Hash == nil {
		cfg.Hash = ring.Farm32
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.Tags) == 0 {
		cfg.Tags = nil
	} else {
		cfg.Tags = maps.Clone(cfg.Tags)
	}

	return &Hashring{
		cfg:          cfg,
		logger:       cfg.Logger.With(zap.String("ring", cfg.RingName)),
		membership:   m,
		ring:         ring.New(),
		peers:        make(map[string]*ring.Peer),
		subs:         make(map[int]*mailbox.Mailbox[Event]),
		ready:        make(chan struct{}),
		loopDone:     make(chan struct{}),
		lookupLocal:  telemetry.Lookups.WithLabelValues(cfg.RingName, "local"),
		lookupRemote: telemetry.Lookups.WithLabelValues(cfg.RingName, "remote"),
		lookupEmpty:  telemetry.Lookups.WithLabelValues(cfg.RingName, "empty"),
	}, nil
}

// Start publishes the local metadata through the membership source and begins
// applying membership events. Subscribe first to observe EventUp.
func (h *Hashring) Start(ctx context.Context) error {
	if !h.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	meta, err := ring.EncodeMeta(h.localMeta())
	if err != nil {
		return err
	}
	if err := h.membership.Join(ctx, meta); err != nil {
		h.started.Store(false)
		return errors.Wrap(err, "join membership")
	}
	go h.run()
	return nil
}

// Ready is closed once the local node is up.
func (h *Hashring) Ready() <-chan struct{} {
	return h.ready
}

// Subscribe returns a channel carrying every event published from now on, in
// order. Delivery never blocks the ring; undelivered events queue up until the
// returned cancel func is called or the ring is closed.
func (h *Hashring) Subscribe() (<-chan Event, func()) {
	box := mailbox.New[Event]()

	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.closed {
		box.Close()
		return box.C(), func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = box

	return box.C(), func() {
		h.subMu.Lock()
		delete(h.subs, id)
		h.subMu.Unlock()
		box.Discard()
	}
}

// Hash maps a key onto the ring.
func (h *Hashring) Hash(key string) uint32 {
	return h.cfg.Hash([]byte(key))
}

// Lookup returns the peer owning key.
func (h *Hashring) Lookup(key string) (*ring.Peer, error) {
	return h.LookupPoint(h.Hash(key))
}

// LookupPoint returns the peer owning a raw ring position.
func (h *Hashring) LookupPoint(point uint32) (*ring.Peer, error) {
	p, ok := h.ring.Lookup(point)
	if !ok {
		h.lookupEmpty.Inc()
		return nil, ErrEmptyRing
	}
	if p.ID == h.localID() {
		h.lookupLocal.Inc()
	} else {
		h.lookupRemote.Inc()
	}
	return p, nil
}

// Next returns the next owner of key clockwise that is not in exclude. With no
// exclusions the primary owner is skipped, so Next yields the first replica.
// Feeding every returned id back into exclude visits each peer once and then
// fails with ErrNoPeer.
func (h *Hashring) Next(key string, exclude ...string) (*ring.Peer, error) {
	return h.NextPoint(h.Hash(key), exclude...)
}

func (h *Hashring) NextPoint(point uint32, exclude ...string) (*ring.Peer, error) {
	p, err := h.ring.Next(point, exclude)
	switch {
	case errors.Is(err, ring.ErrEmpty):
		return nil, ErrEmptyRing
	case err != nil:
		return nil, ErrNoPeer
	}
	return p, nil
}

// AllocatedToMe reports whether the local node owns key. It is always false
// on a client or before the node is up.
func (h *Hashring) AllocatedToMe(key string) bool {
	if h.cfg.Client {
		return false
	}
	id := h.localID()
	if id == "" {
		return false
	}
	p, err := h.Lookup(key)
	return err == nil && p.ID == id
}

// Peers returns the other known owners sorted by id, optionally followed by
// the local node.
func (h *Hashring) Peers(includeSelf bool) []*ring.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*ring.Peer, 0, len(h.peers)+1)
	for _, id := range slices.Sorted(maps.Keys(h.peers)) {
		out = append(out, h.peers[id])
	}
	if includeSelf && h.self != nil {
		out = append(out, h.self)
	}
	return out
}

// MyMeta returns the local peer. A client's peer carries no points.
func (h *Hashring) MyMeta() (*ring.Peer, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.self == nil {
		return nil, ErrNotReady
	}
	return h.self, nil
}

func (h *Hashring) Whoami() string {
	return h.membership.Whoami()
}

// Close leaves the membership pool, waits for pending membership events to be
// applied and closes every subscription. Only the first call leaves; later or
// concurrent calls return ErrClosed.
func (h *Hashring) Close(ctx context.Context) error {
	h.subMu.Lock()
	if h.closed {
		h.subMu.Unlock()
		return ErrClosed
	}
	h.closed = true
	h.subMu.Unlock()

	err := errors.Wrap(h.membership.Leave(ctx), "leave membership")
	if h.started.Load() {
		select {
		case <-h.loopDone:
		case <-ctx.Done():
			err = multierr.Append(err, errors.Wrap(ctx.Err(), "waiting for membership events"))
		}
	}

	h.subMu.Lock()
	for id, box := range h.subs {
		box.Close()
		delete(h.subs, id)
	}
	h.subMu.Unlock()
	return err
}

func (h *Hashring) localMeta() ring.Meta {
	return ring.Meta{RingName: h.cfg.RingName, Client: h.cfg.Client, Tags: h.cfg.Tags}
}

func (h *Hashring) localID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.self == nil {
		return ""
	}
	return h.self.ID
}

func (h *Hashring) publish(events ...Event) {
	if len(events) == 0 {
		return
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, box := range h.subs {
		for _, ev := range events {
			box.Put(ev)
		}
	}
}
