package hashring

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrring/internal/telemetry"
	"github.com/ryandielhenn/zephyrring/pkg/gossip"
	"github.com/ryandielhenn/zephyrring/pkg/ring"
)

// run applies membership events one at a time until the membership source
// closes its event channel.
func (h *Hashring) run() {
	defer close(h.loopDone)
	for ev := range h.membership.Events() {
		accepted := h.handle(ev)
		telemetry.MembershipEvents.WithLabelValues(h.cfg.RingName, ev.Type.String(), boolLabel(accepted)).Inc()
	}
	h.logger.Debug("Membership event stream closed")
}

func (h *Hashring) handle(ev gossip.Event) bool {
	switch ev.Type {
	case gossip.EventUp:
		return h.onUp()
	case gossip.EventPeerUp:
		return h.onPeerUp(ev)
	case gossip.EventPeerDown:
		return h.onPeerDown(ev)
	case gossip.EventError:
		h.logger.Warn("Membership error", zap.Error(ev.Err))
		h.publish(Event{Type: EventError, Err: ev.Err})
		return true
	default:
		h.logger.Warn("Unknown membership event", zap.Stringer("type", ev.Type))
		return false
	}
}

func (h *Hashring) onUp() bool {
	id := h.membership.Whoami()
	var points []uint32
	if !h.cfg.Client {
		points = ring.GenPoints(h.cfg.Hash, id, h.cfg.ReplicaPoints)
	}
	self := ring.NewPeer(id, h.localMeta(), points)

	h.mu.Lock()
	if h.self != nil {
		h.mu.Unlock()
		h.logger.Warn("Ignoring repeated up notification", zap.String("id", id))
		return false
	}
	h.self = self
	if !h.cfg.Client {
		// the local points land on a ring of remote peers only, nothing can move
		h.ring.Add(self, id)
	}
	h.mu.Unlock()

	h.updateGauges()
	h.readyOnce.Do(func() { close(h.ready) })
	h.logger.Info("Ring up",
		zap.String("id", id),
		zap.Bool("client", h.cfg.Client),
		zap.Int("points", len(points)))
	h.publish(Event{Type: EventUp, Peer: self})
	return true
}

func (h *Hashring) onPeerUp(ev gossip.Event) bool {
	meta, ok := h.accept(ev)
	if !ok {
		return false
	}
	p := ring.NewPeer(ev.Host, meta, ring.GenPoints(h.cfg.Hash, ev.Host, h.cfg.ReplicaPoints))

	h.mu.Lock()
	if _, dup := h.peers[ev.Host]; dup {
		h.mu.Unlock()
		h.logger.Debug("Ignoring repeated peer up", zap.String("peer", ev.Host))
		return false
	}
	h.peers[ev.Host] = p
	changes := h.ring.Add(p, h.ownerID())
	h.mu.Unlock()

	h.updateGauges()
	h.record(changes)
	h.logger.Info("Peer joined ring",
		zap.String("peer", ev.Host),
		zap.Int("moved_ranges", len(changes)))

	out := make([]Event, 0, len(changes)+1)
	for _, c := range changes {
		out = append(out, changeEvent(c))
	}
	h.publish(append(out, Event{Type: EventPeerUp, Peer: p})...)
	return true
}

func (h *Hashring) onPeerDown(ev gossip.Event) bool {
	if _, ok := h.accept(ev); !ok {
		return false
	}

	h.mu.Lock()
	p, ok := h.peers[ev.Host]
	if !ok {
		h.mu.Unlock()
		h.logger.Debug("Ignoring peer down for unknown peer", zap.String("peer", ev.Host))
		return false
	}
	delete(h.peers, ev.Host)
	changes := h.ring.Remove(ev.Host, h.ownerID())
	h.mu.Unlock()

	h.updateGauges()
	h.record(changes)
	h.logger.Info("Peer left ring",
		zap.String("peer", ev.Host),
		zap.Int("stolen_ranges", len(changes)))

	out := make([]Event, 0, len(changes)+1)
	for _, c := range changes {
		out = append(out, changeEvent(c))
	}
	h.publish(append(out, Event{Type: EventPeerDown, Peer: p})...)
	return true
}

// accept decodes a remote peer's metadata and reports whether the peer is an
// owner on this ring.
func (h *Hashring) accept(ev gossip.Event) (ring.Meta, bool) {
	if ev.Host == "" || ev.Host == h.membership.Whoami() {
		return ring.Meta{}, false
	}
	meta, err := ring.DecodeMeta(ev.Meta)
	if err != nil {
		h.logger.Debug("Ignoring peer with unreadable metadata", zap.String("peer", ev.Host), zap.Error(err))
		return ring.Meta{}, false
	}
	if meta.RingName != h.cfg.RingName {
		h.logger.Debug("Ignoring peer from another ring",
			zap.String("peer", ev.Host),
			zap.String("peer_ring", meta.RingName))
		return ring.Meta{}, false
	}
	if meta.Client {
		h.logger.Debug("Ignoring client peer", zap.String("peer", ev.Host))
		return ring.Meta{}, false
	}
	return meta, true
}

// ownerID is the id that counts as local when computing moves and steals. A
// client owns nothing. Callers hold h.mu.
func (h *Hashring) ownerID() string {
	if h.self == nil || h.cfg.Client {
		return ""
	}
	return h.self.ID
}

func (h *Hashring) updateGauges() {
	h.mu.RLock()
	peers := len(h.peers)
	if h.self != nil && !h.cfg.Client {
		peers++
	}
	h.mu.RUnlock()
	telemetry.RingPeers.WithLabelValues(h.cfg.RingName).Set(float64(peers))
	telemetry.RingPoints.WithLabelValues(h.cfg.RingName).Set(float64(h.ring.Len()))
}

func (h *Hashring) record(changes []ring.Change) {
	for _, c := range changes {
		kind := c.Kind.String()
		telemetry.OwnershipChanges.WithLabelValues(h.cfg.RingName, kind).Inc()
		telemetry.OwnershipKeys.WithLabelValues(h.cfg.RingName, kind).Add(float64(c.Range.Width()))
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
