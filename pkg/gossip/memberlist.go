package gossip

import (
	"bytes"
	"context"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrring/internal/mailbox"
)

const defaultLeaveTimeout = 5 * time.Second

// MemberlistConfig holds gossip protocol configuration
type MemberlistConfig struct {
	// Name is the member identity. Defaults to host:port of the advertised
	// (or bound) address.
	Name           string
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	AdvertisePort  int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	// LeaveTimeout bounds the leave broadcast when Leave's context has no deadline.
	LeaveTimeout time.Duration
}

// Memberlist is a Membership backed by hashicorp/memberlist.
type Memberlist struct {
	cfg    MemberlistConfig
	logger *zap.Logger
	box    *mailbox.Mailbox[Event]

	// name and meta are fixed before memberlist.Create and read by the delegates
	name string
	meta []byte

	mu      sync.Mutex
	list    *memberlist.Memberlist
	joined  bool
	ready   bool
	pending []Event
	known   map[string][]byte // peer name -> last seen meta
}

func NewMemberlist(cfg MemberlistConfig, logger *zap.Logger) *Memberlist {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = defaultLeaveTimeout
	}
	return &Memberlist{
		cfg:    cfg,
		logger: logger,
		box:    mailbox.New[Event](),
		name:   memberName(cfg),
		known:  make(map[string][]byte),
	}
}

func (m *Memberlist) Join(_ context.Context, meta []byte) error {
	if len(meta) > memberlist.MetaMaxSize {
		return errors.Errorf("member metadata is %d bytes, memberlist allows %d", len(meta), memberlist.MetaMaxSize)
	}

	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.joined = true
	m.meta = bytes.Clone(meta)
	m.mu.Unlock()

	conf := memberlist.DefaultLANConfig()
	conf.Name = m.name
	if m.cfg.BindAddr != "" {
		conf.BindAddr = m.cfg.BindAddr
	}
	conf.BindPort = m.cfg.BindPort
	if m.cfg.AdvertiseAddr != "" {
		conf.AdvertiseAddr = m.cfg.AdvertiseAddr
		conf.AdvertisePort = m.cfg.AdvertisePort
		if conf.AdvertisePort == 0 {
			conf.AdvertisePort = m.cfg.BindPort
		}
	}
	if m.cfg.GossipInterval > 0 {
		conf.GossipInterval = m.cfg.GossipInterval
	}
	if m.cfg.ProbeInterval > 0 {
		conf.ProbeInterval = m.cfg.ProbeInterval
	}
	if m.cfg.ProbeTimeout > 0 {
		conf.ProbeTimeout = m.cfg.ProbeTimeout
	}
	conf.Delegate = &metaDelegate{m: m}
	conf.Events = &eventDelegate{m: m}
	conf.Logger = zap.NewStdLog(m.logger.Named("memberlist"))

	list, err := memberlist.Create(conf)
	if err != nil {
		m.mu.Lock()
		m.joined = false
		m.mu.Unlock()
		return errors.Wrap(err, "failed to create memberlist")
	}

	// peers may already have reached us; they are queued behind EventUp
	m.mu.Lock()
	m.list = list
	m.box.Put(Event{Type: EventUp, Host: m.name, Meta: m.meta})
	for _, ev := range m.pending {
		m.box.Put(ev)
	}
	m.pending = nil
	m.ready = true
	m.mu.Unlock()

	m.logger.Info("Joined gossip",
		zap.String("name", m.name),
		zap.String("addr", net.JoinHostPort(list.LocalNode().Addr.String(), strconv.Itoa(int(list.LocalNode().Port)))))

	if len(m.cfg.Seeds) > 0 {
		n, err := list.Join(m.cfg.Seeds)
		if err != nil {
			m.logger.Warn("Failed to join some seed nodes", zap.Int("contacted", n), zap.Error(err))
			m.emit(Event{Type: EventError, Err: errors.Wrap(err, "join seeds")})
		}
	}
	return nil
}

func (m *Memberlist) Whoami() string {
	return m.name
}

func (m *Memberlist) Events() <-chan Event {
	return m.box.C()
}

// Addr is the gossip address other members can join through.
func (m *Memberlist) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.list == nil {
		return ""
	}
	n := m.list.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Leave broadcasts the departure, bounded by ctx's deadline, then shuts the
// transport down and closes Events.
func (m *Memberlist) Leave(ctx context.Context) error {
	m.mu.Lock()
	list := m.list
	m.mu.Unlock()
	defer m.box.Close()
	if list == nil {
		return nil
	}

	timeout := m.cfg.LeaveTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return multierr.Combine(
		errors.Wrap(list.Leave(timeout), "leave"),
		errors.Wrap(list.Shutdown(), "shutdown"),
	)
}

// emit queues ev, holding it back until EventUp has been delivered.
func (m *Memberlist) emit(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		m.pending = append(m.pending, ev)
		return
	}
	m.box.Put(ev)
}

func (m *Memberlist) peerUp(n *memberlist.Node) {
	m.mu.Lock()
	m.known[n.Name] = bytes.Clone(n.Meta)
	m.mu.Unlock()
	m.emit(Event{Type: EventPeerUp, Host: n.Name, Meta: bytes.Clone(n.Meta)})
}

func (m *Memberlist) peerDown(n *memberlist.Node) {
	m.mu.Lock()
	meta, ok := m.known[n.Name]
	delete(m.known, n.Name)
	m.mu.Unlock()
	if !ok {
		meta = bytes.Clone(n.Meta)
	}
	m.emit(Event{Type: EventPeerDown, Host: n.Name, Meta: meta})
}

func memberName(cfg MemberlistConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	host, port := cfg.AdvertiseAddr, cfg.AdvertisePort
	if host == "" {
		host = cfg.BindAddr
	}
	if port == 0 {
		port = cfg.BindPort
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// metaDelegate implements memberlist.Delegate
type metaDelegate struct {
	m *Memberlist
}

func (d *metaDelegate) NodeMeta(limit int) []byte {
	if len(d.m.meta) > limit {
		d.m.logger.Error("Member metadata exceeds gossip limit", zap.Int("size", len(d.m.meta)), zap.Int("limit", limit))
		return nil
	}
	return d.m.meta
}

func (d *metaDelegate) NotifyMsg([]byte)                           {}
func (d *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *metaDelegate) LocalState(join bool) []byte                { return nil }
func (d *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// eventDelegate translates memberlist node events into Membership events
type eventDelegate struct {
	m *Memberlist
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	if node.Name == d.m.name {
		return
	}
	d.m.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.m.peerUp(node)
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	if node.Name == d.m.name {
		return
	}
	d.m.logger.Info("Node left", zap.String("node_id", node.Name))
	d.m.peerDown(node)
}

// NotifyUpdate re-announces a peer whose metadata changed.
func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	if node.Name == d.m.name {
		return
	}
	d.m.mu.Lock()
	prev, ok := d.m.known[node.Name]
	d.m.mu.Unlock()
	if ok && bytes.Equal(prev, node.Meta) {
		return
	}
	d.m.logger.Debug("Node updated", zap.String("node_id", node.Name))
	if ok {
		d.m.peerDown(node)
	}
	d.m.peerUp(node)
}
