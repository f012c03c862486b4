// Package discovery provides membership sources that rely on an external
// coordination service instead of gossip.
package discovery

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrring/internal/mailbox"
	"github.com/ryandielhenn/zephyrring/pkg/gossip"
)

const (
	DefaultPrefix      = "/zephyr/nodes"
	DefaultLeaseTTL    = 10 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

var ErrLeaseLost = errors.New("etcd lease keepalive stopped")

type EtcdConfig struct {
	// ID is the member identity and the last element of its key.
	ID          string
	Endpoints   []string
	Prefix      string
	LeaseTTL    time.Duration
	DialTimeout time.Duration
}

func (c *EtcdConfig) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	c.Prefix = strings.TrimSuffix(c.Prefix, "/")
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
}

func (c EtcdConfig) validate() error {
	if c.ID == "" {
		return errors.New("etcd membership needs a member id")
	}
	if strings.Contains(c.ID, "/") {
		return errors.Errorf("member id %q must not contain '/'", c.ID)
	}
	return nil
}

// Etcd is a gossip.Membership where every member holds a key under a shared
// prefix, bound to a lease it keeps alive. Peers appear when their key is put
// and disappear when it is deleted or their lease expires.
type Etcd struct {
	cfg        EtcdConfig
	logger     *zap.Logger
	cli        *clientv3.Client
	ownsClient bool
	box        *mailbox.Mailbox[gossip.Event]

	mu     sync.Mutex
	joined bool
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	wg     sync.WaitGroup
	known  map[string][]byte // peer id -> last seen meta
}

// NewEtcd dials the configured endpoints. The client is closed by Leave.
func NewEtcd(cfg EtcdConfig, logger *zap.Logger) (*Etcd, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd membership needs at least one endpoint")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create etcd client")
	}
	e := newEtcd(cfg, cli, logger)
	e.ownsClient = true
	return e, nil
}

// NewEtcdWithClient uses an existing client, which the caller keeps owning.
func NewEtcdWithClient(cli *clientv3.Client, cfg EtcdConfig, logger *zap.Logger) (*Etcd, error) {
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newEtcd(cfg, cli, logger), nil
}

func newEtcd(cfg EtcdConfig, cli *clientv3.Client, logger *zap.Logger) *Etcd {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Etcd{
		cfg:    cfg,
		logger: logger.With(zap.String("member", cfg.ID)),
		cli:    cli,
		box:    mailbox.New[gossip.Event](),
		known:  make(map[string][]byte),
	}
}

// Join registers the member key under a fresh lease, announces the members
// already registered and then follows the prefix for changes.
func (e *Etcd) Join(ctx context.Context, meta []byte) error {
	e.mu.Lock()
	if e.joined || e.lease != 0 {
		e.mu.Unlock()
		return gossip.ErrAlreadyJoined
	}
	e.joined = true
	e.mu.Unlock()
	if err := e.register(ctx, meta); err != nil {
		e.mu.Lock()
		e.joined = false
		e.mu.Unlock()
		return err
	}
	return nil
}

func (e *Etcd) register(ctx context.Context, meta []byte) error {
	ttl := int64(e.cfg.LeaseTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := e.cli.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "grant lease")
	}
	if _, err := e.cli.Put(ctx, memberKey(e.cfg.Prefix, e.cfg.ID), string(meta), clientv3.WithLease(lease.ID)); err != nil {
		return multierr.Append(errors.Wrap(err, "register member"), e.revoke(lease.ID))
	}
	resp, err := e.cli.Get(ctx, e.cfg.Prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return multierr.Append(errors.Wrap(err, "list members"), e.revoke(lease.ID))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	keepalive, err := e.cli.KeepAlive(loopCtx, lease.ID)
	if err != nil {
		cancel()
		return multierr.Append(errors.Wrap(err, "keep lease alive"), e.revoke(lease.ID))
	}

	e.mu.Lock()
	e.lease = lease.ID
	e.cancel = cancel
	e.mu.Unlock()
	e.box.Put(gossip.Event{Type: gossip.EventUp, Host: e.cfg.ID, Meta: bytes.Clone(meta)})
	for _, kv := range resp.Kvs {
		e.apply(&clientv3.Event{Type: mvccpb.PUT, Kv: kv})
	}

	watch := e.cli.Watch(loopCtx, e.cfg.Prefix+"/",
		clientv3.WithPrefix(),
		clientv3.WithRev(resp.Header.Revision+1),
		clientv3.WithPrevKV())

	e.wg.Add(2)
	go e.keepAlive(loopCtx, keepalive)
	go e.watch(loopCtx, watch)

	e.logger.Info("Registered with etcd",
		zap.String("key", memberKey(e.cfg.Prefix, e.cfg.ID)),
		zap.Int64("lease", int64(lease.ID)),
		zap.Int("members", len(resp.Kvs)))
	return nil
}

func (e *Etcd) Whoami() string {
	return e.cfg.ID
}

func (e *Etcd) Events() <-chan gossip.Event {
	return e.box.C()
}

// Leave revokes the lease, which deletes the member key for every watcher,
// and closes Events.
func (e *Etcd) Leave(ctx context.Context) error {
	e.mu.Lock()
	lease, cancel := e.lease, e.cancel
	e.cancel = nil
	e.mu.Unlock()

	var err error
	if cancel != nil {
		cancel()
		e.wg.Wait()
		err = e.revokeCtx(ctx, lease)
	}
	if e.ownsClient {
		err = multierr.Append(err, errors.Wrap(e.cli.Close(), "close etcd client"))
	}
	e.box.Close()
	return err
}

func (e *Etcd) keepAlive(ctx context.Context, ch <-chan *clientv3.LeaseKeepAliveResponse) {
	defer e.wg.Done()
	for range ch {
	}
	if ctx.Err() == nil {
		e.logger.Warn("Lease keepalive stopped")
		e.box.Put(gossip.Event{Type: gossip.EventError, Host: e.cfg.ID, Err: ErrLeaseLost})
	}
}

func (e *Etcd) watch(ctx context.Context, ch clientv3.WatchChan) {
	defer e.wg.Done()
	for resp := range ch {
		if err := resp.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Warn("Watch failed", zap.Error(err))
			e.box.Put(gossip.Event{Type: gossip.EventError, Host: e.cfg.ID, Err: errors.Wrap(err, "watch members")})
			continue
		}
		for _, ev := range resp.Events {
			e.apply(ev)
		}
	}
}

// apply turns one key change under the prefix into membership events.
func (e *Etcd) apply(ev *clientv3.Event) {
	id, ok := memberID(e.cfg.Prefix, string(ev.Kv.Key))
	if !ok || id == e.cfg.ID {
		return
	}

	e.mu.Lock()
	prev, known := e.known[id]
	switch ev.Type {
	case mvccpb.PUT:
		e.known[id] = bytes.Clone(ev.Kv.Value)
	case mvccpb.DELETE:
		delete(e.known, id)
	}
	e.mu.Unlock()

	switch ev.Type {
	case mvccpb.PUT:
		if known && bytes.Equal(prev, ev.Kv.Value) {
			return
		}
		if known {
			e.box.Put(gossip.Event{Type: gossip.EventPeerDown, Host: id, Meta: prev})
		}
		e.logger.Info("Node joined", zap.String("node_id", id))
		e.box.Put(gossip.Event{Type: gossip.EventPeerUp, Host: id, Meta: bytes.Clone(ev.Kv.Value)})
	case mvccpb.DELETE:
		meta := prev
		if !known {
			if ev.PrevKv == nil {
				return
			}
			meta = bytes.Clone(ev.PrevKv.Value)
		}
		e.logger.Info("Node left", zap.String("node_id", id))
		e.box.Put(gossip.Event{Type: gossip.EventPeerDown, Host: id, Meta: meta})
	}
}

func (e *Etcd) revoke(id clientv3.LeaseID) error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DialTimeout)
	defer cancel()
	return e.revokeCtx(ctx, id)
}

func (e *Etcd) revokeCtx(ctx context.Context, id clientv3.LeaseID) error {
	_, err := e.cli.Revoke(ctx, id)
	return errors.Wrap(err, "revoke lease")
}

func memberKey(prefix, id string) string {
	return prefix + "/" + id
}

// memberID extracts the member id from a key directly under prefix.
func memberID(prefix, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, prefix+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
