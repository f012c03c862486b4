package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrring/discovery"
	"github.com/ryandielhenn/zephyrring/pkg/gossip"
	"github.com/ryandielhenn/zephyrring/pkg/hashring"
	"github.com/ryandielhenn/zephyrring/pkg/node"
	"github.com/ryandielhenn/zephyrring/pkg/ring"
)

const (
	ProviderMemberlist = "memberlist"
	ProviderEtcd       = "etcd"
)

// NodeConfig holds the identity and client-facing address of this process
type NodeConfig struct {
	// ID overrides the membership identity. Memberlist defaults to
	// host:port of the gossip address.
	ID       string `yaml:"id"`
	HTTPAddr string `yaml:"http_addr"`
	// AdvertiseHTTP is the address peers use to forward requests here.
	AdvertiseHTTP string `yaml:"advertise_http"`
	// CacheBytes caps the local key value store.
	CacheBytes int64 `yaml:"cache_bytes"`
}

// RingConfig holds consistent hashing configuration
type RingConfig struct {
	Name          string            `yaml:"name"`
	ReplicaPoints int               `yaml:"replica_points"`
	Client        bool              `yaml:"client"`
	Hash          string            `yaml:"hash"`
	Tags          map[string]string `yaml:"tags"`
}

// MembershipConfig holds gossip protocol configuration
type MembershipConfig struct {
	Provider       string        `yaml:"provider"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	AdvertiseAddr  string        `yaml:"advertise_addr"`
	AdvertisePort  int           `yaml:"advertise_port"`
	Seeds          []string      `yaml:"seeds"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	LeaveTimeout   time.Duration `yaml:"leave_timeout"`
}

// EtcdConfig holds etcd discovery configuration
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of a ring node
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Ring       RingConfig       `yaml:"ring"`
	Membership MembershipConfig `yaml:"membership"`
	Etcd       EtcdConfig       `yaml:"etcd"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	setDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.HTTPAddr == "" {
		cfg.Node.HTTPAddr = ":8080"
	}
	if cfg.Node.CacheBytes == 0 {
		cfg.Node.CacheBytes = 64 << 20
	}

	if cfg.Ring.Name == "" {
		cfg.Ring.Name = hashring.DefaultRingName
	}
	if cfg.Ring.ReplicaPoints == 0 {
		cfg.Ring.ReplicaPoints = hashring.DefaultReplicaPoints
	}
	if cfg.Ring.Hash == "" {
		cfg.Ring.Hash = "farm"
	}

	if cfg.Membership.Provider == "" {
		cfg.Membership.Provider = ProviderMemberlist
	}
	if cfg.Membership.BindAddr == "" {
		cfg.Membership.BindAddr = "0.0.0.0"
	}
	if cfg.Membership.BindPort == 0 {
		cfg.Membership.BindPort = 7946
	}
	if cfg.Membership.LeaveTimeout == 0 {
		cfg.Membership.LeaveTimeout = 5 * time.Second
	}

	if cfg.Etcd.Prefix == "" {
		cfg.Etcd.Prefix = discovery.DefaultPrefix
	}
	if cfg.Etcd.LeaseTTL == 0 {
		cfg.Etcd.LeaseTTL = discovery.DefaultLeaseTTL
	}
	if cfg.Etcd.DialTimeout == 0 {
		cfg.Etcd.DialTimeout = discovery.DefaultDialTimeout
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Ring.ReplicaPoints < 1 {
		return errors.New("ring.replica_points must be positive")
	}
	if _, err := ring.HasherByName(c.Ring.Hash); err != nil {
		return errors.Wrap(err, "ring.hash")
	}
	if c.Membership.BindPort < 0 || c.Membership.BindPort > 65535 {
		return errors.New("membership.bind_port must be between 0 and 65535")
	}
	switch c.Membership.Provider {
	case ProviderMemberlist:
	case ProviderEtcd:
		if c.Node.ID == "" {
			return errors.New("node.id is required with the etcd provider")
		}
		if len(c.Etcd.Endpoints) == 0 {
			return errors.New("etcd.endpoints is required with the etcd provider")
		}
	default:
		return errors.Errorf("membership.provider must be %q or %q, got %q",
			ProviderMemberlist, ProviderEtcd, c.Membership.Provider)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return errors.Wrap(err, "logging.level")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return errors.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// Logger builds the process logger described by the logging section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, errors.Wrap(err, "logging.level")
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// HashringConfig maps the ring section onto the library configuration. The
// advertised HTTP address is published under node.TagHTTP so peers can forward
// requests to this node.
func (c *Config) HashringConfig(logger *zap.Logger) (hashring.Config, error) {
	hash, err := ring.HasherByName(c.Ring.Hash)
	if err != nil {
		return hashring.Config{}, err
	}
	tags := make(map[string]string, len(c.Ring.Tags)+1)
	for k, v := range c.Ring.Tags {
		tags[k] = v
	}
	if c.Node.AdvertiseHTTP != "" {
		tags[node.TagHTTP] = c.Node.AdvertiseHTTP
	}
	return hashring.Config{
		RingName:      c.Ring.Name,
		ReplicaPoints: c.Ring.ReplicaPoints,
		Tags:          tags,
		Client:        c.Ring.Client,
		Hash:          hash,
		Logger:        logger,
	}, nil
}

func (c *Config) MemberlistConfig() gossip.MemberlistConfig {
	return gossip.MemberlistConfig{
		Name:           c.Node.ID,
		BindAddr:       c.Membership.BindAddr,
		BindPort:       c.Membership.BindPort,
		AdvertiseAddr:  c.Membership.AdvertiseAddr,
		AdvertisePort:  c.Membership.AdvertisePort,
		Seeds:          c.Membership.Seeds,
		GossipInterval: c.Membership.GossipInterval,
		ProbeInterval:  c.Membership.ProbeInterval,
		ProbeTimeout:   c.Membership.ProbeTimeout,
		LeaveTimeout:   c.Membership.LeaveTimeout,
	}
}

func (c *Config) EtcdConfig() discovery.EtcdConfig {
	return discovery.EtcdConfig{
		ID:          c.Node.ID,
		Endpoints:   c.Etcd.Endpoints,
		Prefix:      c.Etcd.Prefix,
		LeaseTTL:    c.Etcd.LeaseTTL,
		DialTimeout: c.Etcd.DialTimeout,
	}
}
