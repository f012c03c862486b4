package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrring/discovery"
	"github.com/ryandielhenn/zephyrring/internal/config"
	"github.com/ryandielhenn/zephyrring/internal/telemetry"
	"github.com/ryandielhenn/zephyrring/pkg/gossip"
	"github.com/ryandielhenn/zephyrring/pkg/hashring"
	"github.com/ryandielhenn/zephyrring/pkg/kv"
	"github.com/ryandielhenn/zephyrring/pkg/node"
)

// set with -ldflags "-X main.version=... -X main.gitSHA=..."
var (
	version = "dev"
	gitSHA  = "unknown"
)

type flags struct {
	configPath    string
	id            string
	httpAddr      string
	advertiseHTTP string
	ringName      string
	replicaPoints int
	client        bool
	hash          string
	provider      string
	bindAddr      string
	bindPort      int
	seeds         []string
	etcdEndpoints []string
	logLevel      string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	return newRootCmdWith(f, func(cmd *cobra.Command) error {
		cfg, err := loadConfig(cmd, f)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	})
}

// newRootCmdWith binds the flags to f and calls action once they are parsed.
func newRootCmdWith(f *flags, action func(cmd *cobra.Command) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "zephyr-server",
		Short:         "Run a key value node on a consistent hashing ring",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return action(cmd)
		},
	}
	cmd.Flags().SortFlags = false

	cmd.Flags().StringVarP(&f.configPath, "config", "c", os.Getenv("CONFIG_PATH"), "YAML config file")
	cmd.Flags().StringVar(&f.id, "id", "", "Member id (memberlist defaults to host:port)")
	cmd.Flags().StringVar(&f.httpAddr, "http-addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&f.advertiseHTTP, "advertise-http", "", "HTTP address peers forward requests to")
	cmd.Flags().StringVar(&f.ringName, "ring", "", "Ring name")
	cmd.Flags().IntVar(&f.replicaPoints, "replica-points", 0, "Virtual points per peer")
	cmd.Flags().BoolVar(&f.client, "client", false, "Join as a client that owns no keys")
	cmd.Flags().StringVar(&f.hash, "hash", "", "Hash function: farm, xxh3 or fnv")
	cmd.Flags().StringVar(&f.provider, "provider", "", "Membership provider: memberlist or etcd")
	cmd.Flags().StringVar(&f.bindAddr, "bind-addr", "", "Gossip bind address")
	cmd.Flags().IntVar(&f.bindPort, "bind-port", 0, "Gossip bind port")
	cmd.Flags().StringSliceVar(&f.seeds, "seeds", nil, "Gossip seed addresses")
	cmd.Flags().StringSliceVar(&f.etcdEndpoints, "etcd-endpoints", nil, "etcd endpoints")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level")
	return cmd
}

// loadConfig reads the config file, if any, and lets explicitly set flags
// override it.
func loadConfig(cmd *cobra.Command, f *flags) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(f.configPath); err != nil {
			return nil, err
		}
	}

	set := cmd.Flags().Changed
	if set("id") {
		cfg.Node.ID = f.id
	}
	if set("http-addr") {
		cfg.Node.HTTPAddr = f.httpAddr
	}
	if set("advertise-http") {
		cfg.Node.AdvertiseHTTP = f.advertiseHTTP
	}
	if set("ring") {
		cfg.Ring.Name = f.ringName
	}
	if set("replica-points") {
		cfg.Ring.ReplicaPoints = f.replicaPoints
	}
	if set("client") {
		cfg.Ring.Client = f.client
	}
	if set("hash") {
		cfg.Ring.Hash = f.hash
	}
	if set("provider") {
		cfg.Membership.Provider = f.provider
	}
	if set("bind-addr") {
		cfg.Membership.BindAddr = f.bindAddr
	}
	if set("bind-port") {
		cfg.Membership.BindPort = f.bindPort
	}
	if set("seeds") {
		cfg.Membership.Seeds = f.seeds
	}
	if set("etcd-endpoints") {
		cfg.Etcd.Endpoints = f.etcdEndpoints
	}
	if set("log-level") {
		cfg.Logging.Level = f.logLevel
	}

	if cfg.Node.AdvertiseHTTP == "" {
		cfg.Node.AdvertiseHTTP = advertiseAddr(cfg.Node.HTTPAddr)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// advertiseAddr fills in the hostname when the listen address has no host.
func advertiseAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if h, err := os.Hostname(); err == nil {
			host = h
		}
	}
	return net.JoinHostPort(host, port)
}

func newMembership(cfg *config.Config, logger *zap.Logger) (gossip.Membership, error) {
	switch cfg.Membership.Provider {
	case config.ProviderEtcd:
		return discovery.NewEtcd(cfg.EtcdConfig(), logger.Named("etcd"))
	default:
		return gossip.NewMemberlist(cfg.MemberlistConfig(), logger.Named("gossip")), nil
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	if _, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Infof)); err != nil {
		logger.Warn("Failed to set GOMAXPROCS", zap.Error(err))
	}
	telemetry.SetBuildInfo(version, gitSHA)

	logger.Info("Configuration loaded",
		zap.String("ring", cfg.Ring.Name),
		zap.String("provider", cfg.Membership.Provider),
		zap.String("http_addr", cfg.Node.HTTPAddr),
		zap.String("advertise_http", cfg.Node.AdvertiseHTTP))

	m, err := newMembership(cfg, logger)
	if err != nil {
		return errors.Wrap(err, "membership")
	}
	hc, err := cfg.HashringConfig(logger.Named("ring"))
	if err != nil {
		return err
	}
	r, err := hashring.New(m, hc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n := node.NewNode(kv.NewStore(int(cfg.Node.CacheBytes)), r, cfg.Node.AdvertiseHTTP, logger.Named("node"))
	watching := n.Watch(ctx)
	if err := r.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", n.Handler())
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, telemetry.MetricsHandler())
	}
	srv := &http.Server{Addr: cfg.Node.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Node listening", zap.String("addr", cfg.Node.HTTPAddr), zap.String("id", r.Whoami()))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		logger.Error("HTTP server stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Membership.LeaveTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	if err := r.Close(shutdownCtx); err != nil {
		logger.Warn("Leaving ring", zap.Error(err))
	}
	stop()
	<-watching

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
