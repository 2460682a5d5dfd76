package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ryandielhenn/zephyrgrid/discovery"
	"github.com/ryandielhenn/zephyrgrid/internal/config"
	"github.com/ryandielhenn/zephyrgrid/internal/telemetry"
	"github.com/ryandielhenn/zephyrgrid/pkg/balancer"
	"github.com/ryandielhenn/zephyrgrid/pkg/channel"
	"github.com/ryandielhenn/zephyrgrid/pkg/fleet"
	"github.com/ryandielhenn/zephyrgrid/pkg/node"
)

// Set with -ldflags "-X main.version=... -X main.gitSHA=...".
var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "zephyrgrid: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// advertised returns the endpoint handed to nodes and agents.
func advertised(cfg *config.Config, local netip.AddrPort) (netip.AddrPort, error) {
	if cfg.Advertise != "" {
		return node.ResolveAddrPort(cfg.Advertise, fmt.Sprint(local.Port()))
	}
	if local.Addr().IsUnspecified() {
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), local.Port()), nil
	}
	return local, nil
}

func run() error {
	fs := pflag.NewFlagSet("zephyrgrid", pflag.ContinueOnError)
	flags := config.AddFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// 1. Configuration: file, environment, flags
	cfg, err := config.Load(flags.Path)
	if err != nil {
		return err
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	fleetCfg, err := cfg.Fleet.Build()
	if err != nil {
		return err
	}

	telemetry.SetBuildInfo(version, gitSHA)

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Message channel
	tr, err := channel.ListenUDP(cfg.Listen)
	if err != nil {
		return err
	}
	ch := channel.New(tr,
		channel.WithLogger(log),
		channel.WithRetry(cfg.Channel.RetryAttempts, cfg.Channel.RetryInterval),
		channel.WithArenaSlots(cfg.Channel.ArenaSlots),
	)
	self, err := advertised(cfg, tr.LocalAddr())
	if err != nil {
		return err
	}

	// 3. Fleet and balancer
	launcher := &fleet.ExecLauncher{Path: cfg.Fleet.NodeBinary, Balancer: self, Log: log}
	fm, err := fleet.New(fleetCfg, ch, launcher, fleet.WithLogger(log))
	if err != nil {
		return err
	}
	svc, err := balancer.New(balancer.Config{
		Tree:          cfg.Tree(),
		AutoProvision: cfg.AutoProvision,
	}, ch, fm, balancer.WithLogger(log))
	if err != nil {
		return err
	}
	launcher.OnExit = svc.NodeExited

	serveErr := make(chan error, 1)
	go func() { serveErr <- ch.Serve(ctx) }()
	log.Info("balancer listening",
		zap.Stringer("udp", tr.LocalAddr()),
		zap.Stringer("advertise", self),
		zap.Int32("world", cfg.World.MaxSize),
		zap.Int("leases", fm.Available()),
	)

	// 4. etcd registration and host announcements
	var closers []func() error
	if len(cfg.Etcd.Endpoints) > 0 {
		cli, err := discovery.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		closers = append(closers, cli.Close)

		regCtx, cancel := context.WithTimeout(ctx, cfg.Etcd.DialTimeout)
		leaseID, keepAlive, err := discovery.RegisterBalancer(regCtx, cli, self, cfg.Etcd.LeaseTTL)
		cancel()
		if err != nil {
			return err
		}
		closers = append(closers, func() error {
			keepAlive()
			rctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := cli.Revoke(rctx, leaseID)
			return err
		})
		err = discovery.WatchHosts(ctx, cli, log, func(mac string) {
			if _, err := fm.MarkPoweredMAC(mac); err != nil {
				log.Warn("etcd host announcement", zap.String("mac", mac), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		log.Info("registered with etcd", zap.Strings("endpoints", cfg.Etcd.Endpoints))
	}

	// 5. Admin HTTP
	var srv *http.Server
	if cfg.Admin != "" {
		srv = &http.Server{
			Addr:              cfg.Admin,
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin http", zap.Error(err))
			}
		}()
		log.Info("admin listening", zap.String("addr", cfg.Admin))
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		log.Error("channel stopped", zap.Error(err))
	}
	log.Info("shutting down")

	var errs error
	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, srv.Shutdown(sctx))
		cancel()
	}
	errs = multierr.Append(errs, ch.Close())
	for i := len(closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, closers[i]())
	}
	return multierr.Append(err, errs)
}
