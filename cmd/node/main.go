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
		fmt.Fprintf(os.Stderr, "zephyrgrid-node: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadNode()
	if err != nil {
		return err
	}
	fs := pflag.NewFlagSet("zephyrgrid-node", pflag.ContinueOnError)
	config.AddNodeFlags(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	lvl, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	log, err := zc.Build()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	telemetry.SetBuildInfo(version, gitSHA)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bal, err := balancerAddr(ctx, cfg)
	if err != nil {
		return err
	}

	tr, err := channel.ListenUDP(cfg.Listen)
	if err != nil {
		return err
	}
	ch := channel.New(tr, channel.WithLogger(log))
	// Serve until Close so NodeShutdown can still be acknowledged after a
	// signal.
	go func() { _ = ch.Serve(context.Background()) }()

	if cfg.Agent {
		err = runAgent(ctx, cfg, ch, bal, log)
	} else {
		err = runNode(ctx, cfg, ch, bal, log)
	}
	return multierr.Append(err, ch.Close())
}

// balancerAddr resolves --balancer, or looks it up in etcd when unset.
func balancerAddr(ctx context.Context, cfg *config.Node) (netip.AddrPort, error) {
	if cfg.Balancer != "" {
		return node.ResolveAddrPort(cfg.Balancer, "5000")
	}
	if len(cfg.EtcdEndpoints) == 0 {
		return netip.AddrPort{}, errors.New("either --balancer or --etcd is required")
	}
	cli, err := discovery.NewClient(cfg.EtcdEndpoints, 5*time.Second)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("etcd client: %w", err)
	}
	defer cli.Close()
	lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return discovery.LookupBalancer(lctx, cli)
}

func runNode(ctx context.Context, cfg *config.Node, ch *channel.Channel, bal netip.AddrPort, log *zap.Logger) error {
	n := node.NewNode(ch, node.Config{
		Balancer:     bal,
		Region:       cfg.Region,
		TickInterval: cfg.TickInterval,
	}, node.WithLogger(log))

	jctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err := n.Join(jctx)
	cancel()
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	var srv *http.Server
	if cfg.HTTP != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", n.Healthz)
		mux.Handle("/info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
		mux.Handle("/metrics", telemetry.MetricsHandler())
		srv = &http.Server{
			Addr:              cfg.HTTP,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("node http", zap.Error(err))
			}
		}()
	}

	err = n.Run(ctx)

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = multierr.Append(err, n.Shutdown(sctx))
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(sctx))
	}
	return err
}

func runAgent(ctx context.Context, cfg *config.Node, ch *channel.Channel, bal netip.AddrPort, log *zap.Logger) error {
	if cfg.MAC == "" {
		return errors.New("--mac is required in agent mode")
	}
	local := ch.LocalAddr()
	ip := local.Addr()
	if ip.IsUnspecified() {
		return errors.New("agent mode needs --listen with the host's address")
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}
	launcher := &fleet.ExecLauncher{Path: self, Balancer: bal, Log: log}
	agent, err := node.NewAgent(ch, bal, cfg.MAC, ip, launcher, log)
	if err != nil {
		return err
	}
	if err := agent.Announce(); err != nil {
		return fmt.Errorf("announce: %w", err)
	}

	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := discovery.NewClient(cfg.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		actx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, keepAlive, err := discovery.AnnounceHost(actx, cli, cfg.MAC, local, 10)
		cancel()
		if err != nil {
			return err
		}
		defer keepAlive()
	}

	log.Info("agent running", zap.String("mac", cfg.MAC), zap.Stringer("udp", local), zap.Stringer("balancer", bal))
	<-ctx.Done()
	return nil
}
