// Package config loads balancer and node configuration.
//
// Values are layered: built-in defaults, then the YAML file named by
// --config (or ZEPHYRGRID_CONFIG), then ZEPHYRGRID_* environment variables,
// then command-line flags that were explicitly set.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/ryandielhenn/zephyrgrid/pkg/fleet"
	"github.com/ryandielhenn/zephyrgrid/pkg/quadtree"
)

// EnvPrefix prefixes every environment variable read by this package.
const EnvPrefix = "ZEPHYRGRID_"

// Config is the balancer configuration.
type Config struct {
	// Listen is the UDP address of the message channel.
	Listen string `yaml:"listen" env:"LISTEN"`
	// Advertise is the endpoint nodes and agents use to reach the
	// balancer. Defaults to Listen with an unspecified host replaced by
	// loopback.
	Advertise string `yaml:"advertise" env:"ADVERTISE"`
	// Admin is the HTTP address of the admin surface. Empty disables it.
	Admin string `yaml:"admin" env:"ADMIN"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// AutoProvision starts a node process for every occupied leaf. A served
	// leaf at its high watermark is split after its node is retired.
	AutoProvision bool `yaml:"auto_provision" env:"AUTO_PROVISION"`

	World   WorldConfig   `yaml:"world" envPrefix:"WORLD_"`
	Channel ChannelConfig `yaml:"channel" envPrefix:"CHANNEL_"`
	Fleet   FleetConfig   `yaml:"fleet" envPrefix:"FLEET_"`
	Etcd    EtcdConfig    `yaml:"etcd" envPrefix:"ETCD_"`
}

type WorldConfig struct {
	X             int32 `yaml:"x" env:"X"`
	Y             int32 `yaml:"y" env:"Y"`
	MaxSize       int32 `yaml:"max_size" env:"MAX_SIZE"`
	MinSize       int32 `yaml:"min_size" env:"MIN_SIZE"`
	HighWatermark int   `yaml:"high_watermark" env:"HIGH_WATERMARK"`
	LowWatermark  int   `yaml:"low_watermark" env:"LOW_WATERMARK"`
}

type ChannelConfig struct {
	RetryAttempts int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryInterval time.Duration `yaml:"retry_interval" env:"RETRY_INTERVAL"`
	ArenaSlots    int           `yaml:"arena_slots" env:"ARENA_SLOTS"`
}

type FleetConfig struct {
	// Hosts only come from the file.
	Hosts []HostConfig `yaml:"hosts"`

	AgentPort     uint16        `yaml:"agent_port" env:"AGENT_PORT"`
	WakeInterval  time.Duration `yaml:"wake_interval" env:"WAKE_INTERVAL"`
	WakeAttempts  int           `yaml:"wake_attempts" env:"WAKE_ATTEMPTS"`
	WakePort      uint16        `yaml:"wake_port" env:"WAKE_PORT"`
	BroadcastAddr string        `yaml:"broadcast_addr" env:"BROADCAST_ADDR"`

	// NodeBinary is the node executable started for local leases.
	NodeBinary string `yaml:"node_binary" env:"NODE_BINARY"`
}

type HostConfig struct {
	MAC          string `yaml:"mac"`
	IP           string `yaml:"ip"`
	MaxProcesses int    `yaml:"max_processes"`
	BasePort     uint16 `yaml:"base_port"`
	Local        bool   `yaml:"local"`
}

type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints" env:"ENDPOINTS" envSeparator:","`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	// LeaseTTL is in seconds.
	LeaseTTL int64 `yaml:"lease_ttl" env:"LEASE_TTL"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Listen:   ":5000",
		Admin:    ":8080",
		LogLevel: "info",
		World: WorldConfig{
			MaxSize:       2048,
			MinSize:       4,
			HighWatermark: 1000,
			LowWatermark:  10,
		},
		Channel: ChannelConfig{
			RetryAttempts: 10,
			RetryInterval: time.Second,
			ArenaSlots:    1024,
		},
		Fleet: FleetConfig{
			AgentPort:     9100,
			WakeInterval:  5 * time.Second,
			WakeAttempts:  10,
			WakePort:      9,
			BroadcastAddr: "255.255.255.255",
			NodeBinary:    "zephyrgrid-node",
		},
		Etcd: EtcdConfig{
			DialTimeout: 5 * time.Second,
			LeaseTTL:    10,
		},
	}
}

// Load reads path (if non-empty) over the defaults and applies the
// process environment.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// load takes the environment as a map so tests need not touch os.Environ.
// A nil map reads the process environment.
func load(path string, environ map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var err error
	if c.Listen == "" {
		err = multierr.Append(err, errors.New("listen address is required"))
	}
	if _, lerr := zapcore.ParseLevel(c.LogLevel); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("log_level: %w", lerr))
	}
	if terr := c.Tree().Validate(); terr != nil {
		err = multierr.Append(err, fmt.Errorf("world: %w", terr))
	}
	if c.Channel.RetryAttempts < 1 {
		err = multierr.Append(err, fmt.Errorf("channel.retry_attempts %d must be at least 1", c.Channel.RetryAttempts))
	}
	if c.Channel.RetryInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("channel.retry_interval %s must be positive", c.Channel.RetryInterval))
	}
	if c.Channel.ArenaSlots < 1 {
		err = multierr.Append(err, fmt.Errorf("channel.arena_slots %d must be at least 1", c.Channel.ArenaSlots))
	}
	if _, ferr := c.Fleet.Build(); ferr != nil {
		err = multierr.Append(err, ferr)
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTL < 1 {
		err = multierr.Append(err, fmt.Errorf("etcd.lease_ttl %d must be at least 1", c.Etcd.LeaseTTL))
	}
	return err
}

// Tree is the quadtree configuration for the world section.
func (c *Config) Tree() quadtree.Config {
	return quadtree.Config{
		X:             c.World.X,
		Y:             c.World.Y,
		MaxSize:       c.World.MaxSize,
		MinSize:       c.World.MinSize,
		HighWatermark: c.World.HighWatermark,
		LowWatermark:  c.World.LowWatermark,
	}
}

// Build parses the fleet section.
func (f FleetConfig) Build() (fleet.Config, error) {
	out := fleet.Config{
		AgentPort:    f.AgentPort,
		WakeInterval: f.WakeInterval,
		WakeAttempts: f.WakeAttempts,
		WakePort:     f.WakePort,
	}
	var err error
	if f.BroadcastAddr != "" {
		b, perr := netip.ParseAddr(f.BroadcastAddr)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("fleet.broadcast_addr: %w", perr))
		}
		out.BroadcastAddr = b
	}
	seen := make(map[string]bool)
	for i, h := range f.Hosts {
		mac, merr := net.ParseMAC(h.MAC)
		if merr != nil {
			err = multierr.Append(err, fmt.Errorf("fleet.hosts[%d].mac: %w", i, merr))
			continue
		}
		if seen[mac.String()] {
			err = multierr.Append(err, fmt.Errorf("fleet.hosts[%d]: duplicate mac %s", i, mac))
			continue
		}
		seen[mac.String()] = true
		ip, ierr := netip.ParseAddr(h.IP)
		if ierr != nil {
			err = multierr.Append(err, fmt.Errorf("fleet.hosts[%d].ip: %w", i, ierr))
			continue
		}
		if h.MaxProcesses < 1 || h.BasePort == 0 {
			err = multierr.Append(err, fmt.Errorf("fleet.hosts[%d]: max_processes and base_port are required", i))
			continue
		}
		out.Hosts = append(out.Hosts, fleet.Host{
			MAC:          mac,
			IP:           ip.Unmap(),
			MaxProcesses: h.MaxProcesses,
			BasePort:     h.BasePort,
			Local:        h.Local,
		})
	}
	if err != nil {
		return fleet.Config{}, err
	}
	return out, nil
}

// Node is the node process configuration. It has no file; the balancer
// starts nodes with flags and operators may set ZEPHYRGRID_NODE_*.
type Node struct {
	Listen       string        `env:"LISTEN"`
	Balancer     string        `env:"BALANCER"`
	Region       uint32        `env:"REGION"`
	HTTP         string        `env:"HTTP"`
	TickInterval time.Duration `env:"TICK_INTERVAL"`
	LogLevel     string        `env:"LOG_LEVEL"`

	// Agent runs the host agent instead of a node.
	Agent bool   `env:"AGENT"`
	MAC   string `env:"MAC"`

	EtcdEndpoints []string `env:"ETCD_ENDPOINTS" envSeparator:","`
}

func DefaultNode() *Node {
	return &Node{
		Listen:       ":7000",
		TickInterval: 50 * time.Millisecond,
		LogLevel:     "info",
	}
}

// LoadNode applies ZEPHYRGRID_NODE_* variables over the node defaults.
func LoadNode() (*Node, error) {
	return loadNode(nil)
}

func loadNode(environ map[string]string) (*Node, error) {
	n := DefaultNode()
	if err := env.ParseWithOptions(n, env.Options{Prefix: EnvPrefix + "NODE_", Environment: environ}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return n, nil
}
