package config

import (
	"os"

	"github.com/spf13/pflag"
)

// Flags holds command-line overrides for the balancer. Only flags the user
// actually set are applied, so file and environment values survive.
type Flags struct {
	fs *pflag.FlagSet

	Path          string
	listen        string
	admin         string
	logLevel      string
	autoProvision bool
	etcd          []string
	maxSize       int32
	minSize       int32
	high          int
	low           int
}

// AddFlags registers the balancer flags on fs.
func AddFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{fs: fs}
	fs.StringVarP(&f.Path, "config", "c", os.Getenv(EnvPrefix+"CONFIG"), "path to the YAML config file")
	fs.StringVar(&f.listen, "listen", "", "UDP listen address")
	fs.StringVar(&f.admin, "admin", "", "admin HTTP address (empty string disables)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&f.autoProvision, "auto-provision", false, "start node processes for dynamic splits")
	fs.StringSliceVar(&f.etcd, "etcd", nil, "etcd endpoints")
	fs.Int32Var(&f.maxSize, "world-size", 0, "side of the world square in cells")
	fs.Int32Var(&f.minSize, "min-size", 0, "smallest region side in cells")
	fs.IntVar(&f.high, "high-watermark", 0, "occupants that trigger a split (0 disables)")
	fs.IntVar(&f.low, "low-watermark", 0, "occupants at or below which children merge")
	return f
}

// Apply copies the flags that were set onto c.
func (f *Flags) Apply(c *Config) {
	set := func(name string) bool { return f.fs.Changed(name) }
	if set("listen") {
		c.Listen = f.listen
	}
	if set("admin") {
		c.Admin = f.admin
	}
	if set("log-level") {
		c.LogLevel = f.logLevel
	}
	if set("auto-provision") {
		c.AutoProvision = f.autoProvision
	}
	if set("etcd") {
		c.Etcd.Endpoints = f.etcd
	}
	if set("world-size") {
		c.World.MaxSize = f.maxSize
	}
	if set("min-size") {
		c.World.MinSize = f.minSize
	}
	if set("high-watermark") {
		c.World.HighWatermark = f.high
	}
	if set("low-watermark") {
		c.World.LowWatermark = f.low
	}
}

// AddNodeFlags registers the node flags on fs, defaulting to n's values.
func AddNodeFlags(fs *pflag.FlagSet, n *Node) {
	fs.StringVar(&n.Listen, "listen", n.Listen, "UDP listen address")
	fs.StringVar(&n.Balancer, "balancer", n.Balancer, "balancer UDP address (looked up in etcd when empty)")
	fs.Uint32Var(&n.Region, "region", n.Region, "region this process was started for (0 accepts any)")
	fs.StringVar(&n.HTTP, "http", n.HTTP, "health HTTP address (empty disables)")
	fs.DurationVar(&n.TickInterval, "tick", n.TickInterval, "simulation tick interval")
	fs.StringVar(&n.LogLevel, "log-level", n.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&n.Agent, "agent", n.Agent, "run as host agent instead of a node")
	fs.StringVar(&n.MAC, "mac", n.MAC, "this host's MAC address (agent mode)")
	fs.StringSliceVar(&n.EtcdEndpoints, "etcd", n.EtcdEndpoints, "etcd endpoints")
}
