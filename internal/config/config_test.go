package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zephyrgrid.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.World.MaxSize != 2048 || cfg.World.MinSize != 4 {
		t.Errorf("expected 2048/4 world, got %d/%d", cfg.World.MaxSize, cfg.World.MinSize)
	}
}

func TestLoadLayersFileThenEnv(t *testing.T) {
	path := writeFile(t, `
listen: ":6000"
auto_provision: true
world:
  max_size: 1024
  min_size: 8
  high_watermark: 50
  low_watermark: 5
channel:
  retry_interval: 250ms
fleet:
  wake_interval: 2s
  hosts:
    - mac: "02:00:00:00:00:01"
      ip: 127.0.0.1
      max_processes: 4
      base_port: 7000
      local: true
    - mac: "02:00:00:00:00:02"
      ip: 192.168.1.20
      max_processes: 2
      base_port: 8000
etcd:
  endpoints: [http://etcd:2379]
`)
	cfg, err := load(path, map[string]string{
		"ZEPHYRGRID_LISTEN":               ":6100",
		"ZEPHYRGRID_WORLD_HIGH_WATERMARK": "80",
		"ZEPHYRGRID_CHANNEL_ARENA_SLOTS":  "64",
		"ZEPHYRGRID_ETCD_ENDPOINTS":       "http://a:2379,http://b:2379",
	})
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":6100", cfg.Listen)
	assert.True(t, cfg.AutoProvision)
	assert.Equal(t, int32(1024), cfg.World.MaxSize)
	assert.Equal(t, 80, cfg.World.HighWatermark)
	assert.Equal(t, 5, cfg.World.LowWatermark)
	assert.Equal(t, 250*time.Millisecond, cfg.Channel.RetryInterval)
	assert.Equal(t, 64, cfg.Channel.ArenaSlots)
	assert.Equal(t, 10, cfg.Channel.RetryAttempts)
	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.Etcd.Endpoints)

	fc, err := cfg.Fleet.Build()
	require.NoError(t, err)
	require.Len(t, fc.Hosts, 2)
	assert.Equal(t, "02:00:00:00:00:01", fc.Hosts[0].MAC.String())
	assert.True(t, fc.Hosts[0].Local)
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), fc.Hosts[1].IP)
	assert.Equal(t, 2*time.Second, fc.WakeInterval)
	assert.Equal(t, netip.MustParseAddr("255.255.255.255"), fc.BroadcastAddr)

	tc := cfg.Tree()
	assert.Equal(t, int32(8), tc.MinSize)
	assert.Equal(t, 80, tc.HighWatermark)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), map[string]string{})
	assert.Error(t, err)
}

func TestLoadBadEnv(t *testing.T) {
	_, err := load("", map[string]string{"ZEPHYRGRID_WORLD_MAX_SIZE": "big"})
	assert.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Listen = ""
	cfg.LogLevel = "loud"
	cfg.World.MaxSize = 100
	cfg.Channel.RetryAttempts = 0
	cfg.Fleet.Hosts = []HostConfig{
		{MAC: "nope", IP: "127.0.0.1", MaxProcesses: 1, BasePort: 7000},
		{MAC: "02:00:00:00:00:01", IP: "127.0.0.1", MaxProcesses: 1, BasePort: 7000},
		{MAC: "02-00-00-00-00-01", IP: "127.0.0.1", MaxProcesses: 1, BasePort: 7000},
		{MAC: "02:00:00:00:00:03", IP: "not-an-ip", MaxProcesses: 1, BasePort: 7000},
		{MAC: "02:00:00:00:00:04", IP: "127.0.0.1"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	// listen, log level, world, retries, and four bad hosts.
	assert.Len(t, multierr.Errors(err), 8)
}

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f := AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", "/etc/zg.yaml", "--admin", "", "--high-watermark", "12", "--etcd", "http://x:2379"}))

	cfg := Default()
	cfg.Listen = ":6000"
	f.Apply(cfg)

	assert.Equal(t, "/etc/zg.yaml", f.Path)
	assert.Equal(t, ":6000", cfg.Listen)
	assert.Empty(t, cfg.Admin)
	assert.Equal(t, 12, cfg.World.HighWatermark)
	assert.Equal(t, 10, cfg.World.LowWatermark)
	assert.Equal(t, []string{"http://x:2379"}, cfg.Etcd.Endpoints)
}

func TestNodeEnvAndFlags(t *testing.T) {
	n, err := loadNode(map[string]string{
		"ZEPHYRGRID_NODE_BALANCER": "10.0.0.1:5000",
		"ZEPHYRGRID_NODE_REGION":   "7",
	})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:5000", n.Balancer)
	assert.Equal(t, 50*time.Millisecond, n.TickInterval)

	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	AddNodeFlags(fs, n)
	require.NoError(t, fs.Parse([]string{"--listen", "127.0.0.1:7003", "--region", "9"}))
	assert.Equal(t, "127.0.0.1:7003", n.Listen)
	assert.Equal(t, uint32(9), n.Region)
	assert.Equal(t, "10.0.0.1:5000", n.Balancer)
}
