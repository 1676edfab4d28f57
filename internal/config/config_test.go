package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/regs"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "uoe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
uoe:
  node:
    mac: "00:0a:35:01:02:03"
    ip: "192.168.1.10"
    ttl: 32
  filters:
    broadcast: true
    multicast_groups:
      - "239.0.0.1"
      - "239.129.1.2"
  arp:
    timeout: "500ms"
    tryings: 5
    filter_mode: "unicast"
    test_ip_conflict: true
    static_entries:
      - ip: "192.168.1.50"
        mac: "00:0a:35:00:00:50"
  raw:
    dest_mac: "00:0a:35:ff:ff:01"
  engine:
    queue_size: 64
  link:
    type: "pcap"
    options:
      file: "capture.pcap"
  metrics:
    enabled: true
    listen: ":9191"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "00:0a:35:01:02:03", cfg.Node.ParsedMAC.String())
	assert.Equal(t, "192.168.1.10", cfg.Node.ParsedIP.String())
	assert.False(t, cfg.Node.DHCP)
	assert.Equal(t, 32, cfg.Node.TTL)

	assert.True(t, cfg.Filters.Broadcast)
	assert.False(t, cfg.Filters.Multicast)
	require.Len(t, cfg.Filters.ParsedGroups, 2)
	assert.Equal(t, "239.129.1.2", cfg.Filters.ParsedGroups[1].String())

	assert.Equal(t, 500*time.Millisecond, cfg.ARP.ParsedTimeout)
	assert.Equal(t, 5, cfg.ARP.Tryings)
	assert.Equal(t, regs.ARPFilterUnicast, cfg.ARP.ParsedMode)
	assert.True(t, cfg.ARP.TestIPConflict)
	require.Len(t, cfg.ARP.ParsedStatic, 1)
	assert.Equal(t, "192.168.1.50", cfg.ARP.ParsedStatic[0].IP.String())
	assert.Equal(t, "00:0a:35:00:00:50", cfg.ARP.ParsedStatic[0].MAC.String())

	assert.Equal(t, "00:0a:35:ff:ff:01", cfg.Raw.ParsedDestMAC.String())
	assert.Equal(t, 64, cfg.Engine.QueueSize)
	assert.Equal(t, "pcap", cfg.Link.Type)
	assert.Equal(t, "capture.pcap", cfg.Link.Options["file"])
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9191", cfg.Metrics.Listen)
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
uoe:
  node:
    mac: "02:00:00:00:00:01"
    ip: "10.0.0.2"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Node.TTL)
	assert.Equal(t, time.Second, cfg.ARP.ParsedTimeout)
	assert.Equal(t, 3, cfg.ARP.Tryings)
	assert.Equal(t, regs.ARPFilterBroadcast, cfg.ARP.ParsedMode)
	assert.True(t, cfg.ARP.TableEnabled)
	assert.Equal(t, core.BroadcastMAC, cfg.Raw.ParsedDestMAC)
	assert.True(t, cfg.UDP.Checksum)
	assert.Equal(t, 1024, cfg.Engine.QueueSize)
	assert.Equal(t, "pipe", cfg.Link.Type)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9090", cfg.Metrics.Listen)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 4, cfg.Events.Partitions)
	assert.Equal(t, 256, cfg.Events.QueueSize)

	assert.Equal(t, "mac", cfg.SelfTest.Loopback)
	assert.Equal(t, 1000, cfg.SelfTest.Frames)
	assert.Equal(t, 512, cfg.SelfTest.FrameSize)
	assert.Equal(t, 50000, cfg.SelfTest.SrcPort)
	assert.Equal(t, 50001, cfg.SelfTest.DstPort)
	assert.Equal(t, 10*time.Second, cfg.SelfTest.ParsedTimeout)
	assert.Equal(t, cfg.Node.ParsedIP, cfg.SelfTest.ParsedDestIP)
}

func TestLoadDHCPMode(t *testing.T) {
	path := writeConfig(t, `
uoe:
  node:
    mac: "02:00:00:00:00:01"
    ip: "dhcp"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Node.DHCP)
	assert.True(t, cfg.Node.ParsedIP.IsZero())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("UOE_NODE_TTL", "17")
	path := writeConfig(t, `
uoe:
  node:
    mac: "02:00:00:00:00:01"
    ip: "10.0.0.2"
    ttl: 64
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 17, cfg.Node.TTL)
}

func validConfig() *Config {
	return &Config{
		Node: NodeConfig{MAC: "02:00:00:00:00:01", IP: "10.0.0.2"},
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "missing mac",
			mutate:  func(c *Config) { c.Node.MAC = "" },
			wantErr: "node.mac",
		},
		{
			name:    "malformed mac",
			mutate:  func(c *Config) { c.Node.MAC = "not-a-mac" },
			wantErr: "node.mac",
		},
		{
			name:    "multicast mac",
			mutate:  func(c *Config) { c.Node.MAC = "01:00:5e:00:00:01" },
			wantErr: "not a unicast",
		},
		{
			name:    "missing ip",
			mutate:  func(c *Config) { c.Node.IP = "" },
			wantErr: "node.ip",
		},
		{
			name:    "malformed ip",
			mutate:  func(c *Config) { c.Node.IP = "256.1.1.1" },
			wantErr: "node.ip",
		},
		{
			name:    "ttl out of range",
			mutate:  func(c *Config) { c.Node.TTL = 300 },
			wantErr: "node.ttl",
		},
		{
			name:    "arp timeout too long",
			mutate:  func(c *Config) { c.ARP.Timeout = "5s" },
			wantErr: "arp.timeout",
		},
		{
			name:    "arp tryings too many",
			mutate:  func(c *Config) { c.ARP.Tryings = 20 },
			wantErr: "arp.tryings",
		},
		{
			name:    "unknown arp filter mode",
			mutate:  func(c *Config) { c.ARP.FilterMode = "promiscuous" },
			wantErr: "arp.filter_mode",
		},
		{
			name: "too many multicast groups",
			mutate: func(c *Config) {
				c.Filters.MulticastGroups = []string{
					"239.0.0.1", "239.0.0.2", "239.0.0.3", "239.0.0.4", "239.0.0.5",
				}
			},
			wantErr: "at most 4",
		},
		{
			name:    "unicast group address",
			mutate:  func(c *Config) { c.Filters.MulticastGroups = []string{"10.0.0.1"} },
			wantErr: "not a multicast",
		},
		{
			name:    "static mode without entries",
			mutate:  func(c *Config) { c.ARP.FilterMode = "static" },
			wantErr: "static requires",
		},
		{
			name:    "malformed raw dest mac",
			mutate:  func(c *Config) { c.Raw.DestMAC = "zz:zz" },
			wantErr: "raw.dest_mac",
		},
		{
			name:    "unknown link type",
			mutate:  func(c *Config) { c.Link.Type = "carrier-pigeon" },
			wantErr: "link.type",
		},
		{
			name:    "export without brokers",
			mutate:  func(c *Config) { c.Export.Enabled = true; c.Export.Kafka.Topic = "uoe" },
			wantErr: "export.kafka.brokers",
		},
		{
			name: "export without topic",
			mutate: func(c *Config) {
				c.Export.Enabled = true
				c.Export.Kafka.Brokers = []string{"localhost:9092"}
			},
			wantErr: "export.kafka.topic",
		},
		{
			name: "unknown compression codec",
			mutate: func(c *Config) {
				c.Export.Enabled = true
				c.Export.Kafka.Brokers = []string{"localhost:9092"}
				c.Export.Kafka.Topic = "uoe"
				c.Export.Kafka.Compression = "zip"
			},
			wantErr: "compression",
		},
		{
			name:    "unknown loopback switch",
			mutate:  func(c *Config) { c.SelfTest.Loopback = "fiber" },
			wantErr: "selftest.loopback",
		},
		{
			name:    "negative frame count",
			mutate:  func(c *Config) { c.SelfTest.Frames = -1 },
			wantErr: "selftest.frames",
		},
		{
			name:    "oversized test frame",
			mutate:  func(c *Config) { c.SelfTest.FrameSize = 70000 },
			wantErr: "selftest.frame_size",
		},
		{
			name:    "rate limit beyond register width",
			mutate:  func(c *Config) { c.SelfTest.RateLimit = 300 },
			wantErr: "selftest.rate_limit",
		},
		{
			name:    "test port out of range",
			mutate:  func(c *Config) { c.SelfTest.DstPort = 70000 },
			wantErr: "selftest.dst_port",
		},
		{
			name:    "malformed test destination",
			mutate:  func(c *Config) { c.SelfTest.DestIP = "300.0.0.1" },
			wantErr: "selftest.dest_ip",
		},
		{
			name:    "malformed test timeout",
			mutate:  func(c *Config) { c.SelfTest.Timeout = "soon" },
			wantErr: "selftest.timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.ValidateAndApplyDefaults()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadARPTableFile(t *testing.T) {
	dir := t.TempDir()
	tablePath := filepath.Join(dir, "arp.yaml")
	require.NoError(t, os.WriteFile(tablePath, []byte(`
entries:
  - ip: 192.168.1.50
    mac: 00:0a:35:00:00:50
  - ip: 192.168.1.51
    mac: 00:0a:35:00:00:51
`), 0o644))

	cfg := validConfig()
	cfg.ARP.FilterMode = "static"
	cfg.ARP.TableFile = tablePath
	cfg.ARP.StaticEntries = []StaticEntryConfig{{IP: "192.168.1.52", MAC: "00:0a:35:00:00:52"}}

	require.NoError(t, cfg.ValidateAndApplyDefaults())
	require.Len(t, cfg.ARP.ParsedStatic, 3)
	assert.Equal(t, "192.168.1.50", cfg.ARP.ParsedStatic[1].IP.String())
	assert.Equal(t, regs.ARPFilterStaticTable, cfg.ARP.ParsedMode)
}

func TestLoadARPTableFileMissing(t *testing.T) {
	_, err := LoadARPTable(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadARPTableFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("entries: {not a list"), 0o644))
	_, err := LoadARPTable(path)
	assert.Error(t, err)
}
