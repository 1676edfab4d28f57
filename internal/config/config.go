package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/regs"
)

// Config is the root of the engine configuration tree. The file keys
// live under a top-level "uoe" block so a single YAML file can be shared
// with other services.
type Config struct {
	Node     NodeConfig     `mapstructure:"node"`
	Filters  FiltersConfig  `mapstructure:"filters"`
	ARP      ARPConfig      `mapstructure:"arp"`
	Raw      RawConfig      `mapstructure:"raw"`
	UDP      UDPConfig      `mapstructure:"udp"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Link     LinkConfig     `mapstructure:"link"`
	SelfTest SelfTestConfig `mapstructure:"selftest"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
	Events   EventsConfig   `mapstructure:"events"`
	Log      *log.Config    `mapstructure:"log"`
}

type configRoot struct {
	UOE Config `mapstructure:"uoe"`
}

// NodeConfig identifies the local endpoint. IP may be a dotted quad or
// the literal string "dhcp", in which case the address is acquired at
// runtime and the engine starts with an unconfigured IP layer.
type NodeConfig struct {
	MAC string `mapstructure:"mac"`
	IP  string `mapstructure:"ip"`
	TTL int    `mapstructure:"ttl"`

	ParsedMAC core.MACAddr  `mapstructure:"-"`
	ParsedIP  core.IPv4Addr `mapstructure:"-"`
	DHCP      bool          `mapstructure:"-"`
}

// FiltersConfig mirrors the MAC destination filter register: a true
// value discards the corresponding traffic class.
type FiltersConfig struct {
	Broadcast       bool     `mapstructure:"broadcast"`
	Multicast       bool     `mapstructure:"multicast"`
	Unicast         bool     `mapstructure:"unicast"`
	MulticastGroups []string `mapstructure:"multicast_groups"`

	ParsedGroups []core.IPv4Addr `mapstructure:"-"`
}

// ARPConfig tunes the resolver. Timeout is a duration string but must
// fit the 12-bit millisecond field of the configuration register.
type ARPConfig struct {
	Timeout        string              `mapstructure:"timeout"`
	Tryings        int                 `mapstructure:"tryings"`
	FilterMode     string              `mapstructure:"filter_mode"`
	TestIPConflict bool                `mapstructure:"test_ip_conflict"`
	TableEnabled   bool                `mapstructure:"table_enabled"`
	TableFile      string              `mapstructure:"table_file"`
	StaticEntries  []StaticEntryConfig `mapstructure:"static_entries"`

	ParsedTimeout time.Duration      `mapstructure:"-"`
	ParsedMode    regs.ARPFilterMode `mapstructure:"-"`
	ParsedStatic  []StaticEntry      `mapstructure:"-"`
}

// StaticEntryConfig is one preloaded ARP binding as written in YAML.
type StaticEntryConfig struct {
	IP  string `mapstructure:"ip" yaml:"ip"`
	MAC string `mapstructure:"mac" yaml:"mac"`
}

// StaticEntry is a validated ARP binding.
type StaticEntry struct {
	IP  core.IPv4Addr
	MAC core.MACAddr
}

type RawConfig struct {
	DestMAC string `mapstructure:"dest_mac"`

	ParsedDestMAC core.MACAddr `mapstructure:"-"`
}

type UDPConfig struct {
	Checksum bool `mapstructure:"checksum"`
}

type EngineConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// LinkConfig selects the frame transport. Options are decoded by the
// chosen driver itself, so new drivers do not grow this struct.
type LinkConfig struct {
	Type    string                 `mapstructure:"type"`
	Options map[string]interface{} `mapstructure:"options"`
}

// SelfTestConfig parameterizes a loopback self-test run: traffic
// volume, frame sizing and pacing for the generator, the UDP endpoint
// it targets, and which loopback switch closes the loop. DestIP
// defaults to the node address, which is the only destination the RX
// path accepts back on a MAC-level loop.
type SelfTestConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Loopback   string `mapstructure:"loopback"` // "mac" or "udp"
	Frames     int    `mapstructure:"frames"`
	FrameSize  int    `mapstructure:"frame_size"`
	RandomSize bool   `mapstructure:"random_size"`
	RateLimit  int    `mapstructure:"rate_limit"` // Mbit/s, 0 = unthrottled
	SrcPort    int    `mapstructure:"src_port"`
	DstPort    int    `mapstructure:"dst_port"`
	DestIP     string `mapstructure:"dest_ip"`
	Timeout    string `mapstructure:"timeout"`

	ParsedDestIP  core.IPv4Addr `mapstructure:"-"`
	ParsedTimeout time.Duration `mapstructure:"-"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

type ExportConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Kafka   KafkaExportConfig `mapstructure:"kafka"`
}

type KafkaExportConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
	Compression  string   `mapstructure:"compression"`
}

type EventsConfig struct {
	Partitions int `mapstructure:"partitions"`
	QueueSize  int `mapstructure:"queue_size"`
}

const (
	defaultTTL        = 64
	defaultARPTimeout = "1s"
	defaultARPTryings = 3
	defaultQueueSize  = 1024
	maxMulticastSlots = 4

	defaultTestFrames    = 1000
	defaultTestFrameSize = 512
	defaultTestSrcPort   = 50000
	defaultTestDstPort   = 50001
	defaultTestTimeout   = "10s"

	// maxUDPPayload is the largest payload one UDP datagram can carry
	// within a 65535-byte IPv4 packet.
	maxUDPPayload = 65507
)

// Load reads the YAML file at path, applies environment overrides
// (UOE_NODE_MAC and friends) and returns a validated configuration.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := &root.UOE
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("uoe.node.ttl", defaultTTL)
	v.SetDefault("uoe.filters.broadcast", false)
	v.SetDefault("uoe.filters.multicast", false)
	v.SetDefault("uoe.filters.unicast", false)
	v.SetDefault("uoe.arp.timeout", defaultARPTimeout)
	v.SetDefault("uoe.arp.tryings", defaultARPTryings)
	v.SetDefault("uoe.arp.filter_mode", "broadcast")
	v.SetDefault("uoe.arp.table_enabled", true)
	v.SetDefault("uoe.raw.dest_mac", core.BroadcastMAC.String())
	v.SetDefault("uoe.udp.checksum", true)
	v.SetDefault("uoe.engine.queue_size", defaultQueueSize)
	v.SetDefault("uoe.link.type", "pipe")
	v.SetDefault("uoe.selftest.loopback", "mac")
	v.SetDefault("uoe.selftest.frames", defaultTestFrames)
	v.SetDefault("uoe.selftest.frame_size", defaultTestFrameSize)
	v.SetDefault("uoe.selftest.src_port", defaultTestSrcPort)
	v.SetDefault("uoe.selftest.dst_port", defaultTestDstPort)
	v.SetDefault("uoe.selftest.timeout", defaultTestTimeout)
	v.SetDefault("uoe.metrics.enabled", false)
	v.SetDefault("uoe.metrics.listen", ":9090")
	v.SetDefault("uoe.metrics.path", "/metrics")
	v.SetDefault("uoe.export.kafka.batch_size", 100)
	v.SetDefault("uoe.export.kafka.batch_timeout", "1s")
	v.SetDefault("uoe.events.partitions", 4)
	v.SetDefault("uoe.events.queue_size", 256)
}

// ValidateAndApplyDefaults checks every section and fills the parsed
// fields. Load calls it automatically; it is exported so tests and the
// validate command can run it against hand-built configs.
func (c *Config) ValidateAndApplyDefaults() error {
	if err := c.validateNode(); err != nil {
		return err
	}
	if err := c.validateFilters(); err != nil {
		return err
	}
	if err := c.validateARP(); err != nil {
		return err
	}
	if err := c.validateRaw(); err != nil {
		return err
	}
	if c.Engine.QueueSize <= 0 {
		c.Engine.QueueSize = defaultQueueSize
	}
	if err := c.validateLink(); err != nil {
		return err
	}
	if err := c.validateSelfTest(); err != nil {
		return err
	}
	if err := c.validateExport(); err != nil {
		return err
	}
	if c.Events.Partitions <= 0 {
		c.Events.Partitions = 4
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 256
	}
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	return nil
}

func (c *Config) validateNode() error {
	if c.Node.MAC == "" {
		return fmt.Errorf("node.mac is required")
	}
	mac, err := parseMAC(c.Node.MAC)
	if err != nil {
		return fmt.Errorf("node.mac: %w", err)
	}
	if mac.IsMulticast() || mac.IsZero() {
		return fmt.Errorf("node.mac %s is not a unicast address", mac)
	}
	c.Node.ParsedMAC = mac

	switch {
	case strings.EqualFold(c.Node.IP, "dhcp"):
		c.Node.DHCP = true
	case c.Node.IP == "":
		return fmt.Errorf("node.ip is required (dotted quad or \"dhcp\")")
	default:
		ip, err := parseIPv4(c.Node.IP)
		if err != nil {
			return fmt.Errorf("node.ip: %w", err)
		}
		c.Node.ParsedIP = ip
	}

	if c.Node.TTL == 0 {
		c.Node.TTL = defaultTTL
	}
	if c.Node.TTL < 1 || c.Node.TTL > 255 {
		return fmt.Errorf("node.ttl %d out of range 1..255", c.Node.TTL)
	}
	return nil
}

func (c *Config) validateFilters() error {
	if len(c.Filters.MulticastGroups) > maxMulticastSlots {
		return fmt.Errorf("filters.multicast_groups: at most %d groups supported, got %d",
			maxMulticastSlots, len(c.Filters.MulticastGroups))
	}
	c.Filters.ParsedGroups = c.Filters.ParsedGroups[:0]
	for _, s := range c.Filters.MulticastGroups {
		ip, err := parseIPv4(s)
		if err != nil {
			return fmt.Errorf("filters.multicast_groups: %w", err)
		}
		if !ip.IsMulticast() {
			return fmt.Errorf("filters.multicast_groups: %s is not a multicast address", ip)
		}
		c.Filters.ParsedGroups = append(c.Filters.ParsedGroups, ip)
	}
	return nil
}

func (c *Config) validateARP() error {
	if c.ARP.Timeout == "" {
		c.ARP.Timeout = defaultARPTimeout
	}
	d, err := time.ParseDuration(c.ARP.Timeout)
	if err != nil {
		return fmt.Errorf("arp.timeout: %w", err)
	}
	if d < time.Millisecond || d > 4095*time.Millisecond {
		return fmt.Errorf("arp.timeout %s out of range 1ms..4095ms", d)
	}
	c.ARP.ParsedTimeout = d

	if c.ARP.Tryings == 0 {
		c.ARP.Tryings = defaultARPTryings
	}
	if c.ARP.Tryings < 1 || c.ARP.Tryings > 15 {
		return fmt.Errorf("arp.tryings %d out of range 1..15", c.ARP.Tryings)
	}

	switch strings.ToLower(c.ARP.FilterMode) {
	case "", "broadcast":
		c.ARP.ParsedMode = regs.ARPFilterBroadcast
	case "unicast":
		c.ARP.ParsedMode = regs.ARPFilterUnicast
	case "none":
		c.ARP.ParsedMode = regs.ARPFilterNone
	case "static":
		c.ARP.ParsedMode = regs.ARPFilterStaticTable
	default:
		return fmt.Errorf("arp.filter_mode %q: want unicast, broadcast, none or static", c.ARP.FilterMode)
	}

	entries := c.ARP.StaticEntries
	if c.ARP.TableFile != "" {
		fromFile, err := LoadARPTable(c.ARP.TableFile)
		if err != nil {
			return fmt.Errorf("arp.table_file: %w", err)
		}
		entries = append(entries, fromFile...)
	}
	c.ARP.ParsedStatic = c.ARP.ParsedStatic[:0]
	for _, e := range entries {
		ip, err := parseIPv4(e.IP)
		if err != nil {
			return fmt.Errorf("arp static entry: %w", err)
		}
		mac, err := parseMAC(e.MAC)
		if err != nil {
			return fmt.Errorf("arp static entry %s: %w", ip, err)
		}
		c.ARP.ParsedStatic = append(c.ARP.ParsedStatic, StaticEntry{IP: ip, MAC: mac})
	}
	if c.ARP.ParsedMode == regs.ARPFilterStaticTable && len(c.ARP.ParsedStatic) == 0 {
		return fmt.Errorf("arp.filter_mode static requires static_entries or table_file")
	}
	return nil
}

func (c *Config) validateRaw() error {
	if c.Raw.DestMAC == "" {
		c.Raw.ParsedDestMAC = core.BroadcastMAC
		return nil
	}
	mac, err := parseMAC(c.Raw.DestMAC)
	if err != nil {
		return fmt.Errorf("raw.dest_mac: %w", err)
	}
	c.Raw.ParsedDestMAC = mac
	return nil
}

func (c *Config) validateLink() error {
	switch c.Link.Type {
	case "", "pipe":
		c.Link.Type = "pipe"
	case "pcap", "afpacket":
	default:
		return fmt.Errorf("link.type %q: want pipe, pcap or afpacket", c.Link.Type)
	}
	return nil
}

func (c *Config) validateSelfTest() error {
	st := &c.SelfTest
	switch strings.ToLower(st.Loopback) {
	case "", "mac":
		st.Loopback = "mac"
	case "udp":
		st.Loopback = "udp"
	default:
		return fmt.Errorf("selftest.loopback %q: want mac or udp", st.Loopback)
	}

	if st.Frames == 0 {
		st.Frames = defaultTestFrames
	}
	if st.Frames < 1 {
		return fmt.Errorf("selftest.frames %d: want at least 1", st.Frames)
	}
	if st.FrameSize == 0 {
		st.FrameSize = defaultTestFrameSize
	}
	if st.FrameSize < 1 || st.FrameSize > maxUDPPayload {
		return fmt.Errorf("selftest.frame_size %d out of range 1..%d", st.FrameSize, maxUDPPayload)
	}
	if st.RateLimit < 0 || st.RateLimit > 255 {
		return fmt.Errorf("selftest.rate_limit %d out of range 0..255", st.RateLimit)
	}

	if st.SrcPort == 0 {
		st.SrcPort = defaultTestSrcPort
	}
	if st.DstPort == 0 {
		st.DstPort = defaultTestDstPort
	}
	for _, p := range []struct {
		name string
		val  int
	}{{"selftest.src_port", st.SrcPort}, {"selftest.dst_port", st.DstPort}} {
		if p.val < 1 || p.val > 65535 {
			return fmt.Errorf("%s %d out of range 1..65535", p.name, p.val)
		}
	}
	// On a MAC-level loop the frames come back through the router, and
	// standard ports route to the external interface instead of the
	// checker.
	if st.Loopback == "mac" && st.DstPort <= int(core.MaxStandardPort) {
		return fmt.Errorf("selftest.dst_port %d: mac loopback needs a port above %d",
			st.DstPort, core.MaxStandardPort)
	}

	if st.DestIP == "" {
		st.ParsedDestIP = c.Node.ParsedIP
	} else {
		ip, err := parseIPv4(st.DestIP)
		if err != nil {
			return fmt.Errorf("selftest.dest_ip: %w", err)
		}
		st.ParsedDestIP = ip
	}

	if st.Timeout == "" {
		st.Timeout = defaultTestTimeout
	}
	d, err := time.ParseDuration(st.Timeout)
	if err != nil {
		return fmt.Errorf("selftest.timeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("selftest.timeout %s: want a positive duration", d)
	}
	st.ParsedTimeout = d
	return nil
}

func (c *Config) validateExport() error {
	if !c.Export.Enabled {
		return nil
	}
	if len(c.Export.Kafka.Brokers) == 0 {
		return fmt.Errorf("export.kafka.brokers is required when export is enabled")
	}
	if c.Export.Kafka.Topic == "" {
		return fmt.Errorf("export.kafka.topic is required when export is enabled")
	}
	if c.Export.Kafka.BatchTimeout != "" {
		if _, err := time.ParseDuration(c.Export.Kafka.BatchTimeout); err != nil {
			return fmt.Errorf("export.kafka.batch_timeout: %w", err)
		}
	}
	switch strings.ToLower(c.Export.Kafka.Compression) {
	case "", "none", "gzip", "snappy", "lz4":
	default:
		return fmt.Errorf("export.kafka.compression %q: want none, gzip, snappy or lz4", c.Export.Kafka.Compression)
	}
	return nil
}

func parseMAC(s string) (core.MACAddr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return core.MACAddr{}, err
	}
	if len(hw) != 6 {
		return core.MACAddr{}, fmt.Errorf("mac %s: want 48-bit address", s)
	}
	var mac core.MACAddr
	copy(mac[:], hw)
	return mac, nil
}

func parseIPv4(s string) (core.IPv4Addr, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return core.IPv4Addr{}, fmt.Errorf("invalid IPv4 address %q", s)
	}
	var out core.IPv4Addr
	copy(out[:], ip.To4())
	return out, nil
}
