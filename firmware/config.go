package firmware

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/c35s/barefw/netif"
	"github.com/c35s/barefw/plic"
	"github.com/c35s/barefw/virtio/virtq"
	"gopkg.in/yaml.v3"
)

// Config describes the board and the firmware's services. The zero Config
// is the default board.
type Config struct {

	// PLICBase is the address of the interrupt controller.
	PLICBase uint64 `yaml:"plic_base"`

	// Net is the FIFO network device. It is required.
	Net DeviceConfig `yaml:"net"`

	// Block is the disk. It is optional: without it every request gets
	// the built-in page.
	Block DeviceConfig `yaml:"block"`

	// ArenaBase and ArenaSize bound the memory reserved for queues and
	// buffers. Nothing else may use it.
	ArenaBase uint64 `yaml:"arena_base"`
	ArenaSize uint64 `yaml:"arena_size"`

	// Addr is the interface address with its prefix length.
	Addr string `yaml:"addr"`

	// Gateway is the default route.
	Gateway string `yaml:"gateway"`

	// MAC is the interface hardware address.
	MAC string `yaml:"mac"`

	// HTTPPort is the port the web server listens on.
	HTTPPort uint16 `yaml:"http_port"`

	// PollInterval is the main loop's polling period.
	PollInterval time.Duration `yaml:"poll_interval"`

	// UptimeInterval is how often uptime is logged.
	UptimeInterval time.Duration `yaml:"uptime_interval"`

	// Log receives firmware events. If nil, slog.Default() is used.
	Log *slog.Logger `yaml:"-"`
}

// DeviceConfig locates one virtio-mmio device.
type DeviceConfig struct {
	Base      uint64 `yaml:"base"`
	IRQ       uint32 `yaml:"irq"`
	QueueSize uint16 `yaml:"queue_size"`

	// Timeout bounds a block request. Zero waits forever.
	Timeout time.Duration `yaml:"timeout"`

	// Disabled skips the device.
	Disabled bool `yaml:"disabled"`
}

const (
	NetBaseDefault   = 0x10001000
	NetIRQDefault    = 2
	BlockBaseDefault = 0x10002000
	BlockIRQDefault  = 3

	ArenaBaseDefault = 0x80100000
	ArenaSizeDefault = 4 << 20

	NetQueueSizeDefault   = 64
	BlockQueueSizeDefault = 16

	HTTPPortDefault       = 80
	PollIntervalDefault   = time.Millisecond
	UptimeIntervalDefault = 10 * time.Second
)

var ErrConfig = errors.New("firmware: invalid config")

// LoadConfig reads a YAML config file. Unknown keys are an error. Missing
// keys keep their defaults.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}

	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %s: %w", ErrConfig, path, err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (cfg Config) withDefaults() Config {
	if cfg.PLICBase == 0 {
		cfg.PLICBase = plic.DefaultBase
	}

	if cfg.Net.Base == 0 {
		cfg.Net.Base = NetBaseDefault
	}

	if cfg.Net.IRQ == 0 {
		cfg.Net.IRQ = NetIRQDefault
	}

	if cfg.Net.QueueSize == 0 {
		cfg.Net.QueueSize = NetQueueSizeDefault
	}

	if cfg.Block.Base == 0 {
		cfg.Block.Base = BlockBaseDefault
	}

	if cfg.Block.IRQ == 0 {
		cfg.Block.IRQ = BlockIRQDefault
	}

	if cfg.Block.QueueSize == 0 {
		cfg.Block.QueueSize = BlockQueueSizeDefault
	}

	if cfg.ArenaBase == 0 {
		cfg.ArenaBase = ArenaBaseDefault
	}

	if cfg.ArenaSize == 0 {
		cfg.ArenaSize = ArenaSizeDefault
	}

	if cfg.Addr == "" {
		cfg.Addr = netif.AddrDefault.String()
	}

	if cfg.Gateway == "" {
		cfg.Gateway = netif.GatewayDefault.String()
	}

	if cfg.MAC == "" {
		cfg.MAC = netif.MACDefault.String()
	}

	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = HTTPPortDefault
	}

	if cfg.PollInterval == 0 {
		cfg.PollInterval = PollIntervalDefault
	}

	if cfg.UptimeInterval == 0 {
		cfg.UptimeInterval = UptimeIntervalDefault
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return cfg
}

func (cfg Config) validate() error {
	if _, err := cfg.netif(); err != nil {
		return err
	}

	for name, q := range map[string]uint16{"net": cfg.Net.QueueSize, "block": cfg.Block.QueueSize} {
		if q < 2 || q > virtq.MaxSize || q&(q-1) != 0 {
			return fmt.Errorf("%w: %s queue size %d is not a power of two in [2, %d]", ErrConfig, name, q, virtq.MaxSize)
		}
	}

	if cfg.Net.IRQ >= plic.NumSources {
		return fmt.Errorf("%w: net irq %d out of range", ErrConfig, cfg.Net.IRQ)
	}

	if cfg.ArenaBase%4096 != 0 {
		return fmt.Errorf("%w: arena base %#x is not page-aligned", ErrConfig, cfg.ArenaBase)
	}

	if cfg.Net.Base == cfg.Block.Base && !cfg.Block.Disabled {
		return fmt.Errorf("%w: net and block share base %#x", ErrConfig, cfg.Net.Base)
	}

	if cfg.PollInterval < 0 || cfg.UptimeInterval < 0 || cfg.Block.Timeout < 0 {
		return fmt.Errorf("%w: negative interval", ErrConfig)
	}

	return nil
}

// netif returns the network interface config.
func (cfg Config) netif() (netif.Config, error) {
	addr, err := netip.ParsePrefix(cfg.Addr)
	if err != nil {
		return netif.Config{}, fmt.Errorf("%w: addr: %w", ErrConfig, err)
	}

	gw, err := netip.ParseAddr(cfg.Gateway)
	if err != nil {
		return netif.Config{}, fmt.Errorf("%w: gateway: %w", ErrConfig, err)
	}

	if !addr.Contains(gw) {
		return netif.Config{}, fmt.Errorf("%w: gateway %s is not in %s", ErrConfig, gw, addr)
	}

	mac, err := net.ParseMAC(cfg.MAC)
	if err != nil {
		return netif.Config{}, fmt.Errorf("%w: mac: %w", ErrConfig, err)
	}

	return netif.Config{
		MAC:     mac,
		Addr:    addr,
		Gateway: gw,
		Log:     cfg.Log,
	}, nil
}
