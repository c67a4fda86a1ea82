// Package netif attaches a gvisor TCP/IP stack to an Ethernet frame link.
// Inbound frames are injected with DeliverFrame; outbound frames queue
// inside the stack until Flush hands them to the link.
package netif

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	nicID = 1

	// MTUDefault is the default IP MTU.
	MTUDefault = 1500

	// queueLen is the number of outbound frames the link holds before the
	// stack starts dropping.
	queueLen = 512
)

var (
	ErrConfig = errors.New("netif: invalid config")
	ErrStack  = errors.New("netif: stack error")
)

var (
	AddrDefault    = netip.MustParsePrefix("10.0.2.15/24")
	GatewayDefault = netip.MustParseAddr("10.0.2.2")
	MACDefault     = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
)

// Sender transmits one Ethernet frame.
type Sender interface {
	Send(frame []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(frame []byte) error

func (f SenderFunc) Send(frame []byte) error {
	return f(frame)
}

// Config configures an interface.
type Config struct {

	// MAC is the interface's hardware address.
	// If nil, MACDefault is used.
	MAC net.HardwareAddr

	// Addr is the interface's address and subnet.
	// If zero, AddrDefault is used.
	Addr netip.Prefix

	// Gateway is the default route's next hop. If invalid, the default
	// route is on-link.
	Gateway netip.Addr

	// MTU is the IP MTU. If 0, MTUDefault is used.
	MTU uint32

	// Log receives interface events. If nil, slog.Default() is used.
	Log *slog.Logger
}

// Stats counts frames crossing the link.
type Stats struct {
	InFrames   atomic.Uint64
	OutFrames  atomic.Uint64
	OutDropped atomic.Uint64
}

// Iface is a network interface backed by a gvisor stack.
type Iface struct {
	cfg   Config
	tx    Sender
	ch    *channel.Endpoint
	s     *stack.Stack
	ready chan struct{}
	stats Stats
	log   *slog.Logger
}

// New creates an interface that transmits through tx.
func New(cfg Config, tx Sender) (*Iface, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ifc := &Iface{
		cfg:   cfg,
		tx:    tx,
		ready: make(chan struct{}, 1),
		log:   cfg.Log,
	}

	ifc.ch = channel.New(queueLen, cfg.MTU+header.EthernetMinimumSize, tcpip.LinkAddress(string(cfg.MAC)))
	ifc.ch.AddNotify(ifc)

	ifc.s = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})

	if err := ifc.s.CreateNIC(nicID, ethernet.New(ifc.ch)); err != nil {
		ifc.Close()
		return nil, fmt.Errorf("%w: create nic: %v", ErrStack, err)
	}

	pa := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   addrFrom(cfg.Addr.Addr()),
			PrefixLen: cfg.Addr.Bits(),
		},
	}

	if err := ifc.s.AddProtocolAddress(nicID, pa, stack.AddressProperties{}); err != nil {
		ifc.Close()
		return nil, fmt.Errorf("%w: add address: %v", ErrStack, err)
	}

	route := tcpip.Route{Destination: header.IPv4EmptySubnet, NIC: nicID}
	if cfg.Gateway.IsValid() {
		route.Gateway = addrFrom(cfg.Gateway)
	}

	ifc.s.SetRouteTable([]tcpip.Route{route})

	ifc.log.Info("netif: up", "addr", cfg.Addr, "gateway", cfg.Gateway, "mac", cfg.MAC)
	return ifc, nil
}

// DeliverFrame injects an inbound Ethernet frame into the stack.
func (ifc *Iface) DeliverFrame(frame []byte) {
	ifc.stats.InFrames.Add(1)

	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(frame),
	})

	defer pkt.DecRef()
	ifc.ch.InjectInbound(0, pkt)
}

// Flush sends every queued outbound frame and returns the number sent.
// Frames the sender refuses are dropped.
func (ifc *Iface) Flush() int {
	n := 0
	for {
		pkt := ifc.ch.Read()
		if pkt == nil {
			return n
		}

		b := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		if err := ifc.tx.Send(b); err != nil {
			ifc.stats.OutDropped.Add(1)
			ifc.log.Debug("netif: dropped outbound frame", "len", len(b), "err", err)
			continue
		}

		ifc.stats.OutFrames.Add(1)
		n++
	}
}

// Ready is signaled when outbound frames are queued.
func (ifc *Iface) Ready() <-chan struct{} {
	return ifc.ready
}

// WriteNotify is called by the link when the stack queues a frame.
func (ifc *Iface) WriteNotify() {
	select {
	case ifc.ready <- struct{}{}:
	default:
	}
}

// ListenTCP listens for connections on the interface address.
func (ifc *Iface) ListenTCP(port uint16) (net.Listener, error) {
	l, err := gonet.ListenTCP(ifc.s, tcpip.FullAddress{NIC: nicID, Port: port}, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: listen on port %d: %w", ErrStack, port, err)
	}

	return l, nil
}

// DialTCP connects to addr through the interface.
func (ifc *Iface) DialTCP(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	fa := tcpip.FullAddress{
		NIC:  nicID,
		Addr: addrFrom(addr.Addr()),
		Port: addr.Port(),
	}

	c, err := gonet.DialContextTCP(ctx, ifc.s, fa, ipv4.ProtocolNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrStack, addr, err)
	}

	return c, nil
}

// Addr returns the interface address.
func (ifc *Iface) Addr() netip.Addr {
	return ifc.cfg.Addr.Addr()
}

// Stats returns the interface's frame counters.
func (ifc *Iface) Stats() *Stats {
	return &ifc.stats
}

// Stack returns the underlying stack.
func (ifc *Iface) Stack() *stack.Stack {
	return ifc.s
}

// Close tears down the stack and the link.
func (ifc *Iface) Close() {
	ifc.s.Close()
	ifc.ch.Close()
}

func addrFrom(a netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(a.As4())
}

func (cfg Config) validate() error {
	if len(cfg.MAC) != 6 {
		return fmt.Errorf("%w: mac %s is not 6 bytes", ErrConfig, cfg.MAC)
	}

	if !cfg.Addr.Addr().Is4() {
		return fmt.Errorf("%w: addr %s is not ipv4", ErrConfig, cfg.Addr)
	}

	if cfg.Gateway.IsValid() && !cfg.Addr.Contains(cfg.Gateway) {
		return fmt.Errorf("%w: gateway %s is not in %s", ErrConfig, cfg.Gateway, cfg.Addr)
	}

	if cfg.MTU < 576 || cfg.MTU > 2046-header.EthernetMinimumSize {
		return fmt.Errorf("%w: mtu %d", ErrConfig, cfg.MTU)
	}

	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.MAC == nil {
		cfg.MAC = MACDefault
	}

	if !cfg.Addr.IsValid() {
		cfg.Addr = AddrDefault
	}

	if cfg.MTU == 0 {
		cfg.MTU = MTUDefault
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return cfg
}
