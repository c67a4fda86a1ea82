package bridge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/c35s/barefw/frame"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// DebugConfig configures a Debug bridge.
type DebugConfig struct {

	// Gateway is the address answered for in ARP.
	// If invalid, netif.GatewayDefault is used.
	Gateway netip.Addr

	// GatewayMAC is the hardware address claimed for Gateway.
	// If nil, GatewayMACDefault is used.
	GatewayMAC net.HardwareAddr

	// DumpLen is the number of bytes of each frame hex-dumped to Dump.
	// If 0, 64 bytes are dumped.
	DumpLen int

	// Dump receives hex dumps. If nil, frames are not dumped.
	Dump io.Writer

	// Log receives frame summaries. If nil, slog.Default() is used.
	Log *slog.Logger
}

// Debug logs every frame from the link and answers ARP requests for the
// gateway. It provides no connectivity beyond that.
type Debug struct {
	cfg  DebugConfig
	link io.ReadWriter
	w    *frame.Writer
	log  *slog.Logger
}

// NewDebug creates a debug bridge on link.
func NewDebug(cfg DebugConfig, link io.ReadWriter) *Debug {
	if !cfg.Gateway.IsValid() {
		cfg.Gateway = GatewayAddrDefault.Addr()
	}

	if cfg.GatewayMAC == nil {
		cfg.GatewayMAC = GatewayMACDefault
	}

	if cfg.DumpLen == 0 {
		cfg.DumpLen = 64
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Debug{
		cfg:  cfg,
		link: link,
		w:    frame.NewWriter(link),
		log:  cfg.Log,
	}
}

// Run reads frames until the link closes or ctx is done.
func (d *Debug) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		if c, ok := d.link.(io.Closer); ok {
			c.Close()
		}
	})

	defer stop()

	r := frame.NewReader(d.link)
	for {
		f, err := r.ReadFrame()
		if errors.Is(err, frame.ErrBadLength) {
			d.log.Warn("bridge: bad frame length", "err", err)
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("bridge: link closed: %w", err)
		}

		if err := d.handle(f); err != nil {
			return err
		}
	}
}

func (d *Debug) handle(f []byte) error {
	pkt := gopacket.NewPacket(f, layers.LayerTypeEthernet, gopacket.Default)
	d.log.Info("bridge: rx frame", describe(pkt, len(f))...)

	if d.cfg.Dump != nil {
		fmt.Fprint(d.cfg.Dump, hex.Dump(f[:min(len(f), d.cfg.DumpLen)]))
	}

	reply, ok := d.arpReply(pkt)
	if !ok {
		return nil
	}

	d.log.Info("bridge: sending ARP reply for gateway", "gateway", d.cfg.Gateway)
	if err := d.w.WriteFrame(reply); err != nil {
		return fmt.Errorf("bridge: send ARP reply: %w", err)
	}

	return nil
}

// arpReply builds the reply to an ARP request for the gateway.
func (d *Debug) arpReply(pkt gopacket.Packet) ([]byte, bool) {
	req, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	if !ok || req.Operation != layers.ARPRequest {
		return nil, false
	}

	if target, ok := netip.AddrFromSlice(req.DstProtAddress); !ok || target != d.cfg.Gateway {
		return nil, false
	}

	eth := &layers.Ethernet{
		SrcMAC:       d.cfg.GatewayMAC,
		DstMAC:       req.SourceHwAddress,
		EthernetType: layers.EthernetTypeARP,
	}

	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   d.cfg.GatewayMAC,
		SourceProtAddress: d.cfg.Gateway.AsSlice(),
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp); err != nil {
		d.log.Warn("bridge: serialize ARP reply", "err", err)
		return nil, false
	}

	return buf.Bytes(), true
}

// describe summarizes a frame as log attributes.
func describe(pkt gopacket.Packet, n int) []any {
	args := []any{"len", n}

	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return append(args, "err", "short ethernet header")
	}

	args = append(args,
		"dst", eth.DstMAC.String(),
		"src", eth.SrcMAC.String(),
		"type", eth.EthernetType.String())

	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		op := "?"
		switch arp.Operation {
		case layers.ARPRequest:
			op = "request"
		case layers.ARPReply:
			op = "reply"
		}

		args = append(args,
			"arp", op,
			"sender", fmt.Sprintf("%s (%s)", net.IP(arp.SourceProtAddress), net.HardwareAddr(arp.SourceHwAddress)),
			"target", fmt.Sprintf("%s (%s)", net.IP(arp.DstProtAddress), net.HardwareAddr(arp.DstHwAddress)))
	}

	if ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4); ok {
		args = append(args,
			"ipv4", fmt.Sprintf("%s -> %s", ip.SrcIP, ip.DstIP),
			"proto", ip.Protocol.String())
	}

	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		args = append(args, "ports", fmt.Sprintf("%d -> %d", tcp.SrcPort, tcp.DstPort))
	}

	return args
}
