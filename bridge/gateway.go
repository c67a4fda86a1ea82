package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/c35s/barefw/frame"
	"github.com/c35s/barefw/netif"
	"golang.org/x/sync/errgroup"
)

var (
	GatewayAddrDefault = netip.PrefixFrom(netif.GatewayDefault, 24)
	GatewayMACDefault  = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x35, 0x02}
)

// Forward maps a host TCP listen address to a guest address.
type Forward struct {
	Listen string
	Guest  netip.AddrPort
}

// ForwardDefault exposes the guest's web server on the host.
var ForwardDefault = Forward{
	Listen: "127.0.0.1:8080",
	Guest:  netip.AddrPortFrom(netif.AddrDefault.Addr(), 80),
}

// GatewayConfig configures a Gateway.
type GatewayConfig struct {

	// Iface configures the gateway's interface. A zero Addr or MAC selects
	// GatewayAddrDefault or GatewayMACDefault.
	Iface netif.Config

	// Forwards lists the host ports forwarded into the guest.
	Forwards []Forward

	// Log receives bridge events. If nil, slog.Default() is used.
	Log *slog.Logger
}

// Gateway is the guest's default gateway. It answers ARP and ICMP on the
// link and splices host TCP connections into the guest.
type Gateway struct {
	cfg  GatewayConfig
	link io.ReadWriter
	w    *frame.Writer
	ifc  *netif.Iface
	log  *slog.Logger

	mu  sync.Mutex
	lns []net.Listener
}

// NewGateway creates a gateway on link.
func NewGateway(cfg GatewayConfig, link io.ReadWriter) (*Gateway, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	if !cfg.Iface.Addr.IsValid() {
		cfg.Iface.Addr = GatewayAddrDefault
	}

	if cfg.Iface.MAC == nil {
		cfg.Iface.MAC = GatewayMACDefault
	}

	if cfg.Iface.Log == nil {
		cfg.Iface.Log = cfg.Log
	}

	g := &Gateway{
		cfg:  cfg,
		link: link,
		w:    frame.NewWriter(link),
		log:  cfg.Log,
	}

	ifc, err := netif.New(cfg.Iface, netif.SenderFunc(g.w.WriteFrame))
	if err != nil {
		return nil, err
	}

	g.ifc = ifc
	return g, nil
}

// Run moves frames between the link and the stack and serves the
// forwards until ctx is done or the link fails.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.listen(); err != nil {
		g.ifc.Close()
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.readLink(ctx)
	})

	eg.Go(func() error {
		return g.pump(ctx)
	})

	for i, ln := range g.lns {
		ln := ln
		guest := g.cfg.Forwards[i].Guest
		eg.Go(func() error {
			return g.serveForward(ctx, ln, guest)
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		g.closeListeners()
		if c, ok := g.link.(io.Closer); ok {
			c.Close()
		}

		return nil
	})

	err := eg.Wait()
	g.ifc.Close()

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// listen binds the forwards' host listeners.
func (g *Gateway) listen() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, f := range g.cfg.Forwards {
		ln, err := net.Listen("tcp", f.Listen)
		if err != nil {
			for _, ln := range g.lns {
				ln.Close()
			}

			return fmt.Errorf("bridge: forward %s: %w", f.Listen, err)
		}

		g.lns = append(g.lns, ln)
		g.log.Info("bridge: forwarding", "host", ln.Addr(), "guest", f.Guest)
	}

	return nil
}

// ForwardAddrs returns the bound host addresses of the forwards.
func (g *Gateway) ForwardAddrs() []net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()

	addrs := make([]net.Addr, len(g.lns))
	for i, ln := range g.lns {
		addrs[i] = ln.Addr()
	}

	return addrs
}

// DialGuest opens a TCP connection to the guest.
func (g *Gateway) DialGuest(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	return g.ifc.DialTCP(ctx, addr)
}

// readLink injects inbound frames into the stack.
func (g *Gateway) readLink(ctx context.Context) error {
	r := frame.NewReader(g.link)

	for {
		f, err := r.ReadFrame()
		if errors.Is(err, frame.ErrBadLength) {
			g.log.Warn("bridge: bad frame length", "err", err)
			continue
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("bridge: link closed: %w", err)
		}

		g.ifc.DeliverFrame(f)
	}
}

// pump writes outbound frames to the link.
func (g *Gateway) pump(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.ifc.Ready():
		case <-tick.C:
		}

		g.ifc.Flush()
	}
}

func (g *Gateway) serveForward(ctx context.Context, ln net.Listener, guest netip.AddrPort) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return fmt.Errorf("bridge: accept: %w", err)
		}

		go g.splice(ctx, c, guest)
	}
}

func (g *Gateway) splice(ctx context.Context, c net.Conn, guest netip.AddrPort) {
	defer c.Close()

	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gc, err := g.DialGuest(dctx, guest)
	if err != nil {
		g.log.Warn("bridge: guest unreachable", "guest", guest, "err", err)
		return
	}

	defer gc.Close()

	g.log.Debug("bridge: forwarding connection", "from", c.RemoteAddr(), "to", guest)

	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		io.Copy(dst, src)
		if cw, ok := dst.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}

		done <- struct{}{}
	}

	go cp(gc, c)
	go cp(c, gc)

	select {
	case <-done:
		<-done
	case <-ctx.Done():
	}
}

func (g *Gateway) closeListeners() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, ln := range g.lns {
		ln.Close()
	}
}
