package bridge_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/c35s/barefw/bridge"
	"github.com/c35s/barefw/frame"
	"github.com/c35s/barefw/netif"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var guestMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

func TestDial(t *testing.T) {
	t.Run("unix", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "link.sock")
		ln, err := net.Listen("unix", path)
		require.NoError(t, err)
		defer ln.Close()

		go func() {
			c, err := ln.Accept()
			if err == nil {
				c.Write([]byte("hi"))
				c.Close()
			}
		}()

		for _, addr := range []string{path, "unix://" + path} {
			c, err := bridge.Dial(context.Background(), addr, quiet)
			require.NoError(t, err, addr)
			c.Close()
		}
	})

	t.Run("waits for listener", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "late.sock")

		go func() {
			time.Sleep(2 * bridge.DialInterval)
			ln, err := net.Listen("unix", path)
			if err != nil {
				return
			}

			defer ln.Close()
			if c, err := ln.Accept(); err == nil {
				c.Close()
			}
		}()

		c, err := bridge.Dial(context.Background(), path, quiet)
		require.NoError(t, err)
		c.Close()
	})

	t.Run("canceled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		_, err := bridge.Dial(ctx, filepath.Join(t.TempDir(), "none.sock"), quiet)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("bad addresses", func(t *testing.T) {
		for _, addr := range []string{"tcp://localhost:1", "vsock://x:1", "vsock://3:port", "unix://"} {
			_, err := bridge.Dial(context.Background(), addr, quiet)
			assert.ErrorIs(t, err, bridge.ErrAddr, addr)
		}
	})
}

func arpRequest(t *testing.T, target netip.Addr) []byte {
	t.Helper()

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{
			SrcMAC:       guestMAC,
			DstMAC:       layers.EthernetBroadcast,
			EthernetType: layers.EthernetTypeARP,
		},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   guestMAC,
			SourceProtAddress: netif.AddrDefault.Addr().AsSlice(),
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    target.AsSlice(),
		})

	require.NoError(t, err)
	return buf.Bytes()
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestDebug(t *testing.T) {
	link, host := net.Pipe()
	defer host.Close()

	var dump syncBuffer
	d := bridge.NewDebug(bridge.DebugConfig{Dump: &dump, Log: quiet}, link)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	w := frame.NewWriter(host)
	r := frame.NewReader(host)

	other := arpRequest(t, netip.MustParseAddr("10.0.2.3"))
	gwReq := arpRequest(t, bridge.GatewayAddrDefault.Addr())

	go func() {
		w.WriteFrame(other)
		host.Write([]byte{0, 0}) // bad length, skipped
		w.WriteFrame(gwReq)
	}()

	f, err := r.ReadFrame()
	require.NoError(t, err)

	pkt := gopacket.NewPacket(f, layers.LayerTypeEthernet, gopacket.Default)

	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	assert.Equal(t, guestMAC, eth.DstMAC)
	assert.Equal(t, bridge.GatewayMACDefault, eth.SrcMAC)

	arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP)
	require.True(t, ok)
	assert.Equal(t, uint16(layers.ARPReply), arp.Operation)
	assert.Equal(t, []byte{10, 0, 2, 2}, arp.SourceProtAddress)
	assert.Equal(t, []byte(bridge.GatewayMACDefault), arp.SourceHwAddress)
	assert.Equal(t, []byte{10, 0, 2, 15}, arp.DstProtAddress)
	assert.Equal(t, []byte(guestMAC), arp.DstHwAddress)

	assert.Contains(t, dump.String(), "00000000  ff ff ff ff ff ff")

	cancel()
	assert.NoError(t, <-done)
}

// guest is a stack on the far end of a link.
func guest(t *testing.T, link net.Conn) *netif.Iface {
	t.Helper()

	w := frame.NewWriter(link)
	ifc, err := netif.New(netif.Config{
		Gateway: netif.GatewayDefault,
		Log:     quiet,
	}, netif.SenderFunc(w.WriteFrame))

	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		r := frame.NewReader(link)
		for {
			f, err := r.ReadFrame()
			if err != nil {
				return
			}

			ifc.DeliverFrame(f)
		}
	}()

	go func() {
		defer wg.Done()
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ifc.Ready():
			case <-tick.C:
			}

			ifc.Flush()
		}
	}()

	t.Cleanup(func() {
		cancel()
		link.Close()
		wg.Wait()
		ifc.Close()
	})

	return ifc
}

func TestGateway(t *testing.T) {
	gwLink, guestLink := net.Pipe()
	g := guest(t, guestLink)

	l, err := g.ListenTCP(80)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}

			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()

	gw, err := bridge.NewGateway(bridge.GatewayConfig{
		Forwards: []bridge.Forward{{
			Listen: "127.0.0.1:0",
			Guest:  bridge.ForwardDefault.Guest,
		}},
		Log: quiet,
	}, gwLink)

	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(gw.ForwardAddrs()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	c, err := net.DialTimeout("tcp", gw.ForwardAddrs()[0].String(), 5*time.Second)
	require.NoError(t, err)
	defer c.Close()

	c.SetDeadline(time.Now().Add(10 * time.Second))

	msg := []byte("ping through the gateway")
	_, err = c.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	cancel()
	assert.NoError(t, <-done)
}
