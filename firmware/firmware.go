// Package firmware is the board's main program: it brings up the network
// and disk drivers, attaches a TCP/IP stack and serves files over HTTP.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/c35s/barefw/diskfs"
	"github.com/c35s/barefw/httpd"
	"github.com/c35s/barefw/mem"
	"github.com/c35s/barefw/netif"
	"github.com/c35s/barefw/plic"
	"github.com/c35s/barefw/virtio/driver"
	"github.com/c35s/barefw/virtio/mmio"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Firmware is a booted board.
type Firmware struct {
	cfg      Config
	plic     *plic.Controller
	net      *driver.Net
	blk      *driver.Block
	ifc      *netif.Iface
	disk     *diskfs.FS
	dispatch *driver.Dispatcher
	ln       net.Listener
	srv      *http.Server
	reg      *prometheus.Registry
	wake     <-chan struct{}
	start    time.Time
	log      *slog.Logger
}

// Boot initializes the interrupt controller, the network device and, if
// present, the disk, then opens the HTTP listener. Register accesses go
// through regs and queue memory is m. Wake is signaled when an external
// interrupt may be pending; if nil, completions are only polled.
func Boot(cfg Config, regs mmio.RegisterIO, m mem.Memory, wake <-chan struct{}) (_ *Firmware, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ncfg, err := cfg.netif()
	if err != nil {
		return nil, err
	}

	fw := &Firmware{
		cfg:   cfg,
		reg:   prometheus.NewRegistry(),
		wake:  wake,
		start: time.Now(),
		log:   cfg.Log,
	}

	defer func() {
		if err != nil {
			fw.Close()
		}
	}()

	fw.log.Info("firmware: booting")
	arena := mem.NewArena(cfg.ArenaBase, cfg.ArenaSize)

	fw.plic = plic.New(regs, cfg.PLICBase)
	fw.plic.Init()
	fw.log.Info("firmware: plic initialized", "base", fmt.Sprintf("%#x", cfg.PLICBase))

	fw.net, err = driver.NewNet(driver.NetConfig{
		IO:        regs,
		Base:      cfg.Net.Base,
		Mem:       m,
		Arena:     arena,
		QueueSize: cfg.Net.QueueSize,
		Log:       fw.log,
	})

	if err != nil {
		return nil, fmt.Errorf("firmware: network init: %w", err)
	}

	fw.ifc, err = netif.New(ncfg, fw.net)
	if err != nil {
		return nil, fmt.Errorf("firmware: network init: %w", err)
	}

	fw.dispatch = &driver.Dispatcher{
		Controller: fw.plic,
		IRQ:        cfg.Net.IRQ,
		Device:     fw.net,
		Sink:       fw.ifc,
	}

	fw.plic.Enable(cfg.Net.IRQ)
	fw.log.Info("firmware: network interface ready", "addr", ncfg.Addr, "irq", cfg.Net.IRQ)

	if !cfg.Block.Disabled {
		fw.attachDisk(regs, m, arena)
	}

	var files fs.FS
	if fw.disk != nil {
		files = fw.disk
		fw.log.Info("firmware: filesystem mounted", "entries", fw.disk.Len())
	} else {
		fw.log.Info("firmware: no disk or filesystem, serving the built-in page only")
	}

	var blkStats *driver.BlockStats
	if fw.blk != nil {
		blkStats = fw.blk.Stats()
	}

	fw.reg.MustRegister(newCollector(fw.net.Stats(), fw.ifc.Stats(), blkStats))

	fw.ln, err = fw.ifc.ListenTCP(cfg.HTTPPort)
	if err != nil {
		return nil, err
	}

	fw.srv = &http.Server{
		Handler: httpd.New(httpd.Config{
			Files:      files,
			Gatherer:   fw.reg,
			Registerer: fw.reg,
			Log:        fw.log,
		}),
		ErrorLog:          slog.NewLogLogger(fw.log.Handler(), slog.LevelWarn),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fw.log.Info("firmware: http server listening", "port", cfg.HTTPPort, "arena_used", arena.Used())
	return fw, nil
}

// attachDisk probes the block device and mounts its filesystem. A missing
// device or filesystem is not an error.
func (fw *Firmware) attachDisk(regs mmio.RegisterIO, m mem.Memory, arena *mem.Arena) {
	blk, err := driver.NewBlock(driver.BlockConfig{
		IO:        regs,
		Base:      fw.cfg.Block.Base,
		Mem:       m,
		Arena:     arena,
		QueueSize: fw.cfg.Block.QueueSize,
		Timeout:   fw.cfg.Block.Timeout,
		Log:       fw.log,
	})

	if errors.Is(err, driver.ErrDeviceAbsent) {
		fw.log.Info("firmware: no block device")
		return
	}

	if err != nil {
		fw.log.Warn("firmware: block init failed", "err", err)
		return
	}

	fw.blk = blk

	disk, err := diskfs.Mount(blk, fw.log)
	if err != nil {
		fw.log.Warn("firmware: mount failed", "err", err)
		return
	}

	fw.disk = disk
}

// Run serves HTTP and services the devices until ctx is done.
func (fw *Firmware) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := fw.srv.Serve(fw.ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("firmware: http: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return fw.srv.Close()
	})

	g.Go(func() error {
		return fw.loop(ctx)
	})

	fw.log.Info("firmware: ready")
	return g.Wait()
}

// loop is the main loop. It is the only goroutine that touches the
// network driver.
func (fw *Firmware) loop(ctx context.Context) error {
	poll := time.NewTicker(fw.cfg.PollInterval)
	defer poll.Stop()

	uptime := time.NewTicker(fw.cfg.UptimeInterval)
	defer uptime.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-fw.wake:
			fw.dispatch.HandleInterrupt()

		case <-fw.ifc.Ready():

		case <-poll.C:
			fw.dispatch.Poll()

		case <-uptime.C:
			fw.log.Info("firmware: uptime", "seconds", int(time.Since(fw.start).Seconds()))
		}

		fw.ifc.Flush()
	}
}

// Addr returns the interface address.
func (fw *Firmware) Addr() net.Addr {
	return &net.TCPAddr{
		IP:   fw.ifc.Addr().AsSlice(),
		Port: int(fw.cfg.HTTPPort),
	}
}

// Mounted reports whether files are served from disk.
func (fw *Firmware) Mounted() bool {
	return fw.disk != nil
}

// Close stops the HTTP server, tears down the stack and flushes the disk.
func (fw *Firmware) Close() error {
	var errs []error

	if fw.srv != nil {
		errs = append(errs, fw.srv.Close())
	}

	if fw.ln != nil {
		fw.ln.Close()
	}

	if fw.ifc != nil {
		fw.ifc.Close()
	}

	if fw.disk != nil {
		errs = append(errs, fw.disk.Close())
	}

	return errors.Join(errs...)
}
