// Barefw simulates the web server board: it builds a machine with a FIFO
// network device and an optional disk, waits for a network bridge on a
// Unix socket and boots the firmware on it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/c35s/barefw/bridge"
	"github.com/c35s/barefw/firmware"
	"github.com/c35s/barefw/machine"
	"github.com/c35s/barefw/virtio"
	"golang.org/x/term"
)

func main() {

	var (
		configPath = flag.String("config", "", "load the board config from a YAML `file`")
		diskPath   = flag.String("disk", "", "attach a disk image from file or URL")
		socketPath = flag.String("socket", bridge.SocketDefault, "wait for the network bridge on the Unix socket at `path`")
		memSize    = flag.Int("mem", 16, "set the board's memory size in MiB")
		verbose    = flag.Bool("v", false, "log debug messages")
	)

	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}

	var log *slog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log = slog.New(slog.NewTextHandler(os.Stderr, opts))
	} else {
		log = slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	if err := run(*configPath, *diskPath, *socketPath, *memSize<<20, log); err != nil {
		log.Error("barefw: exit", "err", err)
		os.Exit(1)
	}
}

func run(configPath, diskPath, socketPath string, memSize int, log *slog.Logger) error {
	var cfg firmware.Config
	if configPath != "" {
		var err error
		if cfg, err = firmware.LoadConfig(configPath); err != nil {
			return err
		}
	}

	cfg.Log = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	devices := []virtio.DeviceHandler{nil}

	if diskPath != "" {
		storage, err := openDisk(diskPath)
		if err != nil {
			return err
		}

		devices = append(devices, &virtio.Block{Storage: storage, Log: log})
	}

	link, err := acceptLink(ctx, socketPath, log)
	if err != nil {
		return err
	}

	defer link.Close()

	devices[0] = &virtio.FIFO{Conn: link, Log: log}

	m, err := machine.New(machine.Config{
		MemSize:    memSize,
		DeviceBase: cfg.Net.Base,
		IRQ:        int(cfg.Net.IRQ),
		Devices:    devices,
		Log:        log,
	})

	if err != nil {
		return err
	}

	for _, d := range m.Devices() {
		log.Info("barefw: device", "type", d.Type, "addr", fmt.Sprintf("%#x", d.Addr), "irq", d.IRQ)
	}

	fw, err := firmware.Boot(cfg, m, m.Memory(), m.Wake())
	if err != nil {
		return err
	}

	defer fw.Close()

	log.Info("barefw: system ready, access http://localhost:8080 through the bridge")
	return fw.Run(ctx)
}

// acceptLink listens on path and returns the first bridge connection.
func acceptLink(ctx context.Context, path string, log *slog.Logger) (net.Conn, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("barefw: remove stale socket: %w", err)
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("barefw: listen: %w", err)
	}

	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	log.Info("barefw: waiting for bridge", "socket", path)

	c, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("barefw: accept: %w", err)
	}

	log.Info("barefw: bridge connected")
	return c, nil
}

func openDisk(s string) (storage virtio.BlockStorage, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("barefw: open disk %s: %w", s, err)
		}
	}()

	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "", "file":
		f, err := os.OpenFile(u.Path, os.O_RDWR, 0)
		if err != nil {
			return nil, err
		}

		return &virtio.FileStorage{File: f}, nil

	case "http", "https":
		hs := &virtio.HTTPStorage{URL: u.String()}
		if _, err := hs.Size(); err != nil {
			return nil, err
		}

		return hs, nil

	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}
