// Debugbridge connects to the simulator's FIFO link, logs every frame with
// a hex dump and answers ARP for the gateway. It provides no connectivity.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/c35s/barefw/bridge"
	"golang.org/x/term"
)

func main() {
	var (
		socket  = flag.String("socket", bridge.SocketDefault, "connect to the link at `addr` (path, unix://path or vsock://cid:port)")
		dumpLen = flag.Int("dump", 64, "hex dump the first `n` bytes of each frame (0 disables)")
	)

	flag.Parse()

	var log *slog.Logger
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	} else {
		log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := bridge.Dial(ctx, *socket, log)
	if err != nil {
		log.Error("debugbridge: connect failed", "err", err)
		os.Exit(1)
	}

	cfg := bridge.DebugConfig{Log: log}
	if *dumpLen > 0 {
		cfg.Dump = os.Stdout
		cfg.DumpLen = *dumpLen
	}

	if err := bridge.NewDebug(cfg, link).Run(ctx); err != nil {
		log.Error("debugbridge: stopped", "err", err)
		os.Exit(1)
	}
}
