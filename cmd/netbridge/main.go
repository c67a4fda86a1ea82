// Netbridge connects the simulator's FIFO link to the host: it acts as the
// guest's gateway and forwards host TCP ports into the guest.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c35s/barefw/bridge"
	"golang.org/x/term"
)

// forwards is a repeatable -forward flag.
type forwards []bridge.Forward

func (f *forwards) String() string {
	var s []string
	for _, fw := range *f {
		s = append(s, fw.Listen+"="+fw.Guest.String())
	}

	return strings.Join(s, ",")
}

func (f *forwards) Set(v string) error {
	listen, guest, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("want host:port=guest:port, got %q", v)
	}

	ap, err := netip.ParseAddrPort(guest)
	if err != nil {
		return err
	}

	*f = append(*f, bridge.Forward{Listen: listen, Guest: ap})
	return nil
}

func main() {
	var fwds forwards

	var (
		socket  = flag.String("socket", bridge.SocketDefault, "connect to the link at `addr` (path, unix://path or vsock://cid:port)")
		verbose = flag.Bool("v", false, "log debug messages")
	)

	flag.Var(&fwds, "forward", "forward `host:port=guest:port` (repeatable; default 127.0.0.1:8080=10.0.2.15:80)")
	flag.Parse()

	if len(fwds) == 0 {
		fwds = forwards{bridge.ForwardDefault}
	}

	log := newLogger(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	link, err := bridge.Dial(ctx, *socket, log)
	if err != nil {
		log.Error("netbridge: connect failed", "err", err)
		os.Exit(1)
	}

	gw, err := bridge.NewGateway(bridge.GatewayConfig{Forwards: fwds, Log: log}, link)
	if err != nil {
		log.Error("netbridge: gateway failed", "err", err)
		os.Exit(1)
	}

	if err := gw.Run(ctx); err != nil {
		log.Error("netbridge: stopped", "err", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
