// Package bridge connects host programs to the simulator's FIFO link, the
// Unix socket or vsock stream that carries length-prefixed Ethernet frames.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/mdlayher/vsock"
)

const (
	// SocketDefault is the link socket the simulator listens on.
	SocketDefault = "/tmp/spike_fifo.sock"

	DialAttempts = 60
	DialInterval = 500 * time.Millisecond
)

var ErrAddr = errors.New("bridge: bad link address")

// Dial connects to the link at addr, which is a Unix socket path, a
// unix:// URL or vsock://cid:port. The simulator may still be starting, so
// failed attempts are retried DialAttempts times, DialInterval apart.
func Dial(ctx context.Context, addr string, log *slog.Logger) (net.Conn, error) {
	if log == nil {
		log = slog.Default()
	}

	dial, err := dialer(addr)
	if err != nil {
		return nil, err
	}

	log.Info("bridge: connecting", "addr", addr)

	var last error
	for i := 0; i < DialAttempts; i++ {
		c, err := dial(ctx)
		if err == nil {
			log.Info("bridge: connected", "addr", addr)
			return c, nil
		}

		last = err
		if i%10 == 0 {
			log.Info("bridge: waiting for link", "addr", addr, "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(DialInterval):
		}
	}

	return nil, fmt.Errorf("bridge: dial %s: %w", addr, last)
}

func dialer(addr string) (func(context.Context) (net.Conn, error), error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAddr, err)
	}

	switch u.Scheme {
	case "", "unix":
		path := u.Path
		if path == "" {
			path = u.Opaque
		}

		if path == "" {
			return nil, fmt.Errorf("%w: %q has no path", ErrAddr, addr)
		}

		var d net.Dialer
		return func(ctx context.Context) (net.Conn, error) {
			return d.DialContext(ctx, "unix", path)
		}, nil

	case "vsock":
		cid, err := strconv.ParseUint(u.Hostname(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: cid: %w", ErrAddr, err)
		}

		port, err := strconv.ParseUint(u.Port(), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: port: %w", ErrAddr, err)
		}

		return func(context.Context) (net.Conn, error) {
			c, err := vsock.Dial(uint32(cid), uint32(port), nil)
			if err != nil {
				return nil, err
			}

			return c, nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrAddr, u.Scheme)
	}
}
