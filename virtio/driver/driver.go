// Package driver implements polled virtio-mmio drivers for a block device
// and a FIFO network device, and the dispatcher that services their
// completions from the interrupt handler or the main loop.
//
// Drivers are not safe for concurrent use. They expect a single thread of
// control, which may be interrupted only by the dispatcher's
// HandleInterrupt.
package driver

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceAbsent      = errors.New("driver: device absent")
	ErrFeaturesRejected  = errors.New("driver: device rejected features")
	ErrQueueUnavailable  = errors.New("driver: queue unavailable")
	ErrResourceExhausted = errors.New("driver: resource exhausted")
	ErrProtocol          = errors.New("driver: protocol violation")
	ErrIO                = errors.New("driver: I/O error")
	ErrBadRequest        = errors.New("driver: bad request")
	ErrOutOfRange        = errors.New("driver: sector out of range")
	ErrTimeout           = errors.New("driver: request timed out")
	ErrDeviceHung        = errors.New("driver: device hung")

	// ErrFrameTooLarge is both a protocol violation and a resource error.
	ErrFrameTooLarge = fmt.Errorf("%w: %w: frame too large", ErrProtocol, ErrResourceExhausted)
)
