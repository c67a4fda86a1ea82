// Package virtio holds the types shared by virtio drivers and emulated
// virtio devices.
package virtio

import (
	"fmt"

	"github.com/c35s/barefw/virtio/virtq"
)

// DeviceHandler implements the device-specific half of an emulated device.
type DeviceHandler interface {

	// GetType identifies the type of the device.
	GetType() DeviceID

	// GetFeatures returns additional feature bits supported by the device.
	GetFeatures() uint64

	// Ready is called after the driver sets DRIVER_OK. It must not block.
	Ready(negotiatedFeatures uint64) error

	// Handle is called when new buffers are available to the device. It is
	// called in a separate goroutine per queueNum, and calls with the same
	// queueNum do not overlap. Notifications are coalesced, so Handle may
	// only be called once in response to multiple driver notifications.
	Handle(queueNum int, q *virtq.DeviceQueue) error

	// ReadConfig reads the device configuration space at off into p.
	ReadConfig(p []byte, off int) error
}

// DeviceID identifies the type of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	SocketDeviceID  = DeviceID(19)

	// FIFODeviceID is a byte pipe carrying length-prefixed Ethernet
	// frames, one frame per buffer.
	FIFODeviceID = DeviceID(31)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

// device status bits

const (
	StatusAcknowledge = 1   // recognized by the guest
	StatusDriver      = 2   // the guest has a driver
	StatusDriverOK    = 4   // ready to drive
	StatusFeaturesOK  = 8   // features negotiated
	StatusNeedsReset  = 64  // fatal device error
	StatusFailed      = 128 // fatal driver error
)

const (

	// FIndirectDesc (VIRTIO_F_INDIRECT_DESC) lets the driver use indirect
	// descriptor tables.
	FIndirectDesc = 1 << 28

	// FEventIdx (VIRTIO_F_EVENT_IDX) enables the used_event and avail_event
	// fields.
	FEventIdx = 1 << 29

	// FVersion1 (VIRTIO_F_VERSION_1) "indicates compliance with [the virtio]
	// specification, giving a simple way to detect legacy devices or drivers."
	FVersion1 = 1 << 32

	// FAccessPlatform (VIRTIO_F_ACCESS_PLATFORM) means device memory access
	// may be limited or translated, e.g. by an IOMMU.
	FAccessPlatform = 1 << 33

	// FRingPacked (VIRTIO_F_RING_PACKED) indicates support for the packed
	// virtqueue layout.
	FRingPacked = 1 << 34
)

// RequiredFeatures are the feature bits a device insists on before it
// accepts FEATURES_OK.
const RequiredFeatures = FVersion1

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"

	case NetworkDeviceID:
		return "network"

	case BlockDeviceID:
		return "block"

	case ConsoleDeviceID:
		return "console"

	case SocketDeviceID:
		return "socket"

	case FIFODeviceID:
		return "fifo"

	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
