package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ifnfn/libvirtio/vio"
)

// Register offsets from the virtio-mmio specification. A few of them
// (device and vendor id, queue num, config generation, config base) are
// named for reference but not accessed by MMIO; the shim otherwise hides
// the legacy/PCI distinction from callers.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	magicValue = 0x74726976 // ASCII "virt" read as a little-endian uint32
)

// featureVersion1 is the bit that marks a device as speaking the modern
// (VIRTIO_F_VERSION_1) protocol.
const featureVersion1 = uint64(1) << vio.FeatureVersion1

// RegisterIO performs the raw loads and stores of a virtio-mmio register
// window. Discovering that window (bus enumeration, device-tree lookup) is
// the caller's concern; RegisterIO only ever sees offsets already known to
// belong to this device.
type RegisterIO interface {
	Load32(offset uint32) uint32
	Store32(offset uint32, value uint32)

	// LoadConfig loads size (1, 2, 4, or 8) bytes from the device
	// configuration region starting at regConfig+offset.
	LoadConfig(offset uint32, size uint8) uint64
}

// MMIO is the Transport implementation for the virtio-mmio bus. It is
// sufficient for every operation this driver core requires; legacy-vs-modern
// distinction is expressed entirely through the version register and the
// FEATURES_OK handshake, not through a separate PCI code path.
type MMIO struct {
	io     RegisterIO
	log    *slog.Logger
	modern bool
	queue  uint16
}

// NewMMIO validates the magic value and version register of the window
// behind io and returns a Transport bound to it. It does not touch the
// status register; callers drive negotiation explicitly.
func NewMMIO(io RegisterIO, log *slog.Logger) (*MMIO, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &MMIO{io: io, log: log}

	magic := io.Load32(regMagicValue)
	if magic != magicValue {
		return nil, fmt.Errorf("%w: bad magic value %#x", vio.ErrTransportFault, magic)
	}

	version := io.Load32(regVersion)
	switch version {
	case 1:
		m.modern = false
	case 2:
		m.modern = true
	default:
		return nil, fmt.Errorf("%w: unsupported mmio version %d", vio.ErrTransportFault, version)
	}

	return m, nil
}

func (m *MMIO) IsModern() bool { return m.modern }

// Reset writes zero to the status register. A real device can take
// several cycles to complete reset and expects the driver to poll status
// until it reads back zero before proceeding; this single-write
// implementation does not poll for that readback.
func (m *MMIO) Reset(ctx context.Context) error {
	m.io.Store32(regStatus, 0)
	return nil
}

func (m *MMIO) GetStatus(ctx context.Context) (uint32, error) {
	return m.io.Load32(regStatus), nil
}

func (m *MMIO) SetStatus(ctx context.Context, bits uint32) error {
	m.io.Store32(regStatus, bits)
	return nil
}

func (m *MMIO) GetHostFeatures(ctx context.Context, sel uint32) (uint32, error) {
	m.io.Store32(regDeviceFeaturesSel, sel)
	return m.io.Load32(regDeviceFeatures), nil
}

func (m *MMIO) SetGuestFeatures(ctx context.Context, sel uint32, value uint32) error {
	m.io.Store32(regDriverFeaturesSel, sel)
	m.io.Store32(regDriverFeatures, value)
	return nil
}

func (m *MMIO) Negotiate(ctx context.Context, offered uint64) (Result, error) {
	lo, err := m.GetHostFeatures(ctx, 0)
	if err != nil {
		return Result{}, err
	}
	hi, err := m.GetHostFeatures(ctx, 1)
	if err != nil {
		return Result{}, err
	}
	host := uint64(lo) | uint64(hi)<<32
	accepted := host & offered

	if err := m.SetGuestFeatures(ctx, 0, uint32(accepted)); err != nil {
		return Result{}, err
	}
	if err := m.SetGuestFeatures(ctx, 1, uint32(accepted>>32)); err != nil {
		return Result{}, err
	}

	if accepted&featureVersion1 == 0 {
		// Legacy path: no FEATURES_OK round trip.
		return Result{Accepted: accepted, Modern: false}, nil
	}

	status, err := m.GetStatus(ctx)
	if err != nil {
		return Result{}, err
	}
	if err := m.SetStatus(ctx, status|vio.StatusFeaturesOK); err != nil {
		return Result{}, err
	}
	status, err = m.GetStatus(ctx)
	if err != nil {
		return Result{}, err
	}
	if status&vio.StatusFeaturesOK == 0 {
		m.log.Error("device rejected feature set", "accepted", accepted)
		return Result{}, fmt.Errorf("%w: device did not latch FEATURES_OK", vio.ErrNegotiationFailed)
	}

	return Result{Accepted: accepted, Modern: true}, nil
}

func (m *MMIO) QueueSelect(ctx context.Context, idx uint16) error {
	m.queue = idx
	m.io.Store32(regQueueSel, uint32(idx))
	return nil
}

func (m *MMIO) QueueMaxSize(ctx context.Context) (uint16, error) {
	return uint16(m.io.Load32(regQueueNumMax)), nil
}

func (m *MMIO) QueueSetAddresses(ctx context.Context, descAddr, availAddr, usedAddr uint64) error {
	m.io.Store32(regQueueDescLow, uint32(descAddr))
	m.io.Store32(regQueueDescHigh, uint32(descAddr>>32))
	m.io.Store32(regQueueAvailLow, uint32(availAddr))
	m.io.Store32(regQueueAvailHigh, uint32(availAddr>>32))
	m.io.Store32(regQueueUsedLow, uint32(usedAddr))
	m.io.Store32(regQueueUsedHigh, uint32(usedAddr>>32))
	return nil
}

func (m *MMIO) QueueReady(ctx context.Context, ready bool) error {
	var v uint32
	if ready {
		v = 1
	}
	m.io.Store32(regQueueReady, v)
	return nil
}

func (m *MMIO) QueueTerm(ctx context.Context) error {
	return m.QueueReady(ctx, false)
}

func (m *MMIO) QueueNotify(ctx context.Context, idx uint16) error {
	m.io.Store32(regQueueNotify, uint32(idx))
	return nil
}

func (m *MMIO) ConfigRead(ctx context.Context, offset uint32, size uint8) (uint64, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return 0, fmt.Errorf("config read: unsupported width %d", size)
	}
	return m.io.LoadConfig(offset, size), nil
}

func (m *MMIO) InterruptStatus(ctx context.Context) (uint32, error) {
	return m.io.Load32(regInterruptStatus), nil
}

func (m *MMIO) InterruptAck(ctx context.Context, bits uint32) error {
	m.io.Store32(regInterruptAck, bits)
	return nil
}
