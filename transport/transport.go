// Package transport abstracts the bus-specific register interface a virtio
// device presents (virtio-mmio in this module's sole concrete
// implementation) behind the operations the negotiation FSM and the block
// and network drivers actually need: status manipulation, feature exchange,
// per-queue programming, notification, and config-space reads. Bus
// discovery — finding the MMIO window in the first place — is the caller's
// concern; a Transport is handed a window that already exists.
package transport

import "context"

// Transport is the guest-facing operation set a virtio driver performs
// against a single device, independent of whether that device is legacy or
// modern, PCI or MMIO. Drivers never touch bus registers directly.
type Transport interface {
	// Reset returns the device to its initial, unnegotiated state.
	Reset(ctx context.Context) error

	// GetStatus returns the current device status bitfield.
	GetStatus(ctx context.Context) (uint32, error)
	// SetStatus writes bits to the device status register, replacing its
	// previous contents. The caller supplies the full cumulative value it
	// wants latched, so status bits accumulate across successive calls.
	SetStatus(ctx context.Context, bits uint32) error

	// GetHostFeatures reads one 32-bit window (selected by sel: 0 for
	// bits 0-31, 1 for bits 32-63) of the device's offered feature bits.
	GetHostFeatures(ctx context.Context, sel uint32) (uint32, error)
	// SetGuestFeatures writes one 32-bit window of the driver's accepted
	// feature bits.
	SetGuestFeatures(ctx context.Context, sel uint32, value uint32) error

	// Negotiate performs the full feature exchange: reads both host
	// feature windows, ANDs them against offered, writes the result to
	// both driver feature windows, and if VIRTIO_F_VERSION_1 is among the
	// result, confirms FEATURES_OK stuck. Legacy devices (no VIRTIO_F_VERSION_1
	// on offer) skip the FEATURES_OK round trip per the virtio legacy
	// protocol.
	Negotiate(ctx context.Context, offered uint64) (Result, error)

	// QueueSelect makes queue idx the target of the QueueMaxSize,
	// QueueSetAddresses, QueueReady and QueueTerm calls that follow.
	QueueSelect(ctx context.Context, idx uint16) error
	// QueueMaxSize returns the maximum size the device supports for the
	// currently selected queue, or 0 if the queue does not exist.
	QueueMaxSize(ctx context.Context) (uint16, error)
	// QueueSetAddresses publishes the physical addresses of the
	// descriptor table, available ring and used ring for the currently
	// selected queue.
	QueueSetAddresses(ctx context.Context, descAddr, availAddr, usedAddr uint64) error
	// QueueReady marks the currently selected queue live or torn down.
	QueueReady(ctx context.Context, ready bool) error
	// QueueTerm releases device-side resources for the currently
	// selected queue.
	QueueTerm(ctx context.Context) error
	// QueueNotify tells the device that new descriptors are available on
	// queue idx.
	QueueNotify(ctx context.Context, idx uint16) error

	// ConfigRead reads size bytes (1, 2, 4, or 8) from the device-specific
	// configuration region at offset.
	ConfigRead(ctx context.Context, offset uint32, size uint8) (uint64, error)

	// InterruptStatus returns the pending interrupt cause bits.
	InterruptStatus(ctx context.Context) (uint32, error)
	// InterruptAck clears the given interrupt cause bits.
	InterruptAck(ctx context.Context, bits uint32) error

	// IsModern reports whether the transport treats the device as modern
	// (VIRTIO_F_VERSION_1). MMIO answers from the version register read at
	// construction; the fake transport answers from its last Negotiate.
	// The drivers in this module take their byte order from
	// negotiate.Outcome, not from IsModern.
	IsModern() bool
}

// Result is the outcome of a feature negotiation round.
type Result struct {
	// Accepted is the intersection of offered and host-supported
	// features that the device has acknowledged (FEATURES_OK observed,
	// or, for legacy devices, simply latched).
	Accepted uint64
	// Modern reports whether the negotiated device speaks the modern
	// (VIRTIO_F_VERSION_1) protocol.
	Modern bool
}
