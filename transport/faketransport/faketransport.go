// Package faketransport implements transport.Transport entirely in Go
// memory, playing the hypervisor side of the protocol so driver code can be
// exercised without a real virtio-mmio device. It is the test and scenario-
// harness counterpart of transport.MMIO: where MMIO speaks to real
// registers, Fake answers every call itself and exposes a scripting surface
// (NotifyCount, QueueIsReady, QueueAddresses, SetConfig, InjectInterrupt,
// ResetCount, StatusHistory) the test or harness code drives directly.
package faketransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ifnfn/libvirtio/transport"
	"github.com/ifnfn/libvirtio/vio"
	"github.com/ifnfn/libvirtio/virtqueue"
)

// QueueConfig describes one virtual queue the fake device exposes.
type QueueConfig struct {
	MaxSize uint16
}

// Fake is an in-memory stand-in for a virtio device. The zero value is not
// usable; construct with New.
type Fake struct {
	mu sync.Mutex

	memory virtqueue.Memory // the same arena Queue.Init will allocate descriptors/rings into

	hostFeatures uint64
	guestFeatures uint64
	status       uint32
	modern       bool

	queues       []QueueConfig
	selected     uint16
	queueAddrs   []queueAddrs
	queueReady   []bool
	notifyCount  []int

	config []byte

	interruptStatus uint32

	resetCount     int
	statusHistory  []uint32
}

type queueAddrs struct {
	desc, avail, used uint64
}

// New constructs a Fake offering hostFeatures, with the given per-queue
// maximum sizes and an initial device-config byte region. mem is the
// backing arena the driver's Allocator will carve descriptor tables and
// rings out of; a Fake does not allocate its own memory, it only reads and
// writes the addresses the driver publishes to it, exactly as a real
// device would.
func New(mem virtqueue.Memory, hostFeatures uint64, queues []QueueConfig, config []byte) *Fake {
	f := &Fake{
		memory:       mem,
		hostFeatures: hostFeatures,
		queues:       queues,
		queueAddrs:   make([]queueAddrs, len(queues)),
		queueReady:   make([]bool, len(queues)),
		notifyCount:  make([]int, len(queues)),
		config:       append([]byte(nil), config...),
	}
	return f
}

func (f *Fake) Reset(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = 0
	f.guestFeatures = 0
	f.modern = false
	for i := range f.queueReady {
		f.queueReady[i] = false
		f.queueAddrs[i] = queueAddrs{}
	}
	f.resetCount++
	return nil
}

func (f *Fake) GetStatus(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *Fake) SetStatus(ctx context.Context, bits uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = bits
	f.statusHistory = append(f.statusHistory, bits)
	return nil
}

func (f *Fake) GetHostFeatures(ctx context.Context, sel uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sel == 0 {
		return uint32(f.hostFeatures), nil
	}
	return uint32(f.hostFeatures >> 32), nil
}

func (f *Fake) SetGuestFeatures(ctx context.Context, sel uint32, value uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sel == 0 {
		f.guestFeatures = f.guestFeatures&^0xFFFFFFFF | uint64(value)
	} else {
		f.guestFeatures = f.guestFeatures&0xFFFFFFFF | uint64(value)<<32
	}
	return nil
}

// Negotiate implements the driver-facing feature exchange directly, since
// Fake plays both ends: it computes the intersection, latches it as the
// guest features, and reports modern if VIRTIO_F_VERSION_1 survived.
func (f *Fake) Negotiate(ctx context.Context, offered uint64) (transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	accepted := offered & f.hostFeatures
	f.guestFeatures = accepted
	f.modern = accepted&vio.FeatureBit(vio.FeatureVersion1) != 0
	return transport.Result{Accepted: accepted, Modern: f.modern}, nil
}

func (f *Fake) QueueSelect(ctx context.Context, idx uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(idx) >= len(f.queues) {
		return fmt.Errorf("faketransport: queue %d does not exist", idx)
	}
	f.selected = idx
	return nil
}

func (f *Fake) QueueMaxSize(ctx context.Context) (uint16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queues[f.selected].MaxSize, nil
}

func (f *Fake) QueueSetAddresses(ctx context.Context, descAddr, availAddr, usedAddr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueAddrs[f.selected] = queueAddrs{desc: descAddr, avail: availAddr, used: usedAddr}
	return nil
}

func (f *Fake) QueueReady(ctx context.Context, ready bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueReady[f.selected] = ready
	return nil
}

func (f *Fake) QueueTerm(ctx context.Context) error {
	return f.QueueReady(ctx, false)
}

func (f *Fake) QueueNotify(ctx context.Context, idx uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(idx) >= len(f.notifyCount) {
		return fmt.Errorf("faketransport: notify on unknown queue %d", idx)
	}
	f.notifyCount[idx]++
	return nil
}

func (f *Fake) ConfigRead(ctx context.Context, offset uint32, size uint8) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if int(offset)+int(size) > len(f.config) {
		return 0, fmt.Errorf("faketransport: config read [%d,%d) out of range (len %d)", offset, offset+uint32(size), len(f.config))
	}
	var v uint64
	for i := uint8(0); i < size; i++ {
		v |= uint64(f.config[offset+uint32(i)]) << (8 * i)
	}
	return v, nil
}

func (f *Fake) InterruptStatus(ctx context.Context) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interruptStatus, nil
}

func (f *Fake) InterruptAck(ctx context.Context, bits uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interruptStatus &^= bits
	return nil
}

func (f *Fake) IsModern() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modern
}

// --- Scripting surface for tests and the scenario harness ---

// NotifyCount reports how many times the driver has kicked queue idx.
func (f *Fake) NotifyCount(idx uint16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifyCount[idx]
}

// QueueIsReady reports whether the driver marked queue idx ready.
func (f *Fake) QueueIsReady(idx uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queueReady[idx]
}

// QueueAddresses returns the descriptor/avail/used addresses the driver
// published for queue idx, for a test to drive a Queue's PollUsed /
// PublishUsedEntry helpers against the same region.
func (f *Fake) QueueAddresses(idx uint16) (desc, avail, used uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a := f.queueAddrs[idx]
	return a.desc, a.avail, a.used
}

// SetConfig overwrites the device-config region visible to ConfigRead.
func (f *Fake) SetConfig(config []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config = append([]byte(nil), config...)
}

// InjectInterrupt sets bits in the interrupt-status register, as a real
// device would right before raising its IRQ line.
func (f *Fake) InjectInterrupt(bits uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interruptStatus |= bits
}

// ResetCount reports how many times the driver has called Reset, for tests
// asserting on shutdown/recovery paths.
func (f *Fake) ResetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCount
}

// StatusHistory returns every cumulative status value the driver has
// written, in order, for a test or the scenario runner to assert on or
// print the negotiation trajectory.
func (f *Fake) StatusHistory() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.statusHistory...)
}
