// Package virtqueue implements the guest side of a virtio split virtqueue:
// descriptor table management, the available-ring producer path, and the
// used-ring consumer path, with the memory-ordering discipline the protocol
// requires against a concurrently-running hypervisor peer. It does not know
// about block or network semantics; blkdrv and netdrv build request
// submission on top of it.
package virtqueue

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ifnfn/libvirtio/transport"
	"github.com/ifnfn/libvirtio/vio"
)

// Descriptor mirrors one split-ring descriptor-table entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// UsedEntry mirrors one used-ring entry the device has written.
type UsedEntry struct {
	ID  uint32
	Len uint32
}

// Queue is the guest-side handle for one virtqueue: the descriptor table,
// available ring, used ring, and the local cursor tracking how far the
// driver has drained the used ring. It is not internally synchronized —
// callers serialize access to a given Queue themselves, per the single
// producer / single consumer contract a guest driver thread has with its
// own queues.
type Queue struct {
	t     transport.Transport // non-owning: the queue never closes or resets its transport
	index uint16
	size  uint16
	mem   Memory
	base  uint64
	lay   layout
	order binary.ByteOrder

	availIdx        uint16 // software cursor of descriptors this driver has published
	lastSeenUsedIdx uint16 // local cursor: never a package-level global
	testUsedProdIdx uint16 // device-side used.idx cursor, used only by PublishUsedEntry
	devAvailIdx     uint16 // device-side avail.idx consumer cursor, used only by PollAvail
}

// Init selects queue idx on t, reads its maximum size, allocates one
// zeroed, physically-contiguous region sized to hold the descriptor table,
// available ring and used ring with the padding each requires, and
// publishes the resulting addresses back to the device. order controls how
// ring and descriptor fields are marshalled (byteorder.WireOrder(adapter)).
func Init(ctx context.Context, t transport.Transport, idx uint16, alloc Allocator, order binary.ByteOrder) (*Queue, error) {
	if err := t.QueueSelect(ctx, idx); err != nil {
		return nil, fmt.Errorf("%w: select queue %d: %v", vio.ErrQueueInitFailed, idx, err)
	}
	size, err := t.QueueMaxSize(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read max size of queue %d: %v", vio.ErrQueueInitFailed, idx, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: queue %d does not exist", vio.ErrQueueInitFailed, idx)
	}

	lay := computeLayout(size)
	base, mem, err := alloc.AllocAligned(int(lay.total), descTableAlign)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vio.ErrOutOfMemory, err)
	}

	zero := make([]byte, lay.total)
	if _, err := mem.WriteAt(zero, int64(base)); err != nil {
		return nil, fmt.Errorf("%w: zeroing queue %d region: %v", vio.ErrQueueInitFailed, idx, err)
	}

	q := &Queue{
		t:     t,
		index: idx,
		size:  size,
		mem:   mem,
		base:  base,
		lay:   lay,
		order: order,
	}

	if err := t.QueueSetAddresses(ctx, base+lay.descOff, base+lay.availOff, base+lay.usedOff); err != nil {
		return nil, fmt.Errorf("%w: publish addresses for queue %d: %v", vio.ErrQueueInitFailed, idx, err)
	}
	if err := t.QueueReady(ctx, true); err != nil {
		return nil, fmt.Errorf("%w: mark queue %d ready: %v", vio.ErrQueueInitFailed, idx, err)
	}

	return q, nil
}

// Size returns the negotiated number of descriptor slots, Q.
func (q *Queue) Size() uint16 { return q.size }

// Index returns the transport-level index this queue was selected at.
func (q *Queue) Index() uint16 { return q.index }

// Memory returns the shared arena this queue's rings live in, so a device
// driver can place request headers and status bytes alongside them instead
// of juggling a second allocator handle.
func (q *Queue) Memory() Memory { return q.mem }

// AvailIdx returns the current value of the driver's available-ring
// producer cursor, for callers implementing a deterministic descriptor
// allocation policy (head = avail.idx * K mod Q).
func (q *Queue) AvailIdx() uint16 { return q.availIdx }

func (q *Queue) descAddr(id uint16) uint64 {
	return q.base + q.lay.descOff + uint64(id)*descEntrySize
}

// loadHeader and storeHeader are the only places that touch a ring's
// four-byte {flags,idx} header word. LoadAcquire32/StoreRelease32 move raw
// native-endian machine words to get the atomic CPU instruction the
// happens-before edge rides on; the wire bytes underneath must still be
// composed through q.order exactly once per direction, same as every other
// field on the ring, so storeHeader encodes flags/idx with q.order first
// and then reinterprets those bytes as the native word the atomic store
// writes, and loadHeader reverses the steps.
func (q *Queue) loadHeader(addr uint64) (flags, idx uint16) {
	raw := q.mem.LoadAcquire32(addr)
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], raw)
	return q.order.Uint16(buf[0:2]), q.order.Uint16(buf[2:4])
}

func (q *Queue) storeHeader(addr uint64, flags, idx uint16) {
	var buf [4]byte
	q.order.PutUint16(buf[0:2], flags)
	q.order.PutUint16(buf[2:4], idx)
	q.mem.StoreRelease32(addr, binary.NativeEndian.Uint32(buf[:]))
}

// FillDesc writes descriptor slot id. next is ignored unless flags has
// descFNext set.
func (q *Queue) FillDesc(id uint16, addr uint64, length uint32, flags uint16, next uint16) error {
	if id >= q.size {
		return fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", id, q.size)
	}
	var buf [descEntrySize]byte
	q.order.PutUint64(buf[0:8], addr)
	q.order.PutUint32(buf[8:12], length)
	q.order.PutUint16(buf[12:14], flags)
	q.order.PutUint16(buf[14:16], next)
	_, err := q.mem.WriteAt(buf[:], int64(q.descAddr(id)))
	return err
}

// FreeDesc zeroes descriptor slot id. Allocation in this module is
// index-based rather than free-list based (see Submit), so this exists
// purely to leave a stale slot in a clean state before it is refilled;
// the block and network drivers in this module refill slots with FillDesc
// directly and do not call it.
func (q *Queue) FreeDesc(id uint16) error {
	if id >= q.size {
		return fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", id, q.size)
	}
	var buf [descEntrySize]byte
	_, err := q.mem.WriteAt(buf[:], int64(q.descAddr(id)))
	return err
}

// ReadDesc reads back descriptor slot id.
func (q *Queue) ReadDesc(id uint16) (Descriptor, error) {
	if id >= q.size {
		return Descriptor{}, fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", id, q.size)
	}
	var buf [descEntrySize]byte
	if _, err := q.mem.ReadAt(buf[:], int64(q.descAddr(id))); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  q.order.Uint64(buf[0:8]),
		Len:   q.order.Uint32(buf[8:12]),
		Flags: q.order.Uint16(buf[12:14]),
		Next:  q.order.Uint16(buf[14:16]),
	}, nil
}

// Submit publishes head as the next available descriptor chain and
// notifies the device. The ordering is: descriptor writes (already issued
// by the caller via FillDesc) happen-before the avail-ring entry write,
// which happens-before the avail.idx release-store, which happens-before
// queue_notify — each edge carried by the StoreRelease32 on the avail ring
// header, matching the protocol's memory-ordering contract.
func (q *Queue) Submit(ctx context.Context, head uint16) error {
	ringSlot := q.availIdx % q.size
	ringAddr := q.base + q.lay.availOff + availHeaderSize + uint64(ringSlot)*2
	var buf [2]byte
	q.order.PutUint16(buf[:], head)
	if _, err := q.mem.WriteAt(buf[:], int64(ringAddr)); err != nil {
		return fmt.Errorf("virtqueue: publish avail ring entry: %w", err)
	}

	newIdx := q.availIdx + 1
	flags, _ := q.loadHeader(q.base + q.lay.availOff) // keep flags set by SetAvailFlags
	q.storeHeader(q.base+q.lay.availOff, flags, newIdx)
	q.availIdx = newIdx

	if err := q.t.QueueNotify(ctx, q.index); err != nil {
		return fmt.Errorf("virtqueue: notify queue %d: %w", q.index, err)
	}
	return nil
}

// SetAvailFlags writes the avail-ring flags word (e.g. VIRTQ_AVAIL_F_NO_INTERRUPT)
// without advancing avail.idx, for queues like a transmit queue that are
// pre-configured to suppress used-buffer interrupts.
func (q *Queue) SetAvailFlags(flags uint16) {
	q.storeHeader(q.base+q.lay.availOff, flags, q.availIdx)
}

// PublishAvailIdx sets the avail.idx producer cursor directly, for a caller
// that pre-posts a batch of buffers in one step rather than one Submit call
// per chain. It does not notify the device. (netdrv pre-posts its receive
// buffers with one Submit each instead.)
func (q *Queue) PublishAvailIdx(idx uint16) {
	flags, _ := q.loadHeader(q.base + q.lay.availOff)
	q.storeHeader(q.base+q.lay.availOff, flags, idx)
	q.availIdx = idx
}

// WriteAvailRing writes descriptor head into available-ring slot i directly,
// for batch pre-posting where the caller publishes avail.idx itself
// afterward via PublishAvailIdx.
func (q *Queue) WriteAvailRing(i uint16, head uint16) error {
	ringAddr := q.base + q.lay.availOff + availHeaderSize + uint64(i%q.size)*2
	var buf [2]byte
	q.order.PutUint16(buf[:], head)
	_, err := q.mem.WriteAt(buf[:], int64(ringAddr))
	return err
}

// UsedIdx loads the device's used.idx producer cursor with acquire
// semantics.
func (q *Queue) UsedIdx() uint16 {
	_, idx := q.loadHeader(q.base + q.lay.usedOff)
	return idx
}

func (q *Queue) readUsedEntry(slot uint16) (UsedEntry, error) {
	addr := q.base + q.lay.usedOff + usedHeaderSize + uint64(slot)*usedEntrySize
	var buf [usedEntrySize]byte
	if _, err := q.mem.ReadAt(buf[:], int64(addr)); err != nil {
		return UsedEntry{}, err
	}
	return UsedEntry{
		ID:  q.order.Uint32(buf[0:4]),
		Len: q.order.Uint32(buf[4:8]),
	}, nil
}

// PollUsed checks whether the device has completed at least one more
// request than last_seen_used_idx has observed. It loads used.idx with
// acquire semantics first, so that if it observes an advance, the
// corresponding used-ring entry (written by the device before its release
// store of used.idx) is safe to read with a plain load. ok is false if
// nothing new has completed.
func (q *Queue) PollUsed() (entry UsedEntry, ok bool, err error) {
	idx := q.UsedIdx()
	if idx == q.lastSeenUsedIdx {
		return UsedEntry{}, false, nil
	}
	entry, err = q.readUsedEntry(q.lastSeenUsedIdx % q.size)
	if err != nil {
		return UsedEntry{}, false, err
	}
	q.lastSeenUsedIdx++
	return entry, true, nil
}

// PollAvail is the device side's counterpart to PollUsed: it checks whether
// the driver has published at least one more descriptor chain than this
// queue's device-side cursor has consumed, returning the chain's head
// descriptor index. It exists for the scenario harness and device-model
// test doubles that play the hypervisor side of a Queue created by driver
// code; a real guest driver never calls it.
func (q *Queue) PollAvail() (head uint16, ok bool, err error) {
	_, idx := q.loadHeader(q.base + q.lay.availOff)
	if idx == q.devAvailIdx {
		return 0, false, nil
	}
	slot := q.devAvailIdx % q.size
	addr := q.base + q.lay.availOff + availHeaderSize + uint64(slot)*2
	var buf [2]byte
	if _, err := q.mem.ReadAt(buf[:], int64(addr)); err != nil {
		return 0, false, err
	}
	head = q.order.Uint16(buf[:])
	q.devAvailIdx++
	return head, true, nil
}

// LastSeenUsedIdx returns the driver's local used-ring drain cursor.
func (q *Queue) LastSeenUsedIdx() uint16 { return q.lastSeenUsedIdx }

// PublishUsedEntry writes a used-ring entry and advances the ring's
// producer cursor, playing the device side of the protocol. It exists for
// test doubles (and the scenario harness) that simulate a hypervisor peer
// in-process rather than driving a real device.
func (q *Queue) PublishUsedEntry(id uint32, length uint32) error {
	slot := q.testUsedProdIdx % q.size
	addr := q.base + q.lay.usedOff + usedHeaderSize + uint64(slot)*usedEntrySize
	var buf [usedEntrySize]byte
	q.order.PutUint32(buf[0:4], id)
	q.order.PutUint32(buf[4:8], length)
	if _, err := q.mem.WriteAt(buf[:], int64(addr)); err != nil {
		return err
	}
	q.testUsedProdIdx++
	q.storeHeader(q.base+q.lay.usedOff, 0, q.testUsedProdIdx)
	return nil
}

// Term tears the queue down at the transport level. The backing memory
// region itself is released by the caller's Allocator.
func (q *Queue) Term(ctx context.Context) error {
	if err := q.t.QueueSelect(ctx, q.index); err != nil {
		return err
	}
	return q.t.QueueTerm(ctx)
}
