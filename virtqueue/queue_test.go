package virtqueue

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/ifnfn/libvirtio/transport"
)

func ptrAt(buf []byte, addr uint64) unsafe.Pointer {
	return unsafe.Pointer(&buf[addr])
}

// mockMemory is a byte-slice-backed Memory for tests, standing in for a
// real physically-contiguous arena.
type mockMemory struct {
	buf []byte
}

func newMockMemory(size int) *mockMemory {
	return &mockMemory{buf: make([]byte, size)}
}

func (m *mockMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.buf[off:]), nil
}

func (m *mockMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.buf[off:], p), nil
}

func (m *mockMemory) LoadAcquire32(addr uint64) uint32 {
	return atomic.LoadUint32((*uint32)(ptrAt(m.buf, addr)))
}

func (m *mockMemory) StoreRelease32(addr uint64, value uint32) {
	atomic.StoreUint32((*uint32)(ptrAt(m.buf, addr)), value)
}

// mockAllocator bump-allocates aligned regions out of the single arena it
// was constructed with, without any bounds check, which is all these tests
// need.
type mockAllocator struct {
	mem  *mockMemory
	next uint64
}

func newMockAllocator(size int) *mockAllocator {
	return &mockAllocator{mem: newMockMemory(size)}
}

func (a *mockAllocator) AllocAligned(size int, align int) (uint64, Memory, error) {
	base := (a.next + uint64(align) - 1) &^ (uint64(align) - 1)
	a.next = base + uint64(size)
	return base, a.mem, nil
}

func (a *mockAllocator) FreeAligned(addr uint64) error { return nil }

// mockTransport implements just enough of transport.Transport to drive
// Init and Submit/notify counting.
type mockTransport struct {
	maxSize      uint16
	desc, avail, used uint64
	notified     []uint16
	ready        bool
}

func (t *mockTransport) Reset(ctx context.Context) error                   { return nil }
func (t *mockTransport) GetStatus(ctx context.Context) (uint32, error)     { return 0, nil }
func (t *mockTransport) SetStatus(ctx context.Context, bits uint32) error  { return nil }
func (t *mockTransport) GetHostFeatures(ctx context.Context, sel uint32) (uint32, error) {
	return 0, nil
}
func (t *mockTransport) SetGuestFeatures(ctx context.Context, sel uint32, value uint32) error {
	return nil
}
func (t *mockTransport) Negotiate(ctx context.Context, offered uint64) (transport.Result, error) {
	return transport.Result{}, nil
}
func (t *mockTransport) QueueSelect(ctx context.Context, idx uint16) error { return nil }
func (t *mockTransport) QueueMaxSize(ctx context.Context) (uint16, error) { return t.maxSize, nil }
func (t *mockTransport) QueueSetAddresses(ctx context.Context, descAddr, availAddr, usedAddr uint64) error {
	t.desc, t.avail, t.used = descAddr, availAddr, usedAddr
	return nil
}
func (t *mockTransport) QueueReady(ctx context.Context, ready bool) error {
	t.ready = ready
	return nil
}
func (t *mockTransport) QueueTerm(ctx context.Context) error { return t.QueueReady(ctx, false) }
func (t *mockTransport) QueueNotify(ctx context.Context, idx uint16) error {
	t.notified = append(t.notified, idx)
	return nil
}
func (t *mockTransport) ConfigRead(ctx context.Context, offset uint32, size uint8) (uint64, error) {
	return 0, nil
}
func (t *mockTransport) InterruptStatus(ctx context.Context) (uint32, error) { return 0, nil }
func (t *mockTransport) InterruptAck(ctx context.Context, bits uint32) error { return nil }
func (t *mockTransport) IsModern() bool                                     { return true }

func TestInitRejectsZeroSizeQueue(t *testing.T) {
	tr := &mockTransport{maxSize: 0}
	alloc := newMockAllocator(1 << 16)
	_, err := Init(context.Background(), tr, 0, alloc, binary.LittleEndian)
	if err == nil {
		t.Fatal("expected an error for a zero-size queue")
	}
}

func TestSubmitAdvancesAvailIdxAndNotifies(t *testing.T) {
	tr := &mockTransport{maxSize: 8}
	alloc := newMockAllocator(1 << 16)
	q, err := Init(context.Background(), tr, 0, alloc, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !tr.ready {
		t.Fatal("Init did not mark the queue ready")
	}

	if err := q.FillDesc(0, 0x1000, 16, descFNext, 1); err != nil {
		t.Fatalf("FillDesc: %v", err)
	}
	if err := q.FillDesc(1, 0x2000, 512, 0, 0); err != nil {
		t.Fatalf("FillDesc: %v", err)
	}
	if err := q.Submit(context.Background(), 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if q.AvailIdx() != 1 {
		t.Fatalf("avail idx = %d, want 1", q.AvailIdx())
	}
	if len(tr.notified) != 1 || tr.notified[0] != 0 {
		t.Fatalf("notified = %v, want [0]", tr.notified)
	}

	desc, err := q.ReadDesc(0)
	if err != nil {
		t.Fatalf("ReadDesc: %v", err)
	}
	if desc.Addr != 0x1000 || desc.Len != 16 || desc.Flags != descFNext || desc.Next != 1 {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}

func TestPollUsedDrainsInOrder(t *testing.T) {
	tr := &mockTransport{maxSize: 4}
	alloc := newMockAllocator(1 << 16)
	q, err := Init(context.Background(), tr, 0, alloc, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, ok, err := q.PollUsed(); err != nil || ok {
		t.Fatalf("PollUsed on empty ring: ok=%v err=%v", ok, err)
	}

	// Simulate the device completing descriptor 0 with length 74.
	usedAddr := q.base + q.lay.usedOff
	q.mem.WriteAt([]byte{74, 0, 0, 0}, int64(usedAddr+usedHeaderSize+4)) // len field
	q.mem.StoreRelease32(usedAddr, uint32(1)<<16)

	entry, ok, err := q.PollUsed()
	if err != nil || !ok {
		t.Fatalf("PollUsed: ok=%v err=%v", ok, err)
	}
	if entry.ID != 0 || entry.Len != 74 {
		t.Fatalf("entry = %+v, want {ID:0 Len:74}", entry)
	}
	if q.LastSeenUsedIdx() != 1 {
		t.Fatalf("last seen used idx = %d, want 1", q.LastSeenUsedIdx())
	}

	if _, ok, err := q.PollUsed(); err != nil || ok {
		t.Fatalf("PollUsed after draining: ok=%v err=%v", ok, err)
	}
}

func TestSubmitWritesRingHeaderInWireByteOrder(t *testing.T) {
	// The avail/used header word must go through the byte-order adapter the
	// same as every other on-wire field (spec Testable Property #5), not a
	// raw native-endian atomic word: a BigEndian queue's header bytes must
	// read back as big-endian regardless of the host's own endianness.
	tr := &mockTransport{maxSize: 8}
	alloc := newMockAllocator(1 << 16)
	q, err := Init(context.Background(), tr, 0, alloc, binary.BigEndian)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := q.FillDesc(0, 0x1000, 16, descFNext, 1); err != nil {
		t.Fatalf("FillDesc: %v", err)
	}
	if err := q.Submit(context.Background(), 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	var raw [4]byte
	if _, err := q.mem.ReadAt(raw[:], int64(q.base+q.lay.availOff)); err != nil {
		t.Fatalf("read avail header: %v", err)
	}
	// flags=0, idx=1, each a big-endian uint16: 00 00 00 01.
	want := [4]byte{0, 0, 0, 1}
	if raw != want {
		t.Fatalf("avail header bytes = %v, want %v (big-endian flags|idx)", raw, want)
	}

	if q.AvailIdx() != 1 {
		t.Fatalf("avail idx = %d, want 1", q.AvailIdx())
	}
}

func TestPollUsedRoundTripsUnderBigEndian(t *testing.T) {
	tr := &mockTransport{maxSize: 4}
	alloc := newMockAllocator(1 << 16)
	q, err := Init(context.Background(), tr, 0, alloc, binary.BigEndian)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := q.PublishUsedEntry(0, 74); err != nil {
		t.Fatalf("PublishUsedEntry: %v", err)
	}

	entry, ok, err := q.PollUsed()
	if err != nil || !ok {
		t.Fatalf("PollUsed: ok=%v err=%v", ok, err)
	}
	if entry.ID != 0 || entry.Len != 74 {
		t.Fatalf("entry = %+v, want {ID:0 Len:74}", entry)
	}
}

func TestEachQueueHasItsOwnCursor(t *testing.T) {
	// Regression test for the global last_rx_idx/last_tx_idx pattern this
	// module must not reproduce: two independently-initialized queues
	// must not share drain state.
	tr1 := &mockTransport{maxSize: 4}
	tr2 := &mockTransport{maxSize: 4}
	alloc := newMockAllocator(1 << 17)

	q1, err := Init(context.Background(), tr1, 0, alloc, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Init q1: %v", err)
	}
	q2, err := Init(context.Background(), tr2, 1, alloc, binary.LittleEndian)
	if err != nil {
		t.Fatalf("Init q2: %v", err)
	}

	q1.mem.StoreRelease32(q1.base+q1.lay.usedOff, uint32(1)<<16)

	if _, ok, _ := q1.PollUsed(); !ok {
		t.Fatal("q1 should observe its own used entry")
	}
	if _, ok, _ := q2.PollUsed(); ok {
		t.Fatal("q2 must not observe q1's used index")
	}
}
