package blkdrv

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/ifnfn/libvirtio/platform"
	"github.com/ifnfn/libvirtio/transport"
	"github.com/ifnfn/libvirtio/vio"
	"github.com/ifnfn/libvirtio/virtqueue"
)

// mockMemory is a byte-slice-backed virtqueue.Memory, mirroring the one in
// virtqueue's own test suite.
type mockMemory struct{ buf []byte }

func newMockMemory(size int) *mockMemory { return &mockMemory{buf: make([]byte, size)} }

func (m *mockMemory) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *mockMemory) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }
func (m *mockMemory) LoadAcquire32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.buf[addr:])
}
func (m *mockMemory) StoreRelease32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.buf[addr:], v)
}

type mockAllocator struct {
	mem  *mockMemory
	next uint64
}

func newMockAllocator(size int) *mockAllocator { return &mockAllocator{mem: newMockMemory(size)} }

func (a *mockAllocator) AllocAligned(size, align int) (uint64, virtqueue.Memory, error) {
	base := (a.next + uint64(align) - 1) &^ (uint64(align) - 1)
	a.next = base + uint64(size)
	return base, a.mem, nil
}
func (a *mockAllocator) FreeAligned(addr uint64) error { return nil }

// fakeBlkTransport is a minimal transport.Transport backing a single
// virtio-blk device with a scripted capacity and block size.
type fakeBlkTransport struct {
	status     uint32
	hostFeat   uint64
	guestFeat  uint64
	queueSize  uint16
	notified   []uint16
	capacity   uint64
	blockSize  uint32
}

func (t *fakeBlkTransport) Reset(ctx context.Context) error               { t.status = 0; return nil }
func (t *fakeBlkTransport) GetStatus(ctx context.Context) (uint32, error) { return t.status, nil }
func (t *fakeBlkTransport) SetStatus(ctx context.Context, bits uint32) error {
	t.status = bits
	return nil
}
func (t *fakeBlkTransport) GetHostFeatures(ctx context.Context, sel uint32) (uint32, error) {
	if sel == 0 {
		return uint32(t.hostFeat), nil
	}
	return uint32(t.hostFeat >> 32), nil
}
func (t *fakeBlkTransport) SetGuestFeatures(ctx context.Context, sel uint32, value uint32) error {
	if sel == 0 {
		t.guestFeat = t.guestFeat&^0xFFFFFFFF | uint64(value)
	} else {
		t.guestFeat = t.guestFeat&0xFFFFFFFF | uint64(value)<<32
	}
	return nil
}
func (t *fakeBlkTransport) Negotiate(ctx context.Context, offered uint64) (transport.Result, error) {
	accepted := offered & t.hostFeat
	modern := accepted&vio.FeatureBit(vio.FeatureVersion1) != 0
	return transport.Result{Accepted: accepted, Modern: modern}, nil
}
func (t *fakeBlkTransport) QueueSelect(ctx context.Context, idx uint16) error { return nil }
func (t *fakeBlkTransport) QueueMaxSize(ctx context.Context) (uint16, error) { return t.queueSize, nil }
func (t *fakeBlkTransport) QueueSetAddresses(ctx context.Context, d, a, u uint64) error { return nil }
func (t *fakeBlkTransport) QueueReady(ctx context.Context, ready bool) error            { return nil }
func (t *fakeBlkTransport) QueueTerm(ctx context.Context) error                        { return nil }
func (t *fakeBlkTransport) QueueNotify(ctx context.Context, idx uint16) error {
	t.notified = append(t.notified, idx)
	return nil
}
func (t *fakeBlkTransport) ConfigRead(ctx context.Context, offset uint32, size uint8) (uint64, error) {
	switch offset {
	case blkCapacityOffset:
		return t.capacity, nil
	case blkSizeOffset:
		return uint64(t.blockSize), nil
	default:
		return 0, nil
	}
}
func (t *fakeBlkTransport) InterruptStatus(ctx context.Context) (uint32, error) { return 0, nil }
func (t *fakeBlkTransport) InterruptAck(ctx context.Context, bits uint32) error { return nil }
func (t *fakeBlkTransport) IsModern() bool                                    { return t.hostFeat&vio.FeatureBit(vio.FeatureVersion1) != 0 }

func newFakeDevice(t *testing.T, capacitySectors uint64) (*Device, *fakeBlkTransport) {
	t.Helper()
	tr := &fakeBlkTransport{
		hostFeat:  vio.FeatureBit(vio.FeatureVersion1) | vio.FeatureBit(vio.FeatureBlkBlkSize),
		queueSize: 8,
		capacity:  capacitySectors,
		blockSize: 4096,
	}
	alloc := newMockAllocator(1 << 20)
	d, err := Init(context.Background(), tr, alloc, platform.IdentityDMAMapper{}, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return d, tr
}

func TestInitDiscoversCapacityAndBlockSize(t *testing.T) {
	d, _ := newFakeDevice(t, 2048)
	if d.Capacity() != 2048 {
		t.Fatalf("capacity = %d, want 2048", d.Capacity())
	}
	if d.BlockSize() != 4096 {
		t.Fatalf("block size = %d, want 4096", d.BlockSize())
	}
}

func TestTransferRejectsOutOfRangeRequest(t *testing.T) {
	d, _ := newFakeDevice(t, 16)
	err := d.Transfer(context.Background(), Request{
		HeaderAddr: 0x1000, DataAddr: 0x2000, StatusAddr: 0x3000,
		StartBlock: 10, Count: 8, Op: vio.BlkTypeRead,
	})
	if err != vio.ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}

func TestTransferAcceptsRequestEndingExactlyAtCapacity(t *testing.T) {
	// capacity=10, start_block=6, count=5 covers sectors 6-10 inclusive,
	// exactly reaching capacity: valid per the original's
	// "blocknum + cnt - 1 > capacity" check, not one sector short of it.
	d, _ := newFakeDevice(t, 10)
	err := d.Transfer(context.Background(), Request{
		HeaderAddr: 0x1000, DataAddr: 0x2000, StatusAddr: 0x3000,
		StartBlock: 6, Count: 5, Op: vio.BlkTypeRead,
	})
	if err != nil {
		t.Fatalf("Transfer: %v, want a request ending exactly at capacity to be accepted", err)
	}
}

func TestTransferRejectsRequestOneSectorPastCapacity(t *testing.T) {
	d, _ := newFakeDevice(t, 10)
	err := d.Transfer(context.Background(), Request{
		HeaderAddr: 0x1000, DataAddr: 0x2000, StatusAddr: 0x3000,
		StartBlock: 6, Count: 6, Op: vio.BlkTypeRead,
	})
	if err != vio.ErrOutOfRange {
		t.Fatalf("err = %v, want ErrOutOfRange", err)
	}
}

func TestTransferWritesRequestHeaderAndDescriptorChain(t *testing.T) {
	d, tr := newFakeDevice(t, 4096)
	req := Request{
		HeaderAddr: 0x1000, DataAddr: 0x2000, StatusAddr: 0x3000,
		StartBlock: 7, Count: 2, Op: vio.BlkTypeRead,
	}
	if err := d.Transfer(context.Background(), req); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(tr.notified) != 1 || tr.notified[0] != requestQueue {
		t.Fatalf("notified = %v, want one notify on queue %d", tr.notified, requestQueue)
	}

	var hdr [16]byte
	if _, err := d.q.Memory().ReadAt(hdr[:], int64(req.HeaderAddr)); err != nil {
		t.Fatalf("read back header: %v", err)
	}
	if got := d.order.Uint32(hdr[0:4]); got != vio.BlkTypeRead {
		t.Fatalf("header type = %d, want %d", got, vio.BlkTypeRead)
	}
	if got := d.order.Uint64(hdr[8:16]); got != 7 {
		t.Fatalf("header sector = %d, want 7", got)
	}

	desc, err := d.q.ReadDesc(1)
	if err != nil {
		t.Fatalf("ReadDesc: %v", err)
	}
	if desc.Len != 2*vio.DefaultSectorSize {
		t.Fatalf("data descriptor length = %d, want %d", desc.Len, 2*vio.DefaultSectorSize)
	}
	if desc.Flags&virtqueue.DescFlagWrite == 0 {
		t.Fatal("read request's data descriptor must be device-writable")
	}
}

func TestCompleteReportsDeviceStatus(t *testing.T) {
	d, _ := newFakeDevice(t, 4096)
	req := Request{
		HeaderAddr: 0x1000, DataAddr: 0x2000, StatusAddr: 0x3000,
		StartBlock: 0, Count: 1, Op: vio.BlkTypeRead,
	}
	if err := d.Transfer(context.Background(), req); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	mem := d.q.Memory()
	if _, err := mem.WriteAt([]byte{vio.BlkStatusOK}, int64(req.StatusAddr)); err != nil {
		t.Fatalf("write status: %v", err)
	}

	// Simulate the device completing descriptor 0 with 512 bytes moved.
	if err := d.q.PublishUsedEntry(0, 512); err != nil {
		t.Fatalf("PublishUsedEntry: %v", err)
	}

	comp, ok, err := d.Complete(context.Background())
	if err != nil || !ok {
		t.Fatalf("Complete: ok=%v err=%v", ok, err)
	}
	if comp.Status != vio.BlkStatusOK {
		t.Fatalf("status = %d, want BlkStatusOK", comp.Status)
	}
	if comp.DescriptorID != 0 {
		t.Fatalf("descriptor id = %d, want 0", comp.DescriptorID)
	}
}

