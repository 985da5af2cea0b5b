package faketransport

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/ifnfn/libvirtio/vio"
	"github.com/ifnfn/libvirtio/virtqueue"
)

// byteArena is the same byte-slice-backed virtqueue.Memory used across this
// module's test suites.
type byteArena struct{ buf []byte }

func newByteArena(size int) *byteArena { return &byteArena{buf: make([]byte, size)} }

func (a *byteArena) ReadAt(p []byte, off int64) (int, error)  { return copy(p, a.buf[off:]), nil }
func (a *byteArena) WriteAt(p []byte, off int64) (int, error) { return copy(a.buf[off:], p), nil }
func (a *byteArena) LoadAcquire32(addr uint64) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&a.buf[addr])))
}
func (a *byteArena) StoreRelease32(addr uint64, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&a.buf[addr])), v)
}

type bumpAllocator struct {
	mem  *byteArena
	next uint64
}

func (b *bumpAllocator) AllocAligned(size, align int) (uint64, virtqueue.Memory, error) {
	base := (b.next + uint64(align) - 1) &^ (uint64(align) - 1)
	b.next = base + uint64(size)
	return base, b.mem, nil
}
func (b *bumpAllocator) FreeAligned(addr uint64) error { return nil }

func TestNegotiateIntersectsFeatures(t *testing.T) {
	arena := newByteArena(1 << 16)
	f := New(arena, vio.FeatureBit(vio.FeatureVersion1)|vio.FeatureBit(vio.FeatureBlkBlkSize),
		[]QueueConfig{{MaxSize: 8}}, make([]byte, 32))

	result, err := f.Negotiate(context.Background(), vio.FeatureBit(vio.FeatureVersion1))
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !result.Modern {
		t.Fatal("expected modern negotiation when VIRTIO_F_VERSION_1 is offered and supported")
	}
	if result.Accepted&vio.FeatureBit(vio.FeatureBlkBlkSize) != 0 {
		t.Fatal("BLK_F_BLK_SIZE must not be accepted when not offered by the driver")
	}
}

func TestQueueInitPublishesAddressesAndMarksReady(t *testing.T) {
	arena := newByteArena(1 << 16)
	alloc := &bumpAllocator{mem: arena}
	f := New(arena, vio.FeatureBit(vio.FeatureVersion1), []QueueConfig{{MaxSize: 8}}, nil)

	_, err := virtqueue.Init(context.Background(), f, 0, alloc, binary.LittleEndian)
	if err != nil {
		t.Fatalf("virtqueue.Init: %v", err)
	}

	if !f.QueueIsReady(0) {
		t.Fatal("queue 0 should be ready after Init")
	}
	desc, avail, used := f.QueueAddresses(0)
	if desc == 0 && avail == 0 && used == 0 {
		t.Fatal("Init should have published non-zero queue addresses")
	}
	if avail <= desc || used <= avail {
		t.Fatalf("queue regions out of order: desc=%d avail=%d used=%d", desc, avail, used)
	}
}

func TestSubmitNotifiesAndPublishUsedEntryIsObservedByDriver(t *testing.T) {
	arena := newByteArena(1 << 16)
	alloc := &bumpAllocator{mem: arena}
	f := New(arena, vio.FeatureBit(vio.FeatureVersion1), []QueueConfig{{MaxSize: 8}}, nil)

	q, err := virtqueue.Init(context.Background(), f, 0, alloc, binary.LittleEndian)
	if err != nil {
		t.Fatalf("virtqueue.Init: %v", err)
	}

	if err := q.FillDesc(0, 0x4000, 64, 0, 0); err != nil {
		t.Fatalf("FillDesc: %v", err)
	}
	if err := q.Submit(context.Background(), 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if f.NotifyCount(0) != 1 {
		t.Fatalf("notify count = %d, want 1", f.NotifyCount(0))
	}

	if err := q.PublishUsedEntry(0, 64); err != nil {
		t.Fatalf("PublishUsedEntry: %v", err)
	}
	entry, ok, err := q.PollUsed()
	if err != nil || !ok {
		t.Fatalf("PollUsed: ok=%v err=%v", ok, err)
	}
	if entry.ID != 0 || entry.Len != 64 {
		t.Fatalf("entry = %+v, want {ID:0 Len:64}", entry)
	}
}

func TestResetClearsReadyAndFeatures(t *testing.T) {
	arena := newByteArena(1 << 16)
	alloc := &bumpAllocator{mem: arena}
	f := New(arena, vio.FeatureBit(vio.FeatureVersion1), []QueueConfig{{MaxSize: 8}}, nil)

	if _, err := virtqueue.Init(context.Background(), f, 0, alloc, binary.LittleEndian); err != nil {
		t.Fatalf("virtqueue.Init: %v", err)
	}
	if err := f.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if f.QueueIsReady(0) {
		t.Fatal("Reset must clear queue readiness")
	}
	if f.ResetCount() != 1 {
		t.Fatalf("reset count = %d, want 1", f.ResetCount())
	}
}
