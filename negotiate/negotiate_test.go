package negotiate

import (
	"context"
	"errors"
	"testing"

	"github.com/ifnfn/libvirtio/byteorder"
	"github.com/ifnfn/libvirtio/transport/faketransport"
	"github.com/ifnfn/libvirtio/vio"
	"github.com/ifnfn/libvirtio/virtqueue"
)

// mockMemory is a byte-slice-backed virtqueue.Memory whose ring-header
// load/store pair is a no-op: enough for queue bring-up, which never reads
// a ring header back.
type mockMemory struct{ buf []byte }

func newMockMemory(size int) *mockMemory { return &mockMemory{buf: make([]byte, size)} }

func (m *mockMemory) ReadAt(p []byte, off int64) (int, error)  { return copy(p, m.buf[off:]), nil }
func (m *mockMemory) WriteAt(p []byte, off int64) (int, error) { return copy(m.buf[off:], p), nil }
func (m *mockMemory) LoadAcquire32(addr uint64) uint32         { return 0 }
func (m *mockMemory) StoreRelease32(addr uint64, v uint32)     {}

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

func TestRunStopsAtFeaturesOKAndFinishAddsDriverOK(t *testing.T) {
	mem := newMockMemory(1 << 16)
	tr := faketransport.New(mem, vio.FeatureBit(vio.FeatureVersion1), []faketransport.QueueConfig{{MaxSize: 8}}, nil)

	outcome, err := Run(context.Background(), tr, nil, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !outcome.Modern {
		t.Fatal("expected VIRTIO_F_VERSION_1 to survive negotiation")
	}

	status, _ := tr.GetStatus(context.Background())
	if status&vio.StatusDriverOK != 0 {
		t.Fatalf("status = %#x, DRIVER_OK must not be set before Finish", status)
	}
	if status&vio.StatusFeaturesOK == 0 {
		t.Fatalf("status = %#x, want FEATURES_OK latched by Run", status)
	}

	alloc := newMockAllocator(1 << 16)
	if _, err := virtqueue.Init(context.Background(), tr, 0, alloc, byteorder.WireOrder(outcome.Order)); err != nil {
		t.Fatalf("virtqueue.Init: %v", err)
	}

	if err := Finish(context.Background(), tr, nil, outcome); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	status, _ = tr.GetStatus(context.Background())
	if status&vio.StatusDriverOK == 0 {
		t.Fatalf("status = %#x, want DRIVER_OK after Finish", status)
	}
}

func TestDriverOKIsNeverLatchedBeforeQueueIsReady(t *testing.T) {
	// Regression test for queue bring-up ordering: the FSM requires
	// QUEUES_READY strictly before DRIVER_OK, so the fake's queue-ready
	// state must already be true by the time Finish's status write lands.
	mem := newMockMemory(1 << 16)
	tr := faketransport.New(mem, vio.FeatureBit(vio.FeatureVersion1), []faketransport.QueueConfig{{MaxSize: 8}}, nil)

	outcome, err := Run(context.Background(), tr, nil, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if status, _ := tr.GetStatus(context.Background()); status&vio.StatusDriverOK != 0 {
		t.Fatalf("status = %#x, DRIVER_OK latched before the queue was set up", status)
	}

	alloc := newMockAllocator(1 << 16)
	if _, err := virtqueue.Init(context.Background(), tr, 0, alloc, byteorder.WireOrder(outcome.Order)); err != nil {
		t.Fatalf("virtqueue.Init: %v", err)
	}
	if !tr.QueueIsReady(0) {
		t.Fatal("queue should be ready before Finish runs")
	}

	if err := Finish(context.Background(), tr, nil, outcome); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestRunLeavesDeviceFailedOnNegotiationError(t *testing.T) {
	mem := newMockMemory(1 << 16)
	// No queues configured and no VIRTIO_F_VERSION_1 offered by the host:
	// Negotiate itself still succeeds (Fake never errors), but this
	// exercises the fail path via a transport that rejects Reset.
	tr := &failingResetTransport{Fake: faketransport.New(mem, 0, nil, nil)}

	if _, err := Run(context.Background(), tr, nil, 0); err == nil {
		t.Fatal("expected Run to fail when Reset fails")
	}
	status, _ := tr.GetStatus(context.Background())
	if status != vio.StatusFailed {
		t.Fatalf("status = %#x, want StatusFailed", status)
	}
}

type failingResetTransport struct {
	*faketransport.Fake
}

func (f *failingResetTransport) Reset(ctx context.Context) error {
	return errResetRejected
}

var errResetRejected = errors.New("reset rejected")
