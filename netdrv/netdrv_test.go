package netdrv

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/ifnfn/libvirtio/platform"
	"github.com/ifnfn/libvirtio/transport"
	"github.com/ifnfn/libvirtio/vio"
	"github.com/ifnfn/libvirtio/virtqueue"
)

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

type fakeNetTransport struct {
	status    uint32
	hostFeat  uint64
	queueSize uint16
	notified  []uint16
	mac       [6]byte
}

func (t *fakeNetTransport) Reset(ctx context.Context) error               { t.status = 0; return nil }
func (t *fakeNetTransport) GetStatus(ctx context.Context) (uint32, error) { return t.status, nil }
func (t *fakeNetTransport) SetStatus(ctx context.Context, bits uint32) error {
	t.status = bits
	return nil
}
func (t *fakeNetTransport) GetHostFeatures(ctx context.Context, sel uint32) (uint32, error) {
	if sel == 0 {
		return uint32(t.hostFeat), nil
	}
	return uint32(t.hostFeat >> 32), nil
}
func (t *fakeNetTransport) SetGuestFeatures(ctx context.Context, sel uint32, value uint32) error {
	return nil
}
func (t *fakeNetTransport) Negotiate(ctx context.Context, offered uint64) (transport.Result, error) {
	accepted := offered & t.hostFeat
	modern := accepted&vio.FeatureBit(vio.FeatureVersion1) != 0
	return transport.Result{Accepted: accepted, Modern: modern}, nil
}
func (t *fakeNetTransport) QueueSelect(ctx context.Context, idx uint16) error { return nil }
func (t *fakeNetTransport) QueueMaxSize(ctx context.Context) (uint16, error) { return t.queueSize, nil }
func (t *fakeNetTransport) QueueSetAddresses(ctx context.Context, d, a, u uint64) error { return nil }
func (t *fakeNetTransport) QueueReady(ctx context.Context, ready bool) error            { return nil }
func (t *fakeNetTransport) QueueTerm(ctx context.Context) error                        { return nil }
func (t *fakeNetTransport) QueueNotify(ctx context.Context, idx uint16) error {
	t.notified = append(t.notified, idx)
	return nil
}
func (t *fakeNetTransport) ConfigRead(ctx context.Context, offset uint32, size uint8) (uint64, error) {
	if offset < 6 {
		return uint64(t.mac[offset]), nil
	}
	return 0, nil
}
func (t *fakeNetTransport) InterruptStatus(ctx context.Context) (uint32, error) { return 0, nil }
func (t *fakeNetTransport) InterruptAck(ctx context.Context, bits uint32) error { return nil }
func (t *fakeNetTransport) IsModern() bool                                    { return t.hostFeat&vio.FeatureBit(vio.FeatureVersion1) != 0 }

func newFakeDevice(t *testing.T) (*Device, *fakeNetTransport) {
	t.Helper()
	tr := &fakeNetTransport{
		hostFeat:  vio.FeatureBit(vio.FeatureVersion1) | vio.FeatureBit(vio.FeatureNetMAC),
		queueSize: 8,
		mac:       [6]byte{0x52, 0x54, 0x00, 0x12, 0x34, 0x56},
	}
	alloc := newMockAllocator(1 << 22)
	d, err := Open(context.Background(), tr, alloc, platform.IdentityDMAMapper{}, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d, tr
}

func TestOpenDiscoversMACAndPrepostsRxBuffers(t *testing.T) {
	d, tr := newFakeDevice(t)
	if d.MAC() != tr.mac {
		t.Fatalf("MAC = %v, want %v", d.MAC(), tr.mac)
	}
	if len(tr.notified) != int(d.numRxBufs) {
		t.Fatalf("rx notify count = %d, want %d", len(tr.notified), d.numRxBufs)
	}
	for _, idx := range tr.notified {
		if idx != rxQueueIdx {
			t.Fatalf("unexpected notify on queue %d during rx pre-post", idx)
		}
	}
}

func TestTransmitWritesHeaderAndPayload(t *testing.T) {
	d, tr := newFakeDevice(t)
	payload := []byte("hello from the guest")

	if err := d.Transmit(payload); err != nil {
		t.Fatalf("Transmit: %v", err)
	}

	last := tr.notified[len(tr.notified)-1]
	if last != txQueueIdx {
		t.Fatalf("last notify = %d, want tx queue %d", last, txQueueIdx)
	}

	got := make([]byte, len(payload))
	if _, err := d.txMem.ReadAt(got, int64(d.txDataAddr(0))); err != nil {
		t.Fatalf("read back tx payload: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("tx payload = %q, want %q", got, payload)
	}
}

func TestTransmitRejectsOversizedPayload(t *testing.T) {
	d, _ := newFakeDevice(t)
	big := make([]byte, maxFrameLen+1)
	if err := d.Transmit(big); err != vio.ErrOversizedPayload {
		t.Fatalf("err = %v, want ErrOversizedPayload", err)
	}
}

func TestReceiveDrainsAndRefillsBuffer(t *testing.T) {
	d, _ := newFakeDevice(t)

	frameBody := []byte("incoming ethernet frame")
	head := uint16(0) // slot 0's header descriptor
	slot := head / descsPerFrame

	var hdr [netHdrLen]byte
	if _, err := d.rxMem.WriteAt(hdr[:], int64(d.rxHdrAddr(slot))); err != nil {
		t.Fatalf("write rx header: %v", err)
	}
	if _, err := d.rxMem.WriteAt(frameBody, int64(d.rxDataAddr(slot))); err != nil {
		t.Fatalf("write rx payload: %v", err)
	}
	if err := d.rxQ.PublishUsedEntry(uint32(head), uint32(netHdrLen+len(frameBody))); err != nil {
		t.Fatalf("PublishUsedEntry: %v", err)
	}

	frame, ok, err := d.Receive()
	if err != nil || !ok {
		t.Fatalf("Receive: ok=%v err=%v", ok, err)
	}
	if string(frame.Payload) != string(frameBody) {
		t.Fatalf("payload = %q, want %q", frame.Payload, frameBody)
	}

	if _, known := d.rxPending[head]; !known {
		t.Fatal("Receive must re-post the drained buffer, re-populating rxPending")
	}
}

func TestReclaimSentFreesTxMapping(t *testing.T) {
	d, _ := newFakeDevice(t)
	if err := d.Transmit([]byte("ping")); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if err := d.txQ.PublishUsedEntry(0, netHdrLen+4); err != nil {
		t.Fatalf("PublishUsedEntry: %v", err)
	}

	ok, err := d.ReclaimSent()
	if err != nil || !ok {
		t.Fatalf("ReclaimSent: ok=%v err=%v", ok, err)
	}
	if _, stillPending := d.txPending[0]; stillPending {
		t.Fatal("ReclaimSent must remove the descriptor from txPending")
	}
}

func TestEachDeviceHasItsOwnTransmitCursor(t *testing.T) {
	// Regression test for the reference driver's global last_tx_idx: two
	// devices opened against independent transports must not share txNext.
	d1, _ := newFakeDevice(t)
	d2, _ := newFakeDevice(t)

	if err := d1.Transmit([]byte("a")); err != nil {
		t.Fatalf("Transmit on d1: %v", err)
	}
	if d1.txNext != 1 {
		t.Fatalf("d1.txNext = %d, want 1", d1.txNext)
	}
	if d2.txNext != 0 {
		t.Fatal("d2.txNext must be unaffected by d1's transmit")
	}
}
