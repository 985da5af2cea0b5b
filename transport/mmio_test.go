package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ifnfn/libvirtio/vio"
)

// fakeRegs is a minimal RegisterIO backed by plain maps, enough to drive
// MMIO through negotiation and queue setup without any real bus.
type fakeRegs struct {
	regs   map[uint32]uint32
	config map[uint32]uint64
}

func newFakeRegs(version uint32) *fakeRegs {
	r := &fakeRegs{regs: map[uint32]uint32{}, config: map[uint32]uint64{}}
	r.regs[regMagicValue] = magicValue
	r.regs[regVersion] = version
	return r
}

func (r *fakeRegs) Load32(offset uint32) uint32         { return r.regs[offset] }
func (r *fakeRegs) Store32(offset uint32, value uint32) { r.regs[offset] = value }
func (r *fakeRegs) LoadConfig(offset uint32, size uint8) uint64 {
	return r.config[offset]
}

func TestNewMMIORejectsBadMagic(t *testing.T) {
	r := newFakeRegs(2)
	r.regs[regMagicValue] = 0xdeadbeef
	if _, err := NewMMIO(r, nil); !errors.Is(err, vio.ErrTransportFault) {
		t.Fatalf("err = %v, want ErrTransportFault", err)
	}
}

func TestNewMMIORejectsUnknownVersion(t *testing.T) {
	r := newFakeRegs(9)
	if _, err := NewMMIO(r, nil); !errors.Is(err, vio.ErrTransportFault) {
		t.Fatalf("err = %v, want ErrTransportFault", err)
	}
}

func TestNewMMIODetectsLegacyAndModern(t *testing.T) {
	cases := []struct {
		version    uint32
		wantModern bool
	}{
		{version: 1, wantModern: false},
		{version: 2, wantModern: true},
	}
	for _, c := range cases {
		m, err := NewMMIO(newFakeRegs(c.version), nil)
		if err != nil {
			t.Fatalf("NewMMIO: %v", err)
		}
		if m.IsModern() != c.wantModern {
			t.Errorf("version %d: IsModern() = %v, want %v", c.version, m.IsModern(), c.wantModern)
		}
	}
}

func TestNegotiateLegacySkipsFeaturesOK(t *testing.T) {
	r := newFakeRegs(1)
	r.regs[regDeviceFeatures] = 0xff // sel-insensitive fake also offers bit 32; the driver's 0xff leaves VERSION_1 out
	m, err := NewMMIO(r, nil)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	result, err := m.Negotiate(context.Background(), 0xff)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if result.Modern {
		t.Fatal("Negotiate reported modern with no VERSION_1 bit accepted")
	}
	if r.regs[regStatus]&vio.StatusFeaturesOK != 0 {
		t.Fatal("legacy negotiation must not touch FEATURES_OK")
	}
}

func TestNegotiateModernRequiresDeviceToLatchFeaturesOK(t *testing.T) {
	r := newFakeRegs(2)
	r.regs[regDeviceFeatures] = 1 // low-order bit, doubles into bit 32 once shifted by the fake's sel-insensitive Load32
	m, err := NewMMIO(r, nil)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	result, err := m.Negotiate(context.Background(), featureVersion1)
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !result.Modern {
		t.Fatal("Negotiate did not report modern with VERSION_1 accepted")
	}
	if r.regs[regStatus]&vio.StatusFeaturesOK == 0 {
		t.Fatal("modern negotiation must latch FEATURES_OK")
	}
}

func TestNegotiateModernFailsWhenDeviceRejectsFeaturesOK(t *testing.T) {
	r := &rejectingFeaturesOKRegs{fakeRegs: newFakeRegs(2)}
	r.regs[regDeviceFeatures] = 1 // low-order bit, doubles into bit 32 once shifted by the fake's sel-insensitive Load32
	m, err := NewMMIO(r, nil)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}

	if _, err := m.Negotiate(context.Background(), featureVersion1); !errors.Is(err, vio.ErrNegotiationFailed) {
		t.Fatalf("err = %v, want ErrNegotiationFailed", err)
	}
}

// rejectingFeaturesOKRegs simulates a device that never latches
// FEATURES_OK no matter what the driver writes to the status register.
type rejectingFeaturesOKRegs struct {
	*fakeRegs
}

func (r *rejectingFeaturesOKRegs) Store32(offset uint32, value uint32) {
	if offset == regStatus {
		value &^= vio.StatusFeaturesOK
	}
	r.fakeRegs.Store32(offset, value)
}

func TestQueueSetAddressesSplitsHighAndLowWords(t *testing.T) {
	r := newFakeRegs(2)
	m, err := NewMMIO(r, nil)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}
	if err := m.QueueSetAddresses(context.Background(), 0x1_0000_0001, 0x2_0000_0002, 0x3_0000_0003); err != nil {
		t.Fatalf("QueueSetAddresses: %v", err)
	}
	if r.regs[regQueueDescLow] != 1 || r.regs[regQueueDescHigh] != 1 {
		t.Errorf("desc addr split = %#x:%#x, want 1:1", r.regs[regQueueDescHigh], r.regs[regQueueDescLow])
	}
	if r.regs[regQueueAvailLow] != 2 || r.regs[regQueueAvailHigh] != 2 {
		t.Errorf("avail addr split = %#x:%#x, want 2:2", r.regs[regQueueAvailHigh], r.regs[regQueueAvailLow])
	}
	if r.regs[regQueueUsedLow] != 3 || r.regs[regQueueUsedHigh] != 3 {
		t.Errorf("used addr split = %#x:%#x, want 3:3", r.regs[regQueueUsedHigh], r.regs[regQueueUsedLow])
	}
}

func TestConfigReadRejectsUnsupportedWidth(t *testing.T) {
	m, err := NewMMIO(newFakeRegs(2), nil)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}
	if _, err := m.ConfigRead(context.Background(), 0, 3); err == nil {
		t.Fatal("ConfigRead accepted an unsupported width")
	}
}

func TestQueueNotifyWritesQueueIndex(t *testing.T) {
	r := newFakeRegs(2)
	m, err := NewMMIO(r, nil)
	if err != nil {
		t.Fatalf("NewMMIO: %v", err)
	}
	if err := m.QueueNotify(context.Background(), 7); err != nil {
		t.Fatalf("QueueNotify: %v", err)
	}
	if r.regs[regQueueNotify] != 7 {
		t.Errorf("regQueueNotify = %d, want 7", r.regs[regQueueNotify])
	}
}
