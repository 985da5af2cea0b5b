package byteorder

import (
	"encoding/binary"
	"testing"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name     string
		version1 bool
		want     Adapter
	}{
		{"legacy", false, Legacy},
		{"modern", true, Modern},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Select(tt.version1); got != tt.want {
				t.Fatalf("Select(%v) = %v, want %v", tt.version1, got, tt.want)
			}
		})
	}
}

func TestLegacyIsIdentity(t *testing.T) {
	if Legacy.ToDev32(0x11223344) != 0x11223344 {
		t.Fatalf("legacy adapter must not transform values")
	}
	if Legacy.FromDev64(0xdeadbeef) != 0xdeadbeef {
		t.Fatalf("legacy adapter must not transform values")
	}
}

func TestWireOrder(t *testing.T) {
	if WireOrder(Modern) != binary.LittleEndian {
		t.Fatalf("modern devices must marshal little-endian")
	}
	if WireOrder(Legacy) != binary.NativeEndian {
		t.Fatalf("legacy devices must marshal in native order")
	}
}

func TestModernRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 0xdeadbeef, 0xffffffffffffffff} {
		if got := Modern.FromDev64(Modern.ToDev64(v)); got != v {
			t.Fatalf("round trip 64-bit: got %#x, want %#x", got, v)
		}
	}
	for _, v := range []uint32{0, 1, 0xdeadbeef, 0xffffffff} {
		if got := Modern.FromDev32(Modern.ToDev32(v)); got != v {
			t.Fatalf("round trip 32-bit: got %#x, want %#x", got, v)
		}
	}
	for _, v := range []uint16{0, 1, 0xbeef, 0xffff} {
		if got := Modern.FromDev16(Modern.ToDev16(v)); got != v {
			t.Fatalf("round trip 16-bit: got %#x, want %#x", got, v)
		}
	}
}
