// Package byteorder provides the guest/device integer conversion pair a
// virtio driver selects once at negotiation time: legacy devices exchange
// integers in guest-native order, modern (VIRTIO_F_VERSION_1) devices always
// use little-endian on the wire.
package byteorder

import "encoding/binary"

// Adapter converts integers between guest-native representation and the
// representation a device expects on the wire. Drivers select one Adapter
// during negotiation and hold onto it for the lifetime of the device,
// rather than branching on device kind at every access.
type Adapter interface {
	ToDev16(uint16) uint16
	ToDev32(uint32) uint32
	ToDev64(uint64) uint64
	FromDev16(uint16) uint16
	FromDev32(uint32) uint32
	FromDev64(uint64) uint64
}

// Legacy is the identity adapter used for pre-VIRTIO_F_VERSION_1 devices,
// which exchange integers in the guest's native byte order.
var Legacy Adapter = legacyAdapter{}

// Modern is the adapter used once VIRTIO_F_VERSION_1 has been negotiated:
// every on-wire integer is little-endian regardless of guest endianness.
var Modern Adapter = modernAdapter{}

// Select returns Modern if version1 is true, Legacy otherwise. Drivers call
// this exactly once, after negotiation settles whether VIRTIO_F_VERSION_1
// was accepted.
func Select(version1 bool) Adapter {
	if version1 {
		return Modern
	}
	return Legacy
}

// WireOrder returns the binary.ByteOrder that produces the same on-wire
// bytes as repeated ToDev calls followed by a native-order store: LittleEndian
// for Modern, NativeEndian for Legacy. Ring and header marshalling uses this
// directly instead of converting field-by-field through ToDev/FromDev.
func WireOrder(a Adapter) binary.ByteOrder {
	if a == Modern {
		return binary.LittleEndian
	}
	return binary.NativeEndian
}

type legacyAdapter struct{}

func (legacyAdapter) ToDev16(v uint16) uint16   { return v }
func (legacyAdapter) ToDev32(v uint32) uint32   { return v }
func (legacyAdapter) ToDev64(v uint64) uint64   { return v }
func (legacyAdapter) FromDev16(v uint16) uint16 { return v }
func (legacyAdapter) FromDev32(v uint32) uint32 { return v }
func (legacyAdapter) FromDev64(v uint64) uint64 { return v }

// modernAdapter re-encodes a guest-native integer as little-endian by
// round-tripping it through NativeEndian's byte layout and reading those
// bytes back as LittleEndian, so the conversion is correct regardless of
// the guest's own endianness rather than assuming an LE host.
type modernAdapter struct{}

func (modernAdapter) ToDev16(v uint16) uint16 {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], v)
	return binary.LittleEndian.Uint16(buf[:])
}

func (modernAdapter) ToDev32(v uint32) uint32 {
	var buf [4]byte
	binary.NativeEndian.PutUint32(buf[:], v)
	return binary.LittleEndian.Uint32(buf[:])
}

func (modernAdapter) ToDev64(v uint64) uint64 {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	return binary.LittleEndian.Uint64(buf[:])
}

func (modernAdapter) FromDev16(v uint16) uint16 {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return binary.NativeEndian.Uint16(buf[:])
}

func (modernAdapter) FromDev32(v uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return binary.NativeEndian.Uint32(buf[:])
}

func (modernAdapter) FromDev64(v uint64) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return binary.NativeEndian.Uint64(buf[:])
}
