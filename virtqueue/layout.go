package virtqueue

// Split-ring field widths, per the virtio split virtqueue layout.
const (
	descEntrySize = 16 // addr:8 + len:4 + flags:2 + next:2
	usedEntrySize = 8  // id:4 + len:4

	availHeaderSize = 4 // flags:2 + idx:2
	availTrailer    = 2 // used_event:2
	usedHeaderSize  = 4 // flags:2 + idx:2
	usedTrailer     = 2 // avail_event:2

	descTableAlign = 16
	availRingAlign = 2
	usedRingAlign  = 4
)

// Descriptor flag bits.
const (
	descFNext  uint16 = 1
	descFWrite uint16 = 2
)

// Exported aliases for callers outside this package (blkdrv, netdrv) that
// build descriptor chains directly.
const (
	DescFlagNext  = descFNext
	DescFlagWrite = descFWrite
)

// layout describes the byte offsets of the three regions within a single
// physically-contiguous allocation sized to hold all of them, computed from
// the negotiated queue size Q.
type layout struct {
	descOff  uint64
	availOff uint64
	usedOff  uint64
	total    uint64
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func computeLayout(q uint16) layout {
	descSize := uint64(q) * descEntrySize
	availSize := uint64(availHeaderSize) + uint64(q)*2 + availTrailer
	usedSize := uint64(usedHeaderSize) + uint64(q)*usedEntrySize + usedTrailer

	descOff := uint64(0)
	availOff := alignUp(descOff+descSize, availRingAlign)
	usedOff := alignUp(availOff+availSize, usedRingAlign)
	total := alignUp(usedOff+usedSize, descTableAlign)

	return layout{descOff: descOff, availOff: availOff, usedOff: usedOff, total: total}
}
