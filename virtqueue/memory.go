package virtqueue

import "io"

// Memory is the physically-contiguous, addressable memory a Queue's rings
// live in. Bulk fields (descriptor entries, ring entries) are plain byte
// reads and writes; the two ring header words (flags+idx) that the driver
// and the concurrent hypervisor peer race on go through the atomic
// LoadAcquire32/StoreRelease32 pair instead, which is what actually carries
// the happens-before edges the split-ring protocol depends on — once a
// goroutine observes a StoreRelease32 via LoadAcquire32, every plain byte
// write that preceded the store is visible to it. LoadAcquire32/
// StoreRelease32 move native-endian machine words; the caller (Queue) is
// responsible for composing the header's wire bytes through its
// byte-order adapter before the store and after the load.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	LoadAcquire32(addr uint64) uint32
	StoreRelease32(addr uint64, value uint32)
}
