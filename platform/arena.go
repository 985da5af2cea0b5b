package platform

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// ByteArena is a virtqueue.Memory implementation over a plain Go byte
// slice. It underlies both hostmem's mmap-backed arena and simplemem's
// heap-backed one; the two packages differ only in how they obtain the
// backing slice.
type ByteArena struct {
	buf []byte
}

// NewByteArena wraps buf, which must already be zeroed and stay
// physically stable for the arena's lifetime (an mmap'd region, or a slice
// that is never reallocated).
func NewByteArena(buf []byte) *ByteArena {
	return &ByteArena{buf: buf}
}

func (a *ByteArena) bounds(off int64, length int) error {
	if off < 0 || length < 0 || off+int64(length) > int64(len(a.buf)) {
		return fmt.Errorf("platform: access [%d,%d) out of bounds (arena size %d)", off, off+int64(length), len(a.buf))
	}
	return nil
}

func (a *ByteArena) ReadAt(p []byte, off int64) (int, error) {
	if err := a.bounds(off, len(p)); err != nil {
		return 0, err
	}
	return copy(p, a.buf[off:off+int64(len(p))]), nil
}

func (a *ByteArena) WriteAt(p []byte, off int64) (int, error) {
	if err := a.bounds(off, len(p)); err != nil {
		return 0, err
	}
	return copy(a.buf[off:off+int64(len(p))], p), nil
}

// LoadAcquire32 atomically loads a 4-byte word in the machine's native
// byte order. addr must be 4-byte aligned, which the virtqueue layout
// guarantees for the ring header words this is used for. Like ReadAt, this
// method itself is endian-agnostic: it moves whatever bytes are in memory.
// A caller that needs those bytes to carry a specific wire byte order (as
// virtqueue.Queue does for the {flags,idx} header) must compose them
// through its byte-order adapter before the store and after the load,
// exactly once per direction, rather than treating the returned uint32 as
// a pre-ordered value.
func (a *ByteArena) LoadAcquire32(addr uint64) uint32 {
	if err := a.bounds(int64(addr), 4); err != nil {
		panic(err)
	}
	p := (*uint32)(unsafe.Pointer(&a.buf[addr]))
	return atomic.LoadUint32(p)
}

// StoreRelease32 atomically stores a 4-byte word in the machine's native
// byte order; see LoadAcquire32 for the wire-order composition a caller
// must do around it.
func (a *ByteArena) StoreRelease32(addr uint64, value uint32) {
	if err := a.bounds(int64(addr), 4); err != nil {
		panic(err)
	}
	p := (*uint32)(unsafe.Pointer(&a.buf[addr]))
	atomic.StoreUint32(p, value)
}

// Len returns the arena's size in bytes.
func (a *ByteArena) Len() int { return len(a.buf) }
