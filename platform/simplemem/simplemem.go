// Package simplemem is a bump allocator over a single Go byte slice: the
// platform.Allocator to reach for when a hosted mmap arena (platform/hostmem)
// isn't available, mirroring the role SLOF_alloc_mem_aligned plays over a
// static CMA region in environments without a general-purpose heap.
package simplemem

import (
	"fmt"
	"sync"

	"github.com/ifnfn/libvirtio/platform"
	"github.com/ifnfn/libvirtio/virtqueue"
)

// Arena is a fixed-size region carved up by alignment-respecting bump
// allocation. Individual allocations are never reclaimed — only Reset
// clears the whole arena — matching this module's broader stance against
// free-list bookkeeping (see virtqueue's index-based descriptor policy).
type Arena struct {
	mu    sync.Mutex
	bytes []byte
	view  *platform.ByteArena
	next  uint64
}

// New allocates a size-byte arena.
func New(size int) *Arena {
	buf := make([]byte, size)
	return &Arena{bytes: buf, view: platform.NewByteArena(buf)}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AllocAligned implements virtqueue.Allocator.
func (a *Arena) AllocAligned(size int, align int) (uint64, virtqueue.Memory, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	base := alignUp(a.next, uint64(align))
	if base+uint64(size) > uint64(len(a.bytes)) {
		return 0, nil, fmt.Errorf("simplemem: out of memory: need %d bytes at align %d in a %d byte arena",
			size, align, len(a.bytes))
	}
	a.next = base + uint64(size)
	return base, a.view, nil
}

// FreeAligned is a no-op: this allocator never reclaims individual
// allocations, only the whole arena via Reset.
func (a *Arena) FreeAligned(addr uint64) error { return nil }

// Reset discards every allocation, returning the arena to empty. Callers
// must ensure no device still references memory handed out before Reset.
func (a *Arena) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	clear(a.bytes)
	a.next = 0
}

// Memory returns the virtqueue.Memory view over this arena, for a caller
// that needs to hand the same address space to a faketransport.Fake or
// read/write a buffer outside the Allocator interface.
func (a *Arena) Memory() virtqueue.Memory { return a.view }
