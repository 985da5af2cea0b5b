// Package hostmem implements platform.Allocator over an anonymous mmap
// arena locked into RAM with mlock, giving the driver core a real
// physically-stable buffer arena when it runs as a hosted Go process (the
// scenario runner in cmd/vioharness) rather than inside
// an actual bootloader with its own memory manager.
package hostmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ifnfn/libvirtio/platform"
	"github.com/ifnfn/libvirtio/virtqueue"
)

// Arena is a single mmap'd region carved up by alignment-respecting bump
// allocation, mirroring simplemem.Arena's allocation policy but backed by
// real, page-locked memory instead of the Go heap.
type Arena struct {
	buf  []byte
	view *platform.ByteArena
	next uint64
}

// New reserves an anonymous, page-aligned mapping of at least size bytes
// and tries to lock it with mlock so it is not paged out from under an
// in-flight DMA. If mlock fails, the arena is still returned, unlocked.
func New(size int) (*Arena, error) {
	page := os.Getpagesize()
	size = (size + page - 1) &^ (page - 1)

	buf, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}
	if err := unix.Mlock(buf); err != nil {
		// Not fatal: an unprivileged process commonly lacks CAP_IPC_LOCK.
		// The arena is still usable, just not guaranteed resident.
	}

	return &Arena{buf: buf, view: platform.NewByteArena(buf)}, nil
}

// Close unmaps the arena. Every Queue backed by it must have been torn
// down first.
func (a *Arena) Close() error {
	return unix.Munmap(a.buf)
}

// Memory returns the virtqueue.Memory view over this arena, for a caller
// that needs to hand the same address space to a faketransport.Fake or
// read/write a buffer outside the Allocator interface.
func (a *Arena) Memory() virtqueue.Memory { return a.view }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AllocAligned implements virtqueue.Allocator.
func (a *Arena) AllocAligned(size int, align int) (uint64, virtqueue.Memory, error) {
	base := alignUp(a.next, uint64(align))
	if base+uint64(size) > uint64(len(a.buf)) {
		return 0, nil, fmt.Errorf("hostmem: out of memory: need %d bytes at align %d in a %d byte arena",
			size, align, len(a.buf))
	}
	a.next = base + uint64(size)
	return base, a.view, nil
}

// FreeAligned is a no-op; see simplemem.Arena for the same policy rationale.
func (a *Arena) FreeAligned(addr uint64) error { return nil }
