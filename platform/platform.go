// Package platform declares the collaborator interfaces a bootloader or
// firmware environment supplies to the driver core: physically-contiguous
// aligned allocation, DMA address translation, and retry-loop sleeps. None
// of these are implemented by the driver core itself — they are the escape
// hatch to whatever the execution environment actually offers. The
// sub-packages hostmem and simplemem are two concrete implementations
// usable from a hosted Go process (tests, the scenario harness).
package platform

import (
	"time"

	"github.com/ifnfn/libvirtio/virtqueue"
)

// Allocator satisfies virtqueue.Allocator: aligned, physically-contiguous
// memory a Queue can hand its address to the device.
type Allocator = virtqueue.Allocator

// DMAMapper translates between a driver-visible virtual address and the
// physical address a device's DMA engine would use. Without an IOMMU this
// is the identity mapping, exactly as SLOF's own dma_map_in/dma_map_out
// stubs behave; a platform with an IOMMU would implement address
// translation and cache maintenance here instead.
type DMAMapper interface {
	// MapIn returns the physical address a device should use to read or
	// write the len bytes at virtual address va. cacheable indicates
	// whether the mapping may be left in the CPU cache (false forces a
	// flush on platforms that need one).
	MapIn(va uint64, length int, cacheable bool) (pa uint64, err error)
	// MapOut releases a mapping created by MapIn and, on platforms that
	// need it, invalidates the CPU's view of the region so the driver
	// observes what the device wrote.
	MapOut(pa uint64, va uint64, length int) error
}

// IdentityDMAMapper is a DMAMapper for platforms without an IOMMU: virtual
// and physical addresses coincide, matching SLOF_dma_map_in/dma_map_out.
type IdentityDMAMapper struct{}

func (IdentityDMAMapper) MapIn(va uint64, length int, cacheable bool) (uint64, error) {
	return va, nil
}

func (IdentityDMAMapper) MapOut(pa uint64, va uint64, length int) error {
	return nil
}

// Sleeper provides the retry-loop delays a driver uses while polling for a
// condition that has no interrupt wired to it yet (e.g. waiting for
// FEATURES_OK to stick). It must never be called from the virtqueue fast
// path.
type Sleeper interface {
	Msleep(d uint32)
	Usleep(d uint32)
}

// RealSleeper sleeps using the Go runtime's timers.
type RealSleeper struct{}

func (RealSleeper) Msleep(d uint32) { time.Sleep(time.Duration(d) * time.Millisecond) }
func (RealSleeper) Usleep(d uint32) { time.Sleep(time.Duration(d) * time.Microsecond) }
