// Package harness plays the hypervisor side of the protocol so the
// scenario runner and integration tests can drive real blkdrv/netdrv code
// against something that actually completes requests concurrently, instead
// of a test hand-poking used-ring entries. Each Serve call runs its own
// goroutine reading one queue's avail ring and writing its used ring —
// the same background-peer concurrency the virtqueue package's
// memory-ordering discipline is built to survive.
package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ifnfn/libvirtio/virtqueue"
)

// Handler processes one descriptor chain and returns the number of bytes
// the device moved into write-flagged descriptors (the used-ring entry's
// length field).
type Handler func(q *virtqueue.Queue, chain []virtqueue.Descriptor) (uint32, error)

// Hypervisor runs a collection of per-queue device-model goroutines.
type Hypervisor struct {
	wg       sync.WaitGroup
	pollEvery time.Duration
}

// New constructs a Hypervisor. pollEvery controls how often an idle queue
// watcher re-checks for new avail-ring entries; a zero value defaults to
// one millisecond, fast enough to keep scenario runs snappy without
// spinning a CPU core.
func New(pollEvery time.Duration) *Hypervisor {
	if pollEvery <= 0 {
		pollEvery = time.Millisecond
	}
	return &Hypervisor{pollEvery: pollEvery}
}

// Serve starts a goroutine that watches q's avail ring and, for every
// descriptor chain the driver publishes, reads the full chain, invokes
// handle, and publishes the resulting used-ring entry. It stops when ctx
// is cancelled.
func (h *Hypervisor) Serve(ctx context.Context, q *virtqueue.Queue, handle Handler) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for {
				head, ok, err := q.PollAvail()
				if err != nil || !ok {
					break
				}
				chain, err := readChain(q, head)
				if err != nil {
					continue
				}
				length, err := handle(q, chain)
				if err != nil {
					continue
				}
				_ = q.PublishUsedEntry(uint32(head), length)
			}
		}
	}()
}

// Wait blocks until every Serve goroutine started on this Hypervisor has
// returned (i.e. every context passed to Serve has been cancelled).
func (h *Hypervisor) Wait() { h.wg.Wait() }

func readChain(q *virtqueue.Queue, head uint16) ([]virtqueue.Descriptor, error) {
	var chain []virtqueue.Descriptor
	id := head
	for i := 0; i <= int(q.Size()); i++ {
		d, err := q.ReadDesc(id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, d)
		if d.Flags&virtqueue.DescFlagNext == 0 {
			return chain, nil
		}
		id = d.Next
	}
	return nil, fmt.Errorf("harness: descriptor chain starting at %d did not terminate within queue size", head)
}
