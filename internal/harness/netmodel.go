package harness

import (
	"fmt"
	"sync"

	"github.com/ifnfn/libvirtio/virtqueue"
)

// NetBackend receives frames the driver has transmitted. It mirrors the
// teacher's own host-side NetBackend contract, generalized so the harness
// doesn't need to know anything about sockets or bridges.
type NetBackend interface {
	HandleTx(frame []byte) error
}

// LoopbackBackend keeps every transmitted frame until Drain, so a test or
// scenario can hand it back to the driver through InjectRxFrame: the
// simplest possible backend for exercising a driver's TX and RX paths
// against each other. It does not inject anything itself.
type LoopbackBackend struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *LoopbackBackend) HandleTx(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return nil
}

// Drain removes and returns every frame queued since the last Drain call.
func (l *LoopbackBackend) Drain() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	frames := l.frames
	l.frames = nil
	return frames
}

const netHdrLen = 10

// NetTxModel returns a Handler for a transmit queue: it strips the
// virtio_net_hdr prefix from each 2-descriptor chain and forwards the
// payload to backend.
func NetTxModel(backend NetBackend) Handler {
	return func(q *virtqueue.Queue, chain []virtqueue.Descriptor) (uint32, error) {
		if len(chain) != 2 {
			return 0, fmt.Errorf("harness: virtio-net tx chain has %d descriptors, want 2", len(chain))
		}
		dataDesc := chain[1]
		mem := q.Memory()
		frame := make([]byte, dataDesc.Len)
		if _, err := mem.ReadAt(frame, int64(dataDesc.Addr)); err != nil {
			return 0, err
		}
		if err := backend.HandleTx(frame); err != nil {
			return 0, err
		}
		return 0, nil // a transmit chain has no device-writable descriptor
	}
}

// InjectRxFrame writes frame into one pending RX descriptor chain on q
// (previously posted by the driver via its receive pool) and publishes a
// used entry for it, playing the device side of frame delivery. It returns
// false if the driver has not posted any RX buffer yet.
func InjectRxFrame(q *virtqueue.Queue, frame []byte) (bool, error) {
	head, ok, err := q.PollAvail()
	if err != nil || !ok {
		return false, err
	}
	chain, err := readChain(q, head)
	if err != nil {
		return false, err
	}
	if len(chain) != 2 {
		return false, fmt.Errorf("harness: virtio-net rx chain has %d descriptors, want 2", len(chain))
	}
	hdrDesc, dataDesc := chain[0], chain[1]
	if uint32(len(frame)) > dataDesc.Len {
		return false, fmt.Errorf("harness: frame of %d bytes exceeds posted rx buffer of %d bytes", len(frame), dataDesc.Len)
	}

	mem := q.Memory()
	var hdr [netHdrLen]byte // no offload
	if _, err := mem.WriteAt(hdr[:], int64(hdrDesc.Addr)); err != nil {
		return false, err
	}
	if _, err := mem.WriteAt(frame, int64(dataDesc.Addr)); err != nil {
		return false, err
	}
	if err := q.PublishUsedEntry(uint32(head), uint32(netHdrLen+len(frame))); err != nil {
		return false, err
	}
	return true, nil
}
