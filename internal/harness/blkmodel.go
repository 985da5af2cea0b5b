package harness

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ifnfn/libvirtio/vio"
	"github.com/ifnfn/libvirtio/virtqueue"
)

// BlockImage is an in-memory disk a BlockModel serves virtio-blk requests
// against, standing in for the file-backed device the teacher's own
// host-side block device serves from.
type BlockImage struct {
	mu   sync.Mutex
	data []byte
}

// NewBlockImage creates a zeroed image of sizeBytes, rounded up to a whole
// number of 512-byte sectors.
func NewBlockImage(sizeBytes int) *BlockImage {
	sectors := (sizeBytes + 511) / 512
	return &BlockImage{data: make([]byte, sectors*512)}
}

// Capacity returns the image's size in 512-byte sectors.
func (b *BlockImage) Capacity() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data) / 512)
}

// Snapshot returns a copy of the image contents, for a test to assert a
// write actually landed.
func (b *BlockImage) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// blkReqHeaderLen matches blkdrv's own request header layout.
const blkReqHeaderLen = 16

// BlockModel returns a Handler implementing the virtio-blk request
// protocol against img: a 3-descriptor chain of header, data, status.
func BlockModel(img *BlockImage) Handler {
	return func(q *virtqueue.Queue, chain []virtqueue.Descriptor) (uint32, error) {
		if len(chain) != 3 {
			return 0, fmt.Errorf("harness: virtio-blk chain has %d descriptors, want 3", len(chain))
		}
		hdrDesc, dataDesc, statusDesc := chain[0], chain[1], chain[2]

		if hdrDesc.Flags&virtqueue.DescFlagWrite != 0 {
			return 0, fmt.Errorf("harness: virtio-blk header descriptor must be read-only")
		}
		if hdrDesc.Len < blkReqHeaderLen {
			return 0, fmt.Errorf("harness: virtio-blk header too short: %d", hdrDesc.Len)
		}

		mem := q.Memory()
		var hdr [blkReqHeaderLen]byte
		if _, err := mem.ReadAt(hdr[:], int64(hdrDesc.Addr)); err != nil {
			return 0, err
		}
		reqType := binary.LittleEndian.Uint32(hdr[0:4])
		sector := binary.LittleEndian.Uint64(hdr[8:16])

		status := img.execute(mem, reqType, sector, dataDesc)

		if _, err := mem.WriteAt([]byte{status}, int64(statusDesc.Addr)); err != nil {
			return 0, err
		}
		length := uint32(1) // the status byte
		if reqType == vio.BlkTypeRead && status == vio.BlkStatusOK {
			length += dataDesc.Len
		}
		return length, nil
	}
}

func (b *BlockImage) execute(mem virtqueue.Memory, reqType uint32, sector uint64, dataDesc virtqueue.Descriptor) byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	offset := int64(sector) * 512
	if offset < 0 || offset+int64(dataDesc.Len) > int64(len(b.data)) {
		return vio.BlkStatusIOErr
	}

	switch reqType {
	case vio.BlkTypeRead:
		if dataDesc.Flags&virtqueue.DescFlagWrite == 0 {
			return vio.BlkStatusIOErr
		}
		if _, err := mem.WriteAt(b.data[offset:offset+int64(dataDesc.Len)], int64(dataDesc.Addr)); err != nil {
			return vio.BlkStatusIOErr
		}
		return vio.BlkStatusOK

	case vio.BlkTypeWrite:
		if dataDesc.Flags&virtqueue.DescFlagWrite != 0 {
			return vio.BlkStatusIOErr
		}
		buf := make([]byte, dataDesc.Len)
		if _, err := mem.ReadAt(buf, int64(dataDesc.Addr)); err != nil {
			return vio.BlkStatusIOErr
		}
		copy(b.data[offset:], buf)
		return vio.BlkStatusOK

	case vio.BlkTypeFlush:
		return vio.BlkStatusOK

	default:
		return vio.BlkStatusUnsupp
	}
}

