//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

const (
	blkQueueRequest = 0
	blkQueueNumMax  = 256
	blkSectorSize   = 512
)

// Virtio block request types.
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8
)

// Virtio block status codes.
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits.
const (
	VIRTIO_BLK_F_SIZE_MAX = 1 << 1
	VIRTIO_BLK_F_SEG_MAX  = 1 << 2
	VIRTIO_BLK_F_RO       = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE = 1 << 6
	VIRTIO_BLK_F_FLUSH    = 1 << 9
)

// Blk serves block requests from a file-backed image. Requests arrive as
// three-part chains: a 16-byte readable header, data buffers, and a one-byte
// writable status trailer. Request failures are reported in the status byte;
// only a damaged chain itself is an error.
type Blk struct {
	mu       sync.Mutex
	file     *os.File
	readonly bool
	capacity uint64 // 512-byte sectors
	serial   string
}

// OpenBlk opens an image file as a block backend.
func OpenBlk(path string, readonly bool, serial string) (*Blk, error) {
	flags := os.O_RDWR
	if readonly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("virtio-blk: open %s: %w", path, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("virtio-blk: stat %s: %w", path, err)
	}
	return &Blk{
		file:     file,
		readonly: readonly,
		capacity: uint64(fi.Size()) / blkSectorSize,
		serial:   serial,
	}, nil
}

// Features returns the device feature bits to advertise.
func (b *Blk) Features() uint64 {
	features := uint64(1<<VIRTIO_F_VERSION_1 | 1<<VIRTIO_F_EVENT_IDX |
		VIRTIO_BLK_F_SIZE_MAX | VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH)
	if b.readonly {
		features |= VIRTIO_BLK_F_RO
	}
	return features
}

// QueueMaxSizes returns the queue layout: a single request queue.
func (b *Blk) QueueMaxSizes() []uint16 { return []uint16{blkQueueNumMax} }

// Close releases the image file.
func (b *Blk) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

type blkReqHeader struct {
	reqType uint32
	sector  uint64
}

// HandleChain implements Backend.
func (b *Blk) HandleChain(queue int, chain *DescriptorChain) (uint32, error) {
	if queue != blkQueueRequest {
		return 0, fmt.Errorf("virtio-blk: request on unexpected queue %d", queue)
	}
	if len(chain.Desc) < 2 {
		return 0, fmt.Errorf("virtio-blk: chain of %d descriptors", len(chain.Desc))
	}
	hdrDesc := chain.Desc[0]
	statusDesc := chain.Desc[len(chain.Desc)-1]
	if hdrDesc.Write || hdrDesc.Length < 16 {
		return 0, fmt.Errorf("virtio-blk: bad header descriptor")
	}
	if !statusDesc.Write || statusDesc.Length < 1 {
		return 0, fmt.Errorf("virtio-blk: bad status descriptor")
	}
	hdrData, err := chain.ReadPayload(0)
	if err != nil {
		return 0, err
	}
	hdr := blkReqHeader{
		reqType: binary.LittleEndian.Uint32(hdrData[0:4]),
		sector:  binary.LittleEndian.Uint64(hdrData[8:16]),
	}

	data := chain.Desc[1 : len(chain.Desc)-1]
	status, written := b.execute(chain, hdr, data)

	statusIdx := len(chain.Desc) - 1
	if err := chain.WritePayload(statusIdx, []byte{status}); err != nil {
		return written, err
	}
	return written + 1, nil
}

// execute runs one request against the image, returning the virtio status
// byte and the bytes written into writable data buffers.
func (b *Blk) execute(chain *DescriptorChain, hdr blkReqHeader, data []Descriptor) (byte, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return VIRTIO_BLK_S_IOERR, 0
	}

	offset := int64(hdr.sector) * blkSectorSize
	switch hdr.reqType {
	case VIRTIO_BLK_T_IN:
		var written uint32
		for i := range data {
			if !data[i].Write {
				return VIRTIO_BLK_S_IOERR, written
			}
			buf := make([]byte, data[i].Length)
			n, err := b.file.ReadAt(buf, offset)
			if err != nil && n == 0 {
				return VIRTIO_BLK_S_IOERR, written
			}
			if err := chain.WritePayload(i+1, buf[:n]); err != nil {
				return VIRTIO_BLK_S_IOERR, written
			}
			written += uint32(n)
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK, written

	case VIRTIO_BLK_T_OUT:
		if b.readonly {
			return VIRTIO_BLK_S_IOERR, 0
		}
		for i := range data {
			if data[i].Write {
				return VIRTIO_BLK_S_IOERR, 0
			}
			buf, err := chain.ReadPayload(i + 1)
			if err != nil {
				return VIRTIO_BLK_S_IOERR, 0
			}
			n, err := b.file.WriteAt(buf, offset)
			if err != nil {
				return VIRTIO_BLK_S_IOERR, 0
			}
			offset += int64(n)
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_FLUSH:
		if err := b.file.Sync(); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, 0

	case VIRTIO_BLK_T_GET_ID:
		id := make([]byte, 20)
		copy(id, b.serial)
		if len(data) == 0 || !data[0].Write {
			return VIRTIO_BLK_S_IOERR, 0
		}
		if uint32(len(id)) > data[0].Length {
			id = id[:data[0].Length]
		}
		if err := chain.WritePayload(1, id); err != nil {
			return VIRTIO_BLK_S_IOERR, 0
		}
		return VIRTIO_BLK_S_OK, uint32(len(id))

	default:
		return VIRTIO_BLK_S_UNSUPP, 0
	}
}

// ConfigRead implements ConfigHandler.
func (b *Blk) ConfigRead(offset uint64, width int) (uint32, error) {
	return StaticConfig(b.configBytes()).ConfigRead(offset, width)
}

// ConfigWrite implements ConfigHandler. The whole config space is read-only.
func (b *Blk) ConfigWrite(offset uint64, width int, value uint32) error {
	return StaticConfig(nil).ConfigWrite(offset, width, value)
}

func (b *Blk) configBytes() []byte {
	b.mu.Lock()
	capacity := b.capacity
	b.mu.Unlock()

	// capacity, size_max, seg_max, geometry (left zero), blk_size.
	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], capacity)
	binary.LittleEndian.PutUint32(buf[8:12], 1<<20)
	binary.LittleEndian.PutUint32(buf[12:16], blkQueueNumMax-2)
	binary.LittleEndian.PutUint32(buf[20:24], blkSectorSize)
	return buf[:]
}

var (
	_ Backend       = (*Blk)(nil)
	_ ConfigHandler = (*Blk)(nil)
)
