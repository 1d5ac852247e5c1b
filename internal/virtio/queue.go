package virtio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/vdm/internal/guestmem"
)

// Split-ring layout constants.
const (
	virtqDescFNext     = 1
	virtqDescFWrite    = 2
	virtqDescFIndirect = 4

	virtqAvailFNoInterrupt = 1

	descSize     = 16
	usedElemSize = 8
)

// Descriptor is one buffer of a chain, resolved to a guest address range.
type Descriptor struct {
	Addr   uint64
	Length uint32
	// Write is true when the buffer is device-writable (the guest expects the
	// device to fill it).
	Write bool
}

// DescriptorChain is one request/response unit popped from the available
// ring. The dataplane reads and writes guest memory through it without
// touching ring metadata.
type DescriptorChain struct {
	Head uint16
	Desc []Descriptor

	mem guestmem.Memory
}

// ReadPayload copies the contents of the i-th buffer out of guest memory.
func (c *DescriptorChain) ReadPayload(i int) ([]byte, error) {
	d := c.Desc[i]
	buf := make([]byte, d.Length)
	if err := readGuestInto(c.mem, d.Addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WritePayload copies data into the i-th buffer. The buffer must be
// device-writable and large enough.
func (c *DescriptorChain) WritePayload(i int, data []byte) error {
	d := c.Desc[i]
	if !d.Write {
		return fmt.Errorf("virtio: descriptor %d is not device-writable", i)
	}
	if uint32(len(data)) > d.Length {
		return fmt.Errorf("virtio: payload %d exceeds descriptor length %d", len(data), d.Length)
	}
	return writeGuestFrom(c.mem, d.Addr, data)
}

// ReadableBytes concatenates every device-readable buffer in order.
func (c *DescriptorChain) ReadableBytes() ([]byte, error) {
	var out []byte
	for i, d := range c.Desc {
		if d.Write {
			continue
		}
		chunk, err := c.ReadPayload(i)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// WriteBytes fills device-writable buffers in order and returns the number of
// bytes written into guest memory.
func (c *DescriptorChain) WriteBytes(data []byte) (uint32, error) {
	var written uint32
	for _, d := range c.Desc {
		if !d.Write || len(data) == 0 {
			continue
		}
		n := int(d.Length)
		if n > len(data) {
			n = len(data)
		}
		if err := writeGuestFrom(c.mem, d.Addr, data[:n]); err != nil {
			return written, err
		}
		written += uint32(n)
		data = data[n:]
	}
	return written, nil
}

// WritableLength returns the total capacity of device-writable buffers.
func (c *DescriptorChain) WritableLength() uint32 {
	var n uint32
	for _, d := range c.Desc {
		if d.Write {
			n += d.Length
		}
	}
	return n
}

// Queue drives one split virtqueue shared with the guest. The ring memory is
// guest-controlled; every index read from it is re-validated before use, and
// a malformed chain poisons only itself.
type Queue struct {
	mem   guestmem.Memory
	index int

	size      uint16
	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	eventIdx bool

	// Notification-suppression bookkeeping for VIRTIO_F_EVENT_IDX: the used
	// index as of the last guest signal.
	signalledUsed  uint16
	signalledValid bool
}

// NewQueue binds a live queue to its activation-time geometry. size must be a
// power of two (validated by the register file before activation).
func NewQueue(mem guestmem.Memory, index int, size uint16, descAddr, availAddr, usedAddr uint64, eventIdx bool) *Queue {
	return &Queue{
		mem:       mem,
		index:     index,
		size:      size,
		descAddr:  descAddr,
		availAddr: availAddr,
		usedAddr:  usedAddr,
		eventIdx:  eventIdx,
	}
}

// Size returns the queue size in descriptors.
func (q *Queue) Size() uint16 { return q.size }

// Index returns the queue's position within its device.
func (q *Queue) Index() int { return q.index }

// UsedIdx returns the device-side used index (for state retrieval on
// teardown).
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// PopAvailable returns the next descriptor chain published by the guest, or
// nil when the available ring has no new entries. The available index is read
// fresh on every call; the guest advancing it concurrently is expected.
func (q *Queue) PopAvailable() (*DescriptorChain, error) {
	if q.size == 0 {
		return nil, ErrNotReady
	}
	availIdx, err := q.readAvailIdx()
	if err != nil {
		return nil, err
	}
	if availIdx == q.lastAvailIdx {
		return nil, nil
	}
	// 16-bit wrap arithmetic: the distance must never exceed the queue size.
	// This is not a ChainError: there is no chain slot to consume and skip.
	if uint16(availIdx-q.lastAvailIdx) > q.size {
		return nil, fmt.Errorf("%w: queue %d available index %d runs ahead of %d by more than queue size %d", ErrRingBroken, q.index, availIdx, q.lastAvailIdx, q.size)
	}

	head, err := q.readAvailEntry(q.lastAvailIdx % q.size)
	if err != nil {
		return nil, err
	}
	chain, err := q.walkChain(head)
	if err != nil {
		// The slot is consumed either way; a bad chain must not wedge the
		// queue.
		q.lastAvailIdx++
		q.publishAvailEvent()
		return nil, err
	}
	q.lastAvailIdx++
	q.publishAvailEvent()
	return chain, nil
}

func (q *Queue) walkChain(head uint16) (*DescriptorChain, error) {
	if head >= q.size {
		return nil, &ChainError{Queue: q.index, Head: head, Reason: fmt.Sprintf("head index %d out of bounds (size %d)", head, q.size)}
	}
	chain := &DescriptorChain{Head: head, mem: q.mem}
	seen := make([]bool, q.size)
	index := head
	for count := uint16(0); ; count++ {
		if count >= q.size {
			return nil, &ChainError{Queue: q.index, Head: head, Reason: "chain longer than queue size"}
		}
		if seen[index] {
			return nil, &ChainError{Queue: q.index, Head: head, Reason: fmt.Sprintf("cycle at descriptor %d", index)}
		}
		seen[index] = true

		desc, err := q.readDescriptor(q.descAddr, index)
		if err != nil {
			return nil, err
		}
		if desc.flags&virtqDescFIndirect != 0 {
			if desc.flags&virtqDescFNext != 0 {
				return nil, &ChainError{Queue: q.index, Head: head, Reason: "indirect descriptor with NEXT flag"}
			}
			if err := q.walkIndirect(chain, desc); err != nil {
				return nil, err
			}
			return chain, nil
		}
		if err := q.checkDescriptorRange(head, desc); err != nil {
			return nil, err
		}
		chain.Desc = append(chain.Desc, Descriptor{
			Addr:   desc.addr,
			Length: desc.length,
			Write:  desc.flags&virtqDescFWrite != 0,
		})
		if desc.flags&virtqDescFNext == 0 {
			return chain, nil
		}
		if desc.next >= q.size {
			return nil, &ChainError{Queue: q.index, Head: head, Reason: fmt.Sprintf("next index %d out of bounds (size %d)", desc.next, q.size)}
		}
		index = desc.next
	}
}

// walkIndirect resolves a one-level indirect table. Descriptors inside the
// table must not themselves be indirect.
func (q *Queue) walkIndirect(chain *DescriptorChain, ind virtqDescriptor) error {
	if ind.length == 0 || ind.length%descSize != 0 {
		return &ChainError{Queue: q.index, Head: chain.Head, Reason: fmt.Sprintf("indirect table length %d not a descriptor multiple", ind.length)}
	}
	count := ind.length / descSize
	if count > uint32(q.size) {
		return &ChainError{Queue: q.index, Head: chain.Head, Reason: fmt.Sprintf("indirect table of %d descriptors exceeds queue size %d", count, q.size)}
	}
	seen := make([]bool, count)
	index := uint16(0)
	for steps := uint32(0); ; steps++ {
		if steps >= count {
			return &ChainError{Queue: q.index, Head: chain.Head, Reason: "indirect chain longer than its table"}
		}
		if seen[index] {
			return &ChainError{Queue: q.index, Head: chain.Head, Reason: fmt.Sprintf("cycle at indirect descriptor %d", index)}
		}
		seen[index] = true

		desc, err := q.readDescriptor(ind.addr, index)
		if err != nil {
			return err
		}
		if desc.flags&virtqDescFIndirect != 0 {
			return &ChainError{Queue: q.index, Head: chain.Head, Reason: "nested indirect descriptor"}
		}
		if err := q.checkDescriptorRange(chain.Head, desc); err != nil {
			return err
		}
		chain.Desc = append(chain.Desc, Descriptor{
			Addr:   desc.addr,
			Length: desc.length,
			Write:  desc.flags&virtqDescFWrite != 0,
		})
		if desc.flags&virtqDescFNext == 0 {
			return nil
		}
		if uint32(desc.next) >= count {
			return &ChainError{Queue: q.index, Head: chain.Head, Reason: fmt.Sprintf("indirect next index %d out of table bounds %d", desc.next, count)}
		}
		index = desc.next
	}
}

// PushUsed publishes a completed chain to the used ring. Each popped chain
// must be pushed exactly once; order across chains is unconstrained.
func (q *Queue) PushUsed(head uint16, bytesWritten uint32) error {
	if q.size == 0 {
		return ErrNotReady
	}
	slot := q.usedIdx % q.size
	base := q.usedAddr + 4 + uint64(slot)*usedElemSize
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], bytesWritten)
	if err := writeGuestFrom(q.mem, base, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	return q.writeGuestUint16(q.usedAddr+2, q.usedIdx)
}

// ShouldNotify reports whether the guest wants a signal for the used entries
// published since the last signal. With EVENT_IDX negotiated this is the
// threshold comparison from the virtio spec; otherwise the guest's
// NO_INTERRUPT hint is honored.
func (q *Queue) ShouldNotify() bool {
	if q.size == 0 {
		return false
	}
	if !q.eventIdx {
		flags, err := q.readGuestUint16(q.availAddr)
		if err != nil {
			return true
		}
		return flags&virtqAvailFNoInterrupt == 0
	}
	usedEvent, err := q.readGuestUint16(q.availAddr + 4 + uint64(q.size)*2)
	if err != nil {
		return true
	}
	old := q.signalledUsed
	if !q.signalledValid {
		q.signalledUsed = q.usedIdx
		q.signalledValid = true
		return true
	}
	if vringNeedEvent(usedEvent, q.usedIdx, old) {
		q.signalledUsed = q.usedIdx
		return true
	}
	return false
}

// vringNeedEvent is the suppression predicate from the virtio spec: signal
// only if the event index was crossed since the last signal.
func vringNeedEvent(event, new, old uint16) bool {
	return new-event-1 < new-old
}

// publishAvailEvent tells the guest where the device has read up to, so the
// guest can in turn suppress redundant kicks.
func (q *Queue) publishAvailEvent() {
	if !q.eventIdx {
		return
	}
	offset := q.usedAddr + 4 + uint64(q.size)*usedElemSize
	_ = q.writeGuestUint16(offset, q.lastAvailIdx)
}

// checkDescriptorRange rejects buffers that do not fall entirely within
// guest memory. Chain consumers size copies from descriptor lengths, so a
// range is validated before any buffer is allocated for it.
func (q *Queue) checkDescriptorRange(head uint16, d virtqDescriptor) error {
	if d.length == 0 {
		return nil
	}
	if err := q.mem.CheckRange(d.addr, uint64(d.length)); err != nil {
		return &ChainError{Queue: q.index, Head: head, Reason: fmt.Sprintf("descriptor %#x+%#x outside guest memory: %v", d.addr, d.length, err)}
	}
	return nil
}

type virtqDescriptor struct {
	addr   uint64
	length uint32
	flags  uint16
	next   uint16
}

func (q *Queue) readDescriptor(table uint64, index uint16) (virtqDescriptor, error) {
	var buf [descSize]byte
	offset := table + uint64(index)*descSize
	if err := readGuestInto(q.mem, offset, buf[:]); err != nil {
		return virtqDescriptor{}, &ChainError{Queue: q.index, Head: index, Reason: fmt.Sprintf("descriptor read: %v", err)}
	}
	return virtqDescriptor{
		addr:   binary.LittleEndian.Uint64(buf[0:8]),
		length: binary.LittleEndian.Uint32(buf[8:12]),
		flags:  binary.LittleEndian.Uint16(buf[12:14]),
		next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func (q *Queue) readAvailIdx() (uint16, error) {
	return q.readGuestUint16(q.availAddr + 2)
}

func (q *Queue) readAvailEntry(ringIndex uint16) (uint16, error) {
	return q.readGuestUint16(q.availAddr + 4 + uint64(ringIndex)*2)
}

func (q *Queue) readGuestUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := readGuestInto(q.mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return writeGuestFrom(q.mem, addr, buf[:])
}

// Guest memory helpers shared by the queue engine and device handlers.

func readGuestInto(mem guestmem.Memory, addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := mem.ReadAt(buf, off)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func writeGuestFrom(mem guestmem.Memory, addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := mem.WriteAt(data, off)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func guestOffset(addr uint64, length int) (int64, error) {
	if addr > math.MaxInt64 {
		return 0, fmt.Errorf("virtio: guest address %#x out of range", addr)
	}
	if uint64(length) > uint64(math.MaxInt64)-addr {
		return 0, fmt.Errorf("virtio: guest access length overflow addr=%#x length=%d", addr, length)
	}
	return int64(addr), nil
}
