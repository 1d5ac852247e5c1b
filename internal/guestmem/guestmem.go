// Package guestmem provides bounds-checked access to guest physical memory.
//
// Guest RAM is advertised as a set of regions, each backed by host memory
// (anonymous for tests, a shared file mapping in production so that backends
// in other processes can map the same pages). Every access is validated
// against the region table; an out-of-range access is an ordinary error the
// caller recovers from at chain granularity, never a process fault.
package guestmem

import (
	"errors"
	"fmt"
	"io"
	"sort"
)

// ErrOutOfRange reports a guest address outside every advertised region.
var ErrOutOfRange = errors.New("guestmem: address out of range")

// Memory is the access interface consumed by the virtqueue engine and device
// backends. Offsets are guest physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// CheckRange validates that [addr, addr+length) falls entirely within one
	// region without touching the memory. Guest-supplied address ranges must
	// pass here before any buffer is sized from them.
	CheckRange(addr, length uint64) error
}

// Region is one contiguous range of guest physical memory.
type Region struct {
	GuestBase uint64
	Size      uint64

	host []byte

	// Backing handle and offset, used to advertise the region to vhost and
	// vhost-user backends. fd is -1 for anonymous regions.
	fd         int
	mmapOffset uint64

	unmap func() error
}

// HostBytes returns the host mapping of the region.
func (r *Region) HostBytes() []byte { return r.host }

// Fd returns the shareable backing handle, or -1 if the region cannot be
// exported to another process.
func (r *Region) Fd() int { return r.fd }

// MmapOffset returns the offset into the backing handle at which the region
// starts.
func (r *Region) MmapOffset() uint64 { return r.mmapOffset }

func (r *Region) contains(addr uint64) bool {
	return addr >= r.GuestBase && addr < r.GuestBase+r.Size
}

// Regions is an ordered, non-overlapping set of guest memory regions.
type Regions struct {
	regions []*Region
}

// New builds a region set, rejecting overlaps.
func New(regions ...*Region) (*Regions, error) {
	rs := &Regions{regions: append([]*Region(nil), regions...)}
	sort.Slice(rs.regions, func(i, j int) bool {
		return rs.regions[i].GuestBase < rs.regions[j].GuestBase
	})
	for i := 1; i < len(rs.regions); i++ {
		prev, cur := rs.regions[i-1], rs.regions[i]
		if prev.GuestBase+prev.Size > cur.GuestBase {
			return nil, fmt.Errorf("guestmem: regions overlap at %#x", cur.GuestBase)
		}
	}
	return rs, nil
}

// List returns the regions in guest address order.
func (rs *Regions) List() []*Region {
	return rs.regions
}

func (rs *Regions) find(addr uint64) *Region {
	for _, r := range rs.regions {
		if r.contains(addr) {
			return r
		}
	}
	return nil
}

// ReadAt implements Memory. A read must fall entirely within one region.
func (rs *Regions) ReadAt(p []byte, off int64) (int, error) {
	host, err := rs.slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, host), nil
}

// WriteAt implements Memory. A write must fall entirely within one region.
func (rs *Regions) WriteAt(p []byte, off int64) (int, error) {
	host, err := rs.slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(host, p), nil
}

// CheckRange implements Memory.
func (rs *Regions) CheckRange(addr, length uint64) error {
	_, err := rs.slice(addr, length)
	return err
}

func (rs *Regions) slice(addr, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	if addr+length < addr {
		return nil, fmt.Errorf("%w: addr=%#x length=%#x overflows", ErrOutOfRange, addr, length)
	}
	r := rs.find(addr)
	if r == nil {
		return nil, fmt.Errorf("%w: addr=%#x", ErrOutOfRange, addr)
	}
	off := addr - r.GuestBase
	if off+length > r.Size {
		return nil, fmt.Errorf("%w: addr=%#x length=%#x crosses region end", ErrOutOfRange, addr, length)
	}
	return r.host[off : off+length], nil
}

// Close unmaps all file-backed regions.
func (rs *Regions) Close() error {
	var first error
	for _, r := range rs.regions {
		if err := r.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Region) close() error {
	if r.unmap == nil {
		return nil
	}
	unmap := r.unmap
	r.unmap = nil
	r.host = nil
	return unmap()
}

// NewBytesRegion returns an anonymous region backed by a plain byte slice.
// Not exportable to external backends; intended for in-process use and tests.
func NewBytesRegion(base, size uint64) *Region {
	return &Region{
		GuestBase: base,
		Size:      size,
		host:      make([]byte, size),
		fd:        -1,
	}
}
