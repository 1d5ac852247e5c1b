//go:build linux

package virtio

import (
	"fmt"
	"sort"
)

type busEntry struct {
	base uint64
	size uint64
	dev  *Device
}

// Bus routes guest MMIO accesses to the owning device by address. It is
// populated once at startup and read-only afterwards.
type Bus struct {
	entries []busEntry
}

// Add claims an address window for a device. Windows must not overlap.
func (b *Bus) Add(base, size uint64, dev *Device) error {
	if size == 0 {
		return fmt.Errorf("virtio: zero-size MMIO window for device %s", dev.ID())
	}
	for _, e := range b.entries {
		if base < e.base+e.size && e.base < base+size {
			return fmt.Errorf("virtio: MMIO window %#x+%#x for device %s overlaps device %s",
				base, size, dev.ID(), e.dev.ID())
		}
	}
	b.entries = append(b.entries, busEntry{base: base, size: size, dev: dev})
	sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].base < b.entries[j].base })
	return nil
}

func (b *Bus) find(addr uint64) *busEntry {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].base+b.entries[i].size > addr
	})
	if i < len(b.entries) && addr >= b.entries[i].base {
		return &b.entries[i]
	}
	return nil
}

// Read routes a guest load.
func (b *Bus) Read(addr uint64, width int) (uint32, error) {
	e := b.find(addr)
	if e == nil {
		return 0, fmt.Errorf("%w: no device at %#x", ErrBadAccess, addr)
	}
	return e.dev.MMIORead(addr-e.base, width)
}

// Write routes a guest store.
func (b *Bus) Write(addr uint64, width int, value uint32) error {
	e := b.find(addr)
	if e == nil {
		return fmt.Errorf("%w: no device at %#x", ErrBadAccess, addr)
	}
	return e.dev.MMIOWrite(addr-e.base, width, value)
}

// Devices returns every attached device in address order.
func (b *Bus) Devices() []*Device {
	out := make([]*Device, len(b.entries))
	for i := range b.entries {
		out[i] = b.entries[i].dev
	}
	return out
}
