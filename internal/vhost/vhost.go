//go:build linux

// Package vhost drives the kernel vhost devices (/dev/vhost-net,
// /dev/vhost-vsock). The device model stays the control plane: it negotiates
// features and hands the kernel the memory table, ring geometry and eventfds,
// after which the kernel moves data without further involvement.
package vhost

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vdm/internal/eventfd"
	"github.com/tinyrange/vdm/internal/guestmem"
)

// ioctl request codes for the vhost character devices (type 0xAF).
const (
	VHOST_GET_FEATURES   = 0x8008af00
	VHOST_SET_FEATURES   = 0x4008af00
	VHOST_SET_OWNER      = 0x0000af01
	VHOST_RESET_OWNER    = 0x0000af02
	VHOST_SET_MEM_TABLE  = 0x4008af03
	VHOST_SET_VRING_NUM  = 0x4008af10
	VHOST_SET_VRING_ADDR = 0x4028af11
	VHOST_SET_VRING_BASE = 0x4008af12
	VHOST_GET_VRING_BASE = 0xc008af12
	VHOST_SET_VRING_KICK = 0x4008af20
	VHOST_SET_VRING_CALL = 0x4008af21

	VHOST_NET_SET_BACKEND = 0x4008af30

	VHOST_VSOCK_SET_GUEST_CID = 0x4008af60
	VHOST_VSOCK_SET_RUNNING   = 0x4004af61
)

type vhostVringState struct {
	index uint32
	num   uint32
}

type vhostVringAddr struct {
	index     uint32
	flags     uint32
	descAddr  uint64
	usedAddr  uint64
	availAddr uint64
	logAddr   uint64
}

type vhostVringFile struct {
	index uint32
	fd    int32
}

type vhostMemoryRegion struct {
	guestPhysAddr uint64
	memorySize    uint64
	userspaceAddr uint64
	flagsPadding  uint64
}

// Ring is the geometry of one queue as handed to the kernel.
type Ring struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	Base      uint16
}

// Device is an open vhost character device.
type Device struct {
	file *os.File
}

// Open opens a vhost device node and claims ownership of it for this process.
func Open(path string) (*Device, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vhost: open %s: %w", path, err)
	}
	d := &Device{file: file}
	if err := d.ioctl(VHOST_SET_OWNER, 0); err != nil {
		file.Close()
		return nil, fmt.Errorf("vhost: set owner on %s: %w", path, err)
	}
	return d, nil
}

// Features returns the feature bits the kernel backend supports.
func (d *Device) Features() (uint64, error) {
	var features uint64
	if err := d.ioctl(VHOST_GET_FEATURES, uintptr(unsafe.Pointer(&features))); err != nil {
		return 0, fmt.Errorf("vhost: get features: %w", err)
	}
	return features, nil
}

// SetFeatures commits the negotiated feature bits to the kernel.
func (d *Device) SetFeatures(features uint64) error {
	if err := d.ioctl(VHOST_SET_FEATURES, uintptr(unsafe.Pointer(&features))); err != nil {
		return fmt.Errorf("vhost: set features %#x: %w", features, err)
	}
	return nil
}

// SetMemTable advertises the guest memory layout. Every region must be
// mapped in this process; the kernel translates ring addresses through it.
func (d *Device) SetMemTable(regions []*guestmem.Region) error {
	if len(regions) == 0 {
		return fmt.Errorf("vhost: empty memory table")
	}
	// struct vhost_memory { u32 nregions; u32 padding; regions[]; }
	size := 8 + len(regions)*int(unsafe.Sizeof(vhostMemoryRegion{}))
	buf := make([]byte, size)
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(len(regions))
	for i, r := range regions {
		host := r.HostBytes()
		if host == nil {
			return fmt.Errorf("vhost: region at %#x has no host mapping", r.GuestBase)
		}
		entry := (*vhostMemoryRegion)(unsafe.Pointer(&buf[8+i*int(unsafe.Sizeof(vhostMemoryRegion{}))]))
		entry.guestPhysAddr = r.GuestBase
		entry.memorySize = r.Size
		entry.userspaceAddr = uint64(uintptr(unsafe.Pointer(&host[0])))
	}
	if err := d.ioctl(VHOST_SET_MEM_TABLE, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
		return fmt.Errorf("vhost: set mem table (%d regions): %w", len(regions), err)
	}
	return nil
}

// SetupRing programs one queue: size, ring addresses, starting index, and
// the kick/call eventfds the kernel will service.
func (d *Device) SetupRing(index int, ring Ring, pair eventfd.Pair) error {
	state := vhostVringState{index: uint32(index), num: uint32(ring.Size)}
	if err := d.ioctl(VHOST_SET_VRING_NUM, uintptr(unsafe.Pointer(&state))); err != nil {
		return fmt.Errorf("vhost: set vring num queue=%d: %w", index, err)
	}
	base := vhostVringState{index: uint32(index), num: uint32(ring.Base)}
	if err := d.ioctl(VHOST_SET_VRING_BASE, uintptr(unsafe.Pointer(&base))); err != nil {
		return fmt.Errorf("vhost: set vring base queue=%d: %w", index, err)
	}
	addr := vhostVringAddr{
		index:     uint32(index),
		descAddr:  ring.DescAddr,
		usedAddr:  ring.UsedAddr,
		availAddr: ring.AvailAddr,
	}
	if err := d.ioctl(VHOST_SET_VRING_ADDR, uintptr(unsafe.Pointer(&addr))); err != nil {
		return fmt.Errorf("vhost: set vring addr queue=%d: %w", index, err)
	}
	kick := vhostVringFile{index: uint32(index), fd: int32(pair.Kick.Fd())}
	if err := d.ioctl(VHOST_SET_VRING_KICK, uintptr(unsafe.Pointer(&kick))); err != nil {
		return fmt.Errorf("vhost: set vring kick queue=%d: %w", index, err)
	}
	call := vhostVringFile{index: uint32(index), fd: int32(pair.Call.Fd())}
	if err := d.ioctl(VHOST_SET_VRING_CALL, uintptr(unsafe.Pointer(&call))); err != nil {
		return fmt.Errorf("vhost: set vring call queue=%d: %w", index, err)
	}
	return nil
}

// RingBase retrieves the kernel's available index for a queue, used to
// capture ring state at teardown.
func (d *Device) RingBase(index int) (uint16, error) {
	state := vhostVringState{index: uint32(index)}
	if err := d.ioctl(VHOST_GET_VRING_BASE, uintptr(unsafe.Pointer(&state))); err != nil {
		return 0, fmt.Errorf("vhost: get vring base queue=%d: %w", index, err)
	}
	return uint16(state.num), nil
}

// NetSetBackend attaches a tap fd to a vhost-net queue. fd -1 detaches.
func (d *Device) NetSetBackend(index int, fd int) error {
	file := vhostVringFile{index: uint32(index), fd: int32(fd)}
	if err := d.ioctl(VHOST_NET_SET_BACKEND, uintptr(unsafe.Pointer(&file))); err != nil {
		return fmt.Errorf("vhost: net set backend queue=%d fd=%d: %w", index, fd, err)
	}
	return nil
}

// VsockSetGuestCID assigns the guest's vsock context ID.
func (d *Device) VsockSetGuestCID(cid uint64) error {
	if err := d.ioctl(VHOST_VSOCK_SET_GUEST_CID, uintptr(unsafe.Pointer(&cid))); err != nil {
		return fmt.Errorf("vhost: set guest cid %d: %w", cid, err)
	}
	return nil
}

// VsockSetRunning starts or stops the vsock dataplane.
func (d *Device) VsockSetRunning(running bool) error {
	var v int32
	if running {
		v = 1
	}
	if err := d.ioctl(VHOST_VSOCK_SET_RUNNING, uintptr(unsafe.Pointer(&v))); err != nil {
		return fmt.Errorf("vhost: set running=%v: %w", running, err)
	}
	return nil
}

// Close releases the vhost device. The kernel stops the dataplane when the
// owning fd goes away.
func (d *Device) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *Device) ioctl(request uintptr, arg uintptr) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, d.file.Fd(), request, arg)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}
