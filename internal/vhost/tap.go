//go:build linux

package vhost

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// OpenTap opens an existing tap interface for use as a vhost-net backend.
// The vnet header is required: vhost-net prepends one to every frame.
func OpenTap(name string) (*os.File, error) {
	if len(name) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("vhost: tap name %q too long", name)
	}
	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vhost: open /dev/net/tun: %w", err)
	}
	var ifr struct {
		name  [unix.IFNAMSIZ]byte
		flags uint16
		_     [22]byte
	}
	copy(ifr.name[:], name)
	ifr.flags = unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, file.Fd(), unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr)))
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			file.Close()
			return nil, fmt.Errorf("vhost: TUNSETIFF %s: %w", name, errno)
		}
		return file, nil
	}
}
