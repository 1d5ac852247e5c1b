//go:build linux

package guestmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapFileRegion maps size bytes of path at fileOffset as a shared mapping and
// exposes it to the guest at base. The file stays open so the fd can be
// advertised to vhost and vhost-user backends.
func MapFileRegion(path string, base, size, fileOffset uint64) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("guestmem: open backing file: %w", err)
	}
	host, err := unix.Mmap(
		int(f.Fd()),
		int64(fileOffset),
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("guestmem: mmap %s: %w", path, err)
	}
	return &Region{
		GuestBase:  base,
		Size:       size,
		host:       host,
		fd:         int(f.Fd()),
		mmapOffset: fileOffset,
		unmap: func() error {
			err := unix.Munmap(host)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}, nil
}
