//go:build linux

// Package eventfd wraps Linux's eventfd(2) syscall for use as virtio
// notification endpoints. An eventfd carries no payload beyond a counter, so
// multiple signals raised before the consumer reads collapse into one. That
// coalescing is exactly the semantics virtio kick and call notifications need.
package eventfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

const sizeofUint64 = 8

// Eventfd is a single signalable endpoint.
type Eventfd struct {
	fd int
}

// New returns an initialized nonblocking eventfd.
func New() (Eventfd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return Eventfd{}, fmt.Errorf("eventfd: create: %w", err)
	}
	return Eventfd{fd: fd}, nil
}

// Wrap adopts an existing file descriptor.
func Wrap(fd int) Eventfd {
	return Eventfd{fd: fd}
}

// Fd returns the underlying file descriptor. The fd is handed verbatim to the
// kernel (vhost) or an external backend (vhost-user) when the dataplane drops
// out of the in-process path.
func (ev Eventfd) Fd() int {
	return ev.fd
}

// Dup copies the eventfd, calling dup(2) on the underlying file descriptor.
func (ev Eventfd) Dup() (Eventfd, error) {
	other, err := unix.Dup(ev.fd)
	if err != nil {
		return Eventfd{}, fmt.Errorf("eventfd: dup: %w", err)
	}
	return Eventfd{fd: other}, nil
}

// Close closes the eventfd, after which it should not be used.
func (ev Eventfd) Close() error {
	return unix.Close(ev.fd)
}

// Notify signals the endpoint. Signals coalesce until the other side reads.
func (ev Eventfd) Notify() error {
	var buf [sizeofUint64]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(ev.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("eventfd: write: %w", err)
		}
		return nil
	}
}

// Read consumes all pending signals and returns the accumulated count.
// Returns 0 with no error if the eventfd was not signalled.
func (ev Eventfd) Read() (uint64, error) {
	var buf [sizeofUint64]byte
	for {
		n, err := unix.Read(ev.fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("eventfd: read: %w", err)
		}
		if n != sizeofUint64 {
			return 0, fmt.Errorf("eventfd: short read (%d bytes)", n)
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}
}

// Clear drains the counter, discarding the value.
func (ev Eventfd) Clear() {
	_, _ = ev.Read()
}

// Pair bundles the two notification endpoints of one virtqueue: the guest
// kicks the device on Kick, the device interrupts the guest on Call.
type Pair struct {
	Kick Eventfd
	Call Eventfd
}

// NewPair allocates both endpoints, closing the first on partial failure.
func NewPair() (Pair, error) {
	kick, err := New()
	if err != nil {
		return Pair{}, err
	}
	call, err := New()
	if err != nil {
		kick.Close()
		return Pair{}, err
	}
	return Pair{Kick: kick, Call: call}, nil
}

// Close releases both endpoints.
func (p Pair) Close() error {
	err := p.Kick.Close()
	if cerr := p.Call.Close(); err == nil {
		err = cerr
	}
	return err
}
