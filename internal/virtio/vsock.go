//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vdm/internal/vhost"
)

const (
	vsockQueueNumMax = 128
	// rx, tx, event
	vsockQueueCount = 3
)

// Vsock is a virtio-vsock device. The dataplane is always external (kernel
// vhost or a vhost-user backend); the device model owns negotiation and the
// guest CID.
type Vsock struct {
	guestCID uint32
}

// NewVsock builds the vsock device shell. CIDs below 3 are reserved.
func NewVsock(guestCID uint32) (*Vsock, error) {
	if guestCID < 3 {
		return nil, fmt.Errorf("virtio-vsock: guest CID %d is reserved", guestCID)
	}
	return &Vsock{guestCID: guestCID}, nil
}

// Features returns the device feature bits to advertise.
func (v *Vsock) Features() uint64 {
	return 1<<VIRTIO_F_VERSION_1 | 1<<VIRTIO_F_EVENT_IDX
}

// QueueMaxSizes returns the queue layout: rx, tx and event.
func (v *Vsock) QueueMaxSizes() []uint16 {
	sizes := make([]uint16, vsockQueueCount)
	for i := range sizes {
		sizes[i] = vsockQueueNumMax
	}
	return sizes
}

// ConfigureVhost is the vhost activation tail: assign the CID and start the
// dataplane. Ordering matters; the kernel rejects SET_RUNNING without a CID.
func (v *Vsock) ConfigureVhost(dev *vhost.Device, d *Device) error {
	if err := dev.VsockSetGuestCID(uint64(v.guestCID)); err != nil {
		return err
	}
	return dev.VsockSetRunning(true)
}

// HandleChain implements Backend. Chains never reach the device model.
func (v *Vsock) HandleChain(queue int, chain *DescriptorChain) (uint32, error) {
	return 0, fmt.Errorf("virtio-vsock: chain on queue %d reached the device model", queue)
}

// ConfigRead implements ConfigHandler: the guest CID as a u64.
func (v *Vsock) ConfigRead(offset uint64, width int) (uint32, error) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v.guestCID))
	return StaticConfig(buf[:]).ConfigRead(offset, width)
}

// ConfigWrite implements ConfigHandler.
func (v *Vsock) ConfigWrite(offset uint64, width int, value uint32) error {
	return StaticConfig(nil).ConfigWrite(offset, width, value)
}

var (
	_ Backend       = (*Vsock)(nil)
	_ ConfigHandler = (*Vsock)(nil)
)
