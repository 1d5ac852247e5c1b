//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vdm/internal/vhostuser"
)

const (
	fsTagSize       = 36
	fsConfigSize    = fsTagSize + 4
	fsQueueNumMax   = 128
	fsRequestQueues = 1
	// hiprio queue plus request queues
	fsQueueCount = 1 + fsRequestQueues
)

// Fs is a virtio-fs device whose dataplane lives in an external vhost-user
// daemon (virtiofsd). The device model only owns the transport: config space
// is proxied to the backend when it implements GET_CONFIG, and synthesized
// from the mount tag otherwise.
type Fs struct {
	tag   string
	plane *VhostUserPlane
}

// NewFs builds the fs device shell around its vhost-user plane.
func NewFs(tag string, plane *VhostUserPlane) (*Fs, error) {
	if tag == "" || len(tag) > fsTagSize {
		return nil, fmt.Errorf("virtio-fs: tag must be 1..%d bytes, got %q", fsTagSize, tag)
	}
	return &Fs{tag: tag, plane: plane}, nil
}

// Features returns the device feature bits to advertise.
func (f *Fs) Features() uint64 {
	return 1<<VIRTIO_F_VERSION_1 | 1<<VIRTIO_F_EVENT_IDX
}

// QueueMaxSizes returns the queue layout: hiprio plus the request queues.
func (f *Fs) QueueMaxSizes() []uint16 {
	sizes := make([]uint16, fsQueueCount)
	for i := range sizes {
		sizes[i] = fsQueueNumMax
	}
	return sizes
}

// HandleChain implements Backend. Chains never reach the device model; the
// external backend owns the rings.
func (f *Fs) HandleChain(queue int, chain *DescriptorChain) (uint32, error) {
	return 0, fmt.Errorf("virtio-fs: chain on queue %d reached the device model", queue)
}

// ConfigRead implements ConfigHandler. The backend's view wins when it
// supports the config protocol feature; the local tag is the fallback.
func (f *Fs) ConfigRead(offset uint64, width int) (uint32, error) {
	if s := f.plane.Session(); s != nil && f.plane.ProtocolFeatures()&(1<<vhostuser.ProtocolFeatureConfig) != 0 {
		data, err := s.GetConfig(0, fsConfigSize)
		if err == nil {
			return StaticConfig(data).ConfigRead(offset, width)
		}
	}
	return StaticConfig(f.configBytes()).ConfigRead(offset, width)
}

// ConfigWrite implements ConfigHandler.
func (f *Fs) ConfigWrite(offset uint64, width int, value uint32) error {
	return StaticConfig(nil).ConfigWrite(offset, width, value)
}

func (f *Fs) configBytes() []byte {
	buf := make([]byte, fsConfigSize)
	copy(buf[:fsTagSize], f.tag)
	binary.LittleEndian.PutUint32(buf[fsTagSize:], fsRequestQueues)
	return buf
}

var (
	_ Backend       = (*Fs)(nil)
	_ ConfigHandler = (*Fs)(nil)
)
