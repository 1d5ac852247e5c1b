//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
)

const (
	netQueueReceive  = 0
	netQueueTransmit = 1
	netQueueNumMax   = 256
	netHeaderSize    = 12

	VIRTIO_NET_F_MAC    = 5
	VIRTIO_NET_F_STATUS = 16

	virtioNetStatusLinkUp = 1

	// Backpressure limit for frames awaiting guest RX buffers. A fast host
	// side producer must not queue unbounded frames while the guest is slow
	// to replenish descriptors.
	netMaxPendingRxFrames = 256
)

// FrameSink consumes ethernet frames transmitted by the guest.
type FrameSink interface {
	DeliverGuestFrame(frame []byte) error
}

// Net is the in-process network device. TX chains are unwrapped and handed
// to the sink; host-side frames are queued and flushed into guest RX buffers
// as the guest provides them.
type Net struct {
	mac  net.HardwareAddr
	sink FrameSink

	dev *Device

	mu        sync.Mutex
	pendingRx [][]byte
	dropped   uint64
	linkUp    bool
}

// NewNet builds a net backend. The sink may be nil, in which case guest TX
// is discarded.
func NewNet(mac net.HardwareAddr, sink FrameSink) (*Net, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("virtio-net: MAC must be 6 bytes, got %d", len(mac))
	}
	return &Net{
		mac:    append(net.HardwareAddr(nil), mac...),
		sink:   sink,
		linkUp: true,
	}, nil
}

// Features returns the device feature bits to advertise.
func (n *Net) Features() uint64 {
	return 1<<VIRTIO_F_VERSION_1 | 1<<VIRTIO_F_EVENT_IDX |
		1<<VIRTIO_NET_F_MAC | 1<<VIRTIO_NET_F_STATUS
}

// QueueMaxSizes returns the queue layout: receive then transmit.
func (n *Net) QueueMaxSizes() []uint16 { return []uint16{netQueueNumMax, netQueueNumMax} }

// Bind attaches the backend to its device. Must be called before the driver
// activates the device.
func (n *Net) Bind(d *Device) { n.dev = d }

// HandleChain implements Backend for the transmit queue.
func (n *Net) HandleChain(queue int, chain *DescriptorChain) (uint32, error) {
	if queue != netQueueTransmit {
		return 0, fmt.Errorf("virtio-net: unexpected chain on queue %d", queue)
	}
	payload, err := chain.ReadableBytes()
	if err != nil {
		return 0, err
	}
	if len(payload) < netHeaderSize {
		return 0, fmt.Errorf("virtio-net: TX payload %d shorter than vnet header", len(payload))
	}
	if n.sink == nil {
		return 0, nil
	}
	if err := n.sink.DeliverGuestFrame(payload[netHeaderSize:]); err != nil {
		// A sink error drops the frame like a congested wire would.
		n.dev.log.Debug("TX frame dropped by sink", "len", len(payload)-netHeaderSize, "error", err)
	}
	return 0, nil
}

// QueueKicked takes over RX kicks: new guest buffers are an opportunity to
// flush the pending frame backlog, not requests to process.
func (n *Net) QueueKicked(d *Device, queue int) bool {
	if queue != netQueueReceive {
		return false
	}
	n.flushRxLocked(d)
	return true
}

// EnqueueRx queues one host-side frame for delivery into guest RX buffers.
// Called from the netstack goroutine.
func (n *Net) EnqueueRx(frame []byte) error {
	if n.dev == nil {
		return fmt.Errorf("virtio-net: backend not bound")
	}
	n.mu.Lock()
	if len(n.pendingRx) >= netMaxPendingRxFrames {
		n.dropped++
		dropped := n.dropped
		n.mu.Unlock()
		if dropped%1024 == 1 {
			n.dev.log.Warn("RX backlog full, dropping frames", "dropped", dropped)
		}
		return nil
	}
	n.pendingRx = append(n.pendingRx, append([]byte(nil), frame...))
	n.mu.Unlock()

	n.dev.DrainQueue(netQueueReceive)
	return nil
}

// flushRxLocked copies pending frames into guest RX chains. Runs with the
// device lock held.
func (n *Net) flushRxLocked(d *Device) {
	q := d.queues[netQueueReceive]
	if q == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	pushed := false
	for len(n.pendingRx) > 0 {
		chain, err := q.PopAvailable()
		if err != nil {
			d.log.Error("RX queue pop failed", "error", err)
			break
		}
		if chain == nil {
			break
		}
		frame := n.pendingRx[0]
		buf := make([]byte, netHeaderSize+len(frame))
		// vnet header: no checksum offload, no GSO, one buffer per frame.
		binary.LittleEndian.PutUint16(buf[10:12], 1)
		copy(buf[netHeaderSize:], frame)
		if uint32(len(buf)) > chain.WritableLength() {
			d.log.Debug("RX chain too small for frame", "frame", len(frame), "capacity", chain.WritableLength())
			if err := q.PushUsed(chain.Head, 0); err != nil {
				d.log.Error("used ring write failed", "error", err)
				break
			}
			pushed = true
			continue
		}
		written, err := chain.WriteBytes(buf)
		if err != nil {
			d.log.Error("RX frame copy failed", "error", err)
			break
		}
		if err := q.PushUsed(chain.Head, written); err != nil {
			d.log.Error("used ring write failed", "error", err)
			break
		}
		n.pendingRx = n.pendingRx[1:]
		pushed = true
	}
	if pushed && q.ShouldNotify() {
		d.raiseVringInterruptLocked(netQueueReceive)
	}
}

// ConfigRead implements ConfigHandler: MAC address plus link status.
func (n *Net) ConfigRead(offset uint64, width int) (uint32, error) {
	return StaticConfig(n.configBytes()).ConfigRead(offset, width)
}

// ConfigWrite implements ConfigHandler.
func (n *Net) ConfigWrite(offset uint64, width int, value uint32) error {
	return StaticConfig(nil).ConfigWrite(offset, width, value)
}

func (n *Net) configBytes() []byte {
	n.mu.Lock()
	linkUp := n.linkUp
	n.mu.Unlock()

	var buf [8]byte
	copy(buf[0:6], n.mac)
	if linkUp {
		binary.LittleEndian.PutUint16(buf[6:8], virtioNetStatusLinkUp)
	}
	return buf[:]
}

var (
	_ Backend       = (*Net)(nil)
	_ ConfigHandler = (*Net)(nil)
)
