package virtio

import (
	"fmt"
	"log/slog"
)

// virtio-mmio v2 register map. Offsets are fixed by the standard so that
// unmodified guest drivers work unchanged.
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100

	virtioMagic = 0x74726976 // "virt"
	VendorID    = 0x554d4551 // "QEMU"
	mmioVersion = 2
)

// Device status bits.
const (
	STATUS_ACKNOWLEDGE = 1
	STATUS_DRIVER      = 2
	STATUS_DRIVER_OK   = 4
	STATUS_FEATURES_OK = 8
	STATUS_NEEDS_RESET = 0x40
	STATUS_FAILED      = 0x80
)

// Interrupt status bits.
const (
	VIRTIO_MMIO_INT_VRING  = 0x1 // used buffer notification
	VIRTIO_MMIO_INT_CONFIG = 0x2 // configuration change notification
)

// Transport-level feature bits.
const (
	VIRTIO_F_EVENT_IDX = 29
	VIRTIO_F_VERSION_1 = 32
)

// EffectKind classifies the side effect of a register write. Side effects are
// pure data transitions; the caller reacts to the effect, keeping the
// register file itself free of blocking calls.
type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectQueueSelected
	EffectQueueActivated
	EffectQueueDisabled
	EffectFeatureWindowChanged
	EffectStatusTransition
	EffectInterruptAcked
	EffectQueueNotify
	EffectReset
)

// DeviceEffect is what a register write asks the caller to do. Queue is the
// affected queue index for queue-scoped effects.
type DeviceEffect struct {
	Kind  EffectKind
	Queue int
}

// QueueRegs is the guest-programmed geometry of one queue. Geometry registers
// are only honored while the queue is not yet ready; late writes are ignored
// and logged (see Write).
type QueueRegs struct {
	Size      uint16
	MaxSize   uint16
	Ready     bool
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
}

func (q *QueueRegs) reset() {
	maxSize := q.MaxSize
	*q = QueueRegs{MaxSize: maxSize}
}

// RegisterFile is the emulated memory-mapped configuration space of one
// device: pure state plus a side-effect table, no I/O.
type RegisterFile struct {
	deviceID uint32

	deviceFeatures [2]uint32
	driverFeatures [2]uint32

	deviceFeatureSel uint32
	driverFeatureSel uint32

	queueSel   uint32
	status     uint32
	intrStatus uint32
	configGen  uint32

	queues []QueueRegs
}

// NewRegisterFile builds the register file for a device advertising the given
// 64-bit feature set and per-queue maximum sizes.
func NewRegisterFile(deviceID uint32, features uint64, queueMaxSizes []uint16) *RegisterFile {
	r := &RegisterFile{
		deviceID: deviceID,
		queues:   make([]QueueRegs, len(queueMaxSizes)),
	}
	r.deviceFeatures[0] = uint32(features)
	r.deviceFeatures[1] = uint32(features >> 32)
	for i, m := range queueMaxSizes {
		r.queues[i].MaxSize = m
	}
	return r
}

// Read returns the value of the register at offset. Register accesses must be
// 32-bit and naturally aligned; anything else is a fault, not a truncation.
func (r *RegisterFile) Read(offset uint64, width int) (uint32, error) {
	if err := checkAccess(offset, width); err != nil {
		return 0, err
	}
	switch offset {
	case VIRTIO_MMIO_MAGIC_VALUE:
		return virtioMagic, nil
	case VIRTIO_MMIO_VERSION:
		return mmioVersion, nil
	case VIRTIO_MMIO_DEVICE_ID:
		return r.deviceID, nil
	case VIRTIO_MMIO_VENDOR_ID:
		return VendorID, nil
	case VIRTIO_MMIO_DEVICE_FEATURES:
		if r.deviceFeatureSel < uint32(len(r.deviceFeatures)) {
			return r.deviceFeatures[r.deviceFeatureSel], nil
		}
		return 0, nil
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		return r.deviceFeatureSel, nil
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if r.driverFeatureSel < uint32(len(r.driverFeatures)) {
			return r.driverFeatures[r.driverFeatureSel], nil
		}
		return 0, nil
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		return r.driverFeatureSel, nil
	case VIRTIO_MMIO_QUEUE_SEL:
		return r.queueSel, nil
	case VIRTIO_MMIO_QUEUE_NUM_MAX:
		if q := r.selectedQueue(); q != nil {
			return uint32(q.MaxSize), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_NUM:
		if q := r.selectedQueue(); q != nil {
			return uint32(q.Size), nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_READY:
		if q := r.selectedQueue(); q != nil && q.Ready {
			return 1, nil
		}
		return 0, nil
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		return r.queueAddrWord(func(q *QueueRegs) uint64 { return q.DescAddr }, false), nil
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		return r.queueAddrWord(func(q *QueueRegs) uint64 { return q.DescAddr }, true), nil
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		return r.queueAddrWord(func(q *QueueRegs) uint64 { return q.AvailAddr }, false), nil
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		return r.queueAddrWord(func(q *QueueRegs) uint64 { return q.AvailAddr }, true), nil
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		return r.queueAddrWord(func(q *QueueRegs) uint64 { return q.UsedAddr }, false), nil
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		return r.queueAddrWord(func(q *QueueRegs) uint64 { return q.UsedAddr }, true), nil
	case VIRTIO_MMIO_INTERRUPT_STATUS:
		return r.intrStatus, nil
	case VIRTIO_MMIO_STATUS:
		return r.status, nil
	case VIRTIO_MMIO_CONFIG_GENERATION:
		return r.configGen, nil
	default:
		return 0, nil
	}
}

// Write applies a register write and returns the side effect the caller must
// react to. The register file never blocks and never performs I/O.
func (r *RegisterFile) Write(offset uint64, width int, value uint32) (DeviceEffect, error) {
	if err := checkAccess(offset, width); err != nil {
		return DeviceEffect{}, err
	}
	none := DeviceEffect{Kind: EffectNone}
	switch offset {
	case VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		r.deviceFeatureSel = value
		return DeviceEffect{Kind: EffectFeatureWindowChanged}, nil
	case VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		r.driverFeatureSel = value
		return DeviceEffect{Kind: EffectFeatureWindowChanged}, nil
	case VIRTIO_MMIO_DRIVER_FEATURES:
		if r.driverFeatureSel >= uint32(len(r.driverFeatures)) {
			// Window the guest does not own: the write is ignored.
			slog.Debug("virtio-mmio: driver features write to unowned window", "sel", r.driverFeatureSel)
			return none, nil
		}
		r.driverFeatures[r.driverFeatureSel] = value
		return DeviceEffect{Kind: EffectFeatureWindowChanged}, nil
	case VIRTIO_MMIO_QUEUE_SEL:
		r.queueSel = value
		return DeviceEffect{Kind: EffectQueueSelected, Queue: int(value)}, nil
	case VIRTIO_MMIO_QUEUE_NUM:
		q := r.selectedQueue()
		if q == nil {
			return none, nil
		}
		if q.Ready {
			slog.Warn("virtio-mmio: queue size write after ready, ignored", "queue", r.queueSel, "size", value)
			return none, nil
		}
		if value > uint32(q.MaxSize) || (value != 0 && value&(value-1) != 0) {
			slog.Error("virtio-mmio: invalid queue size", "queue", r.queueSel, "size", value, "max", q.MaxSize)
			return none, nil
		}
		q.Size = uint16(value)
		return none, nil
	case VIRTIO_MMIO_QUEUE_READY:
		q := r.selectedQueue()
		if q == nil {
			return none, nil
		}
		if value&0x1 == 0 {
			if !q.Ready {
				return none, nil
			}
			q.reset()
			return DeviceEffect{Kind: EffectQueueDisabled, Queue: int(r.queueSel)}, nil
		}
		if q.Ready {
			return none, nil
		}
		if q.Size == 0 || q.DescAddr == 0 || q.AvailAddr == 0 || q.UsedAddr == 0 {
			slog.Error("virtio-mmio: queue ready before geometry programmed", "queue", r.queueSel)
			return none, fmt.Errorf("virtio: queue %d ready before size and ring addresses set", r.queueSel)
		}
		q.Ready = true
		return DeviceEffect{Kind: EffectQueueActivated, Queue: int(r.queueSel)}, nil
	case VIRTIO_MMIO_QUEUE_DESC_LOW:
		r.setQueueAddr(func(q *QueueRegs) *uint64 { return &q.DescAddr }, value, false)
		return none, nil
	case VIRTIO_MMIO_QUEUE_DESC_HIGH:
		r.setQueueAddr(func(q *QueueRegs) *uint64 { return &q.DescAddr }, value, true)
		return none, nil
	case VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		r.setQueueAddr(func(q *QueueRegs) *uint64 { return &q.AvailAddr }, value, false)
		return none, nil
	case VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		r.setQueueAddr(func(q *QueueRegs) *uint64 { return &q.AvailAddr }, value, true)
		return none, nil
	case VIRTIO_MMIO_QUEUE_USED_LOW:
		r.setQueueAddr(func(q *QueueRegs) *uint64 { return &q.UsedAddr }, value, false)
		return none, nil
	case VIRTIO_MMIO_QUEUE_USED_HIGH:
		r.setQueueAddr(func(q *QueueRegs) *uint64 { return &q.UsedAddr }, value, true)
		return none, nil
	case VIRTIO_MMIO_QUEUE_NOTIFY:
		if value >= uint32(len(r.queues)) {
			slog.Warn("virtio-mmio: notify for nonexistent queue", "queue", value)
			return none, nil
		}
		return DeviceEffect{Kind: EffectQueueNotify, Queue: int(value)}, nil
	case VIRTIO_MMIO_INTERRUPT_ACK:
		r.intrStatus &^= value
		return DeviceEffect{Kind: EffectInterruptAcked}, nil
	case VIRTIO_MMIO_STATUS:
		return r.writeStatus(value)
	default:
		slog.Debug("virtio-mmio: write to unknown register", "offset", fmt.Sprintf("%#x", offset), "value", value)
		return none, nil
	}
}

// writeStatus enforces the driver initialization sequence
// RESET -> ACKNOWLEDGE -> DRIVER -> FEATURES_OK -> DRIVER_OK, with FAILED as
// the error escape. Queues may only be activated once the gate has been
// passed.
func (r *RegisterFile) writeStatus(value uint32) (DeviceEffect, error) {
	if value == 0 {
		r.reset()
		return DeviceEffect{Kind: EffectReset}, nil
	}
	if value&STATUS_FAILED != 0 {
		r.status = value
		return DeviceEffect{Kind: EffectStatusTransition}, nil
	}

	newBits := value &^ r.status
	if newBits&STATUS_DRIVER != 0 && value&STATUS_ACKNOWLEDGE == 0 {
		return r.failStatus("DRIVER before ACKNOWLEDGE")
	}
	if newBits&STATUS_FEATURES_OK != 0 {
		if value&STATUS_DRIVER == 0 {
			return r.failStatus("FEATURES_OK before DRIVER")
		}
		if !r.featuresAcceptable() {
			// Leave FEATURES_OK unset; the driver re-reads status and sees
			// the negotiation was refused.
			slog.Warn("virtio-mmio: driver requested unsupported features",
				"driver", fmt.Sprintf("%#x", r.DriverFeatures()),
				"device", fmt.Sprintf("%#x", r.DeviceFeatures()))
			r.status = value &^ STATUS_FEATURES_OK
			return DeviceEffect{Kind: EffectStatusTransition}, nil
		}
	}
	if newBits&STATUS_DRIVER_OK != 0 && r.status&STATUS_FEATURES_OK == 0 {
		return r.failStatus("DRIVER_OK before FEATURES_OK")
	}
	r.status = value
	return DeviceEffect{Kind: EffectStatusTransition}, nil
}

func (r *RegisterFile) failStatus(reason string) (DeviceEffect, error) {
	slog.Error("virtio-mmio: bad status sequence", "reason", reason)
	r.status |= STATUS_FAILED
	return DeviceEffect{Kind: EffectStatusTransition}, nil
}

// featuresAcceptable checks that the driver selection is a subset of what the
// device advertised and that the modern interface was accepted.
func (r *RegisterFile) featuresAcceptable() bool {
	driver := r.DriverFeatures()
	device := r.DeviceFeatures()
	if driver&^device != 0 {
		return false
	}
	return driver&(1<<VIRTIO_F_VERSION_1) != 0
}

func (r *RegisterFile) reset() {
	r.deviceFeatureSel = 0
	r.driverFeatureSel = 0
	r.driverFeatures = [2]uint32{}
	r.queueSel = 0
	r.status = 0
	r.intrStatus = 0
	r.configGen = 0
	for i := range r.queues {
		r.queues[i].reset()
	}
}

func (r *RegisterFile) selectedQueue() *QueueRegs {
	if int(r.queueSel) >= len(r.queues) {
		return nil
	}
	return &r.queues[r.queueSel]
}

func (r *RegisterFile) queueAddrWord(get func(*QueueRegs) uint64, high bool) uint32 {
	q := r.selectedQueue()
	if q == nil {
		return 0
	}
	v := get(q)
	if high {
		return uint32(v >> 32)
	}
	return uint32(v)
}

func (r *RegisterFile) setQueueAddr(get func(*QueueRegs) *uint64, value uint32, high bool) {
	q := r.selectedQueue()
	if q == nil {
		return
	}
	if q.Ready {
		// Geometry is latched at activation. Late writes are ignored so a
		// confused driver cannot move the rings under a live queue.
		slog.Warn("virtio-mmio: ring address write after queue ready, ignored", "queue", r.queueSel)
		return
	}
	p := get(q)
	if high {
		*p = (*p &^ (uint64(0xffffffff) << 32)) | (uint64(value) << 32)
	} else {
		*p = (*p &^ 0xffffffff) | uint64(value)
	}
}

// Status returns the raw device-status byte.
func (r *RegisterFile) Status() uint32 { return r.status }

// DriverOK reports whether the driver completed initialization.
func (r *RegisterFile) DriverOK() bool { return r.status&STATUS_DRIVER_OK != 0 }

// Failed reports whether the device is in the FAILED state.
func (r *RegisterFile) Failed() bool { return r.status&STATUS_FAILED != 0 }

// SetFailed forces the FAILED status bit, for activation errors discovered
// outside the register file (for example a rejected vhost-user negotiation).
func (r *RegisterFile) SetFailed() { r.status |= STATUS_FAILED }

// SetNeedsReset marks the device as requiring a driver reset, used when a
// backend disappears under a live device.
func (r *RegisterFile) SetNeedsReset() { r.status |= STATUS_NEEDS_RESET }

// DeviceFeatures returns the advertised 64-bit feature set.
func (r *RegisterFile) DeviceFeatures() uint64 {
	return uint64(r.deviceFeatures[0]) | uint64(r.deviceFeatures[1])<<32
}

// DriverFeatures returns the feature set written by the driver.
func (r *RegisterFile) DriverFeatures() uint64 {
	return uint64(r.driverFeatures[0]) | uint64(r.driverFeatures[1])<<32
}

// NegotiatedFeatures returns the intersection of advertised and requested
// features: always a subset of both, monotonically narrowing.
func (r *RegisterFile) NegotiatedFeatures() uint64 {
	return r.DeviceFeatures() & r.DriverFeatures()
}

// EventIdxEnabled reports whether notification suppression via EVENT_IDX was
// negotiated.
func (r *RegisterFile) EventIdxEnabled() bool {
	return r.NegotiatedFeatures()&(1<<VIRTIO_F_EVENT_IDX) != 0
}

// RaiseInterrupt sets interrupt-status bits. The caller signals the guest.
func (r *RegisterFile) RaiseInterrupt(bit uint32) {
	r.intrStatus |= bit
}

// InterruptStatus returns the pending interrupt bits.
func (r *RegisterFile) InterruptStatus() uint32 { return r.intrStatus }

// BumpConfigGeneration records a device config space change.
func (r *RegisterFile) BumpConfigGeneration() {
	r.configGen++
	r.RaiseInterrupt(VIRTIO_MMIO_INT_CONFIG)
}

// QueueRegs returns a copy of the geometry registers for queue i.
func (r *RegisterFile) QueueRegs(i int) (QueueRegs, error) {
	if i < 0 || i >= len(r.queues) {
		return QueueRegs{}, fmt.Errorf("virtio: queue index %d out of range", i)
	}
	return r.queues[i], nil
}

// NumQueues returns the number of queues the register file exposes.
func (r *RegisterFile) NumQueues() int { return len(r.queues) }

func checkAccess(offset uint64, width int) error {
	if width != 4 {
		return fmt.Errorf("%w: width %d at offset %#x", ErrBadAccess, width, offset)
	}
	if offset%4 != 0 {
		return fmt.Errorf("%w: unaligned offset %#x", ErrBadAccess, offset)
	}
	if offset >= VIRTIO_MMIO_CONFIG {
		return fmt.Errorf("%w: offset %#x is device config space", ErrBadAccess, offset)
	}
	return nil
}
