//go:build linux

package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vdm/internal/eventfd"
	"github.com/tinyrange/vdm/internal/guestmem"
)

// Virtio device class IDs.
const (
	DeviceIDNet   = 1
	DeviceIDBlock = 2
	DeviceIDVsock = 19
	DeviceIDFs    = 26
)

// DeviceState tracks the device lifecycle beyond the guest-visible status
// register.
type DeviceState int

const (
	StateNew DeviceState = iota
	StateActive
	StateFailed
	StateDisconnected
	StateClosed
)

func (s DeviceState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Backend processes descriptor chains for an in-process dataplane. It is
// invoked on the event loop with the device lock held and must not block.
type Backend interface {
	// HandleChain consumes one chain and returns the number of bytes written
	// into the chain's device-writable buffers.
	HandleChain(queue int, chain *DescriptorChain) (uint32, error)
}

// ConfigHandler serves the device-specific config space at offset 0x100.
// Backends without config space simply do not implement it.
type ConfigHandler interface {
	ConfigRead(offset uint64, width int) (uint32, error)
	ConfigWrite(offset uint64, width int, value uint32) error
}

// QueueKicker lets a backend take over kicks on specific queues. Returning
// false falls through to the generic drain loop.
type QueueKicker interface {
	QueueKicked(d *Device, queue int) bool
}

// Plane binds a device's activated queues to an execution strategy. Activate
// is called once when the driver sets DRIVER_OK; a failed activation is fatal
// to the device.
type Plane interface {
	Activate(d *Device) error
	Shutdown(d *Device) error
}

// DeviceOptions describes a device to construct.
type DeviceOptions struct {
	ID            string
	DeviceID      uint32
	Features      uint64
	QueueMaxSizes []uint16
	Backend       Backend
	Plane         Plane
	Log           *slog.Logger
}

// Device is one emulated virtio-mmio device: register file, live queues, and
// the kick/call eventfd pair per queue. All guest-facing entry points
// serialize on a single lock; the register file itself never blocks.
type Device struct {
	id  string
	log *slog.Logger

	mem guestmem.Memory

	mu      sync.Mutex
	regs    *RegisterFile
	queues  []*Queue
	pairs   []eventfd.Pair
	backend Backend
	plane   Plane
	state   DeviceState
}

// NewDevice builds a device with one eventfd pair per queue. The pairs exist
// for the device's whole lifetime; dataplanes duplicate the fds they hand to
// external backends.
func NewDevice(mem guestmem.Memory, opts DeviceOptions) (*Device, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	d := &Device{
		id:      opts.ID,
		log:     opts.Log.With("device", opts.ID),
		mem:     mem,
		regs:    NewRegisterFile(opts.DeviceID, opts.Features, opts.QueueMaxSizes),
		queues:  make([]*Queue, len(opts.QueueMaxSizes)),
		pairs:   make([]eventfd.Pair, len(opts.QueueMaxSizes)),
		backend: opts.Backend,
		plane:   opts.Plane,
	}
	for i := range d.pairs {
		pair, err := eventfd.NewPair()
		if err != nil {
			for j := 0; j < i; j++ {
				d.pairs[j].Close()
			}
			return nil, fmt.Errorf("virtio: device %s queue %d eventfds: %w", opts.ID, i, err)
		}
		d.pairs[i] = pair
	}
	return d, nil
}

// ID returns the configured device identifier.
func (d *Device) ID() string { return d.id }

// Log returns the device-scoped logger.
func (d *Device) Log() *slog.Logger { return d.log }

// Memory returns the guest memory the device operates on.
func (d *Device) Memory() guestmem.Memory { return d.mem }

// Registers returns the register file. Callers outside the MMIO path must
// hold no assumptions about concurrent guest writes.
func (d *Device) Registers() *RegisterFile { return d.regs }

// Pair returns the kick/call eventfd pair for queue i.
func (d *Device) Pair(i int) eventfd.Pair { return d.pairs[i] }

// LiveQueue returns the activated queue i, or nil.
func (d *Device) LiveQueue(i int) *Queue {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i]
}

// State returns the device lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// MMIORead serves a guest read of the device's MMIO window.
func (d *Device) MMIORead(offset uint64, width int) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= VIRTIO_MMIO_CONFIG {
		return d.configRead(offset-VIRTIO_MMIO_CONFIG, width)
	}
	return d.regs.Read(offset, width)
}

// MMIOWrite serves a guest write of the device's MMIO window and applies the
// resulting side effect.
func (d *Device) MMIOWrite(offset uint64, width int, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if offset >= VIRTIO_MMIO_CONFIG {
		return d.configWrite(offset-VIRTIO_MMIO_CONFIG, width, value)
	}
	effect, err := d.regs.Write(offset, width, value)
	if err != nil {
		return err
	}
	return d.applyEffect(effect)
}

func (d *Device) configRead(offset uint64, width int) (uint32, error) {
	h, ok := d.backend.(ConfigHandler)
	if !ok {
		return 0, nil
	}
	return h.ConfigRead(offset, width)
}

func (d *Device) configWrite(offset uint64, width int, value uint32) error {
	h, ok := d.backend.(ConfigHandler)
	if !ok {
		d.log.Debug("config space write to device without config handler", "offset", offset)
		return nil
	}
	return h.ConfigWrite(offset, width, value)
}

// applyEffect reacts to a register write. Called with the lock held.
func (d *Device) applyEffect(effect DeviceEffect) error {
	switch effect.Kind {
	case EffectQueueActivated:
		return d.activateQueue(effect.Queue)
	case EffectQueueDisabled:
		d.queues[effect.Queue] = nil
		d.log.Info("queue disabled", "queue", effect.Queue)
		return nil
	case EffectQueueNotify:
		// The notify register and an external kick share the same path: the
		// queue's kick eventfd. Whoever owns the fd (reactor, kernel vhost or
		// a vhost-user backend) picks it up from there.
		if err := d.pairs[effect.Queue].Kick.Notify(); err != nil {
			return fmt.Errorf("virtio: device %s kick queue %d: %w", d.id, effect.Queue, err)
		}
		return nil
	case EffectStatusTransition:
		return d.statusChanged()
	case EffectReset:
		return d.resetLocked()
	default:
		return nil
	}
}

// activateQueue latches the guest-programmed geometry into a live queue.
func (d *Device) activateQueue(i int) error {
	qr, err := d.regs.QueueRegs(i)
	if err != nil {
		return err
	}
	d.queues[i] = NewQueue(d.mem, i, qr.Size, qr.DescAddr, qr.AvailAddr, qr.UsedAddr, d.regs.EventIdxEnabled())
	d.log.Info("queue activated", "queue", i, "size", qr.Size,
		"desc", fmt.Sprintf("%#x", qr.DescAddr),
		"avail", fmt.Sprintf("%#x", qr.AvailAddr),
		"used", fmt.Sprintf("%#x", qr.UsedAddr))
	return nil
}

func (d *Device) statusChanged() error {
	if d.regs.Failed() && d.state == StateActive {
		d.state = StateFailed
		d.log.Warn("driver marked device failed")
		return nil
	}
	if !d.regs.DriverOK() || d.state != StateNew {
		return nil
	}
	d.log.Info("driver ok, activating dataplane",
		"features", fmt.Sprintf("%#x", d.regs.NegotiatedFeatures()))
	if err := d.plane.Activate(d); err != nil {
		d.regs.SetFailed()
		d.state = StateFailed
		d.log.Error("dataplane activation failed", "error", err)
		var negErr *NegotiationError
		if errors.As(err, &negErr) {
			return err
		}
		return &NegotiationError{Step: "activate", Err: err}
	}
	d.state = StateActive
	return nil
}

// resetLocked tears the device back to its post-construction state. Queues
// are dropped, in-flight chains are discarded without used entries, and the
// dataplane is shut down.
func (d *Device) resetLocked() error {
	if err := d.plane.Shutdown(d); err != nil {
		d.log.Warn("dataplane shutdown during reset", "error", err)
	}
	for i := range d.queues {
		d.queues[i] = nil
		d.pairs[i].Kick.Clear()
		d.pairs[i].Call.Clear()
	}
	if d.state != StateClosed {
		d.state = StateNew
	}
	d.log.Info("device reset")
	return nil
}

// Reset performs a full device reset, as if the driver wrote status 0.
func (d *Device) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs.reset()
	return d.resetLocked()
}

// DrainQueue pops every available chain on queue i, hands each to the
// backend, publishes used entries and signals the guest if wanted. Malformed
// chains are logged and skipped; the queue stays live.
func (d *Device) DrainQueue(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.queues) {
		return
	}
	d.drainQueueLocked(i)
}

func (d *Device) drainQueueLocked(i int) {
	q := d.queues[i]
	if q == nil {
		d.log.Debug("kick for inactive queue", "queue", i)
		return
	}
	if kicker, ok := d.backend.(QueueKicker); ok && kicker.QueueKicked(d, i) {
		return
	}
	pushed := false
	for {
		chain, err := q.PopAvailable()
		if err != nil {
			if errors.Is(err, ErrRingBroken) {
				// No slot was consumed; retrying would spin on the reactor
				// thread forever. Stop the queue and tell the driver.
				d.log.Error("stopping queue on unrecoverable ring state", "queue", i, "error", err)
				d.queues[i] = nil
				d.regs.SetNeedsReset()
				d.regs.BumpConfigGeneration()
				break
			}
			var chainErr *ChainError
			if errors.As(err, &chainErr) {
				d.log.Error("dropping malformed chain", "queue", i, "error", err)
				continue
			}
			d.log.Error("queue pop failed", "queue", i, "error", err)
			break
		}
		if chain == nil {
			break
		}
		written, err := d.backend.HandleChain(i, chain)
		if err != nil {
			d.log.Error("backend rejected chain", "queue", i, "head", chain.Head, "error", err)
		}
		if err := q.PushUsed(chain.Head, written); err != nil {
			d.log.Error("used ring write failed", "queue", i, "error", err)
			break
		}
		pushed = true
	}
	if pushed && q.ShouldNotify() {
		d.raiseVringInterruptLocked(i)
	}
}

// RaiseVringInterrupt signals a used-buffer notification for queue i.
func (d *Device) RaiseVringInterrupt(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.raiseVringInterruptLocked(i)
}

func (d *Device) raiseVringInterruptLocked(i int) {
	d.regs.RaiseInterrupt(VIRTIO_MMIO_INT_VRING)
	if err := d.pairs[i].Call.Notify(); err != nil {
		d.log.Error("call eventfd notify failed", "queue", i, "error", err)
	}
}

// RaiseConfigInterrupt signals a config-change notification, bumping the
// generation counter so the guest re-reads config space.
func (d *Device) RaiseConfigInterrupt() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs.BumpConfigGeneration()
	for i := range d.pairs {
		if err := d.pairs[i].Call.Notify(); err != nil {
			d.log.Error("call eventfd notify failed", "queue", i, "error", err)
		}
		break
	}
}

// MarkDisconnected records the loss of an external backend. The guest sees
// NEEDS_RESET and a config interrupt; queue state is preserved for debugging
// but no further chains are processed.
func (d *Device) MarkDisconnected(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateClosed || d.state == StateDisconnected {
		return
	}
	d.state = StateDisconnected
	d.regs.SetNeedsReset()
	d.regs.BumpConfigGeneration()
	d.log.Warn("backend disconnected", "error", cause)
}

// Close shuts down the dataplane and releases the eventfd pairs.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StateClosed {
		return nil
	}
	d.state = StateClosed
	err := d.plane.Shutdown(d)
	for i := range d.pairs {
		if cerr := d.pairs[i].Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// StaticConfig is a ConfigHandler over a fixed little-endian byte image.
// Writes are ignored; devices with writable config fields implement
// ConfigHandler themselves.
type StaticConfig []byte

func (c StaticConfig) ConfigRead(offset uint64, width int) (uint32, error) {
	if width != 1 && width != 2 && width != 4 {
		return 0, fmt.Errorf("%w: config width %d", ErrBadAccess, width)
	}
	if offset+uint64(width) > uint64(len(c)) {
		return 0, nil
	}
	switch width {
	case 1:
		return uint32(c[offset]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(c[offset:])), nil
	default:
		return binary.LittleEndian.Uint32(c[offset:]), nil
	}
}

func (c StaticConfig) ConfigWrite(offset uint64, width int, value uint32) error {
	slog.Debug("write to read-only config space ignored", "offset", offset)
	return nil
}
