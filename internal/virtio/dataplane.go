//go:build linux

package virtio

import (
	"fmt"

	"github.com/tinyrange/vdm/internal/guestmem"
	"github.com/tinyrange/vdm/internal/reactor"
	"github.com/tinyrange/vdm/internal/vhost"
	"github.com/tinyrange/vdm/internal/vhostuser"
)

// The three dataplanes share one contract: Activate runs on the MMIO path
// with the device lock held (plane code touches device fields directly and
// must not call locking Device methods), and a failed activation is fatal to
// the device. There is no fallback from one mode to another.

// NativePlane executes queues in-process: every kick eventfd is registered
// with the reactor and chains are handed to the device's Backend.
type NativePlane struct {
	Reactor *reactor.Reactor

	registered []int
}

// Activate registers the kick fd of every activated queue.
func (p *NativePlane) Activate(d *Device) error {
	for i := range d.queues {
		if d.queues[i] == nil {
			continue
		}
		queue := i
		pair := d.pairs[i]
		err := p.Reactor.Register(pair.Kick.Fd(), func() {
			if _, err := pair.Kick.Read(); err != nil {
				d.log.Error("kick eventfd read failed", "queue", queue, "error", err)
				return
			}
			d.DrainQueue(queue)
		})
		if err != nil {
			return fmt.Errorf("virtio: register kick for queue %d: %w", i, err)
		}
		p.registered = append(p.registered, pair.Kick.Fd())
	}
	return nil
}

// Shutdown deregisters the kick fds. Pending chains stay on the rings.
func (p *NativePlane) Shutdown(d *Device) error {
	var first error
	for _, fd := range p.registered {
		if err := p.Reactor.Deregister(fd); err != nil && first == nil {
			first = err
		}
	}
	p.registered = nil
	return first
}

// VhostPlane hands activated queues to a kernel vhost device. After
// activation the kernel owns the rings; the device model keeps only the
// control fd.
type VhostPlane struct {
	Path    string
	Regions []*guestmem.Region

	// Configure runs after the rings are programmed, for the device-type
	// specific tail (tap attach, vsock CID and running state).
	Configure func(v *vhost.Device, d *Device) error

	dev *vhost.Device
}

func (p *VhostPlane) Activate(d *Device) error {
	v, err := vhost.Open(p.Path)
	if err != nil {
		return &NegotiationError{Step: "open", Err: err}
	}
	backendFeatures, err := v.Features()
	if err != nil {
		v.Close()
		return &NegotiationError{Step: "GET_FEATURES", Err: err}
	}
	negotiated := d.regs.NegotiatedFeatures()
	if missing := negotiated &^ backendFeatures; missing != 0 {
		v.Close()
		return &NegotiationError{Step: "features", Err: fmt.Errorf("backend lacks negotiated features %#x", missing)}
	}
	if err := v.SetFeatures(negotiated); err != nil {
		v.Close()
		return &NegotiationError{Step: "SET_FEATURES", Err: err}
	}
	if err := v.SetMemTable(p.Regions); err != nil {
		v.Close()
		return &NegotiationError{Step: "SET_MEM_TABLE", Err: err}
	}
	for i, q := range d.queues {
		if q == nil {
			continue
		}
		ring := vhost.Ring{
			Size:      q.size,
			DescAddr:  q.descAddr,
			AvailAddr: q.availAddr,
			UsedAddr:  q.usedAddr,
		}
		if err := v.SetupRing(i, ring, d.pairs[i]); err != nil {
			v.Close()
			return &NegotiationError{Step: "vring setup", Err: err}
		}
	}
	if p.Configure != nil {
		if err := p.Configure(v, d); err != nil {
			v.Close()
			return &NegotiationError{Step: "configure", Err: err}
		}
	}
	p.dev = v
	return nil
}

// Shutdown captures ring state from the kernel and releases the device.
func (p *VhostPlane) Shutdown(d *Device) error {
	if p.dev == nil {
		return nil
	}
	for i, q := range d.queues {
		if q == nil {
			continue
		}
		base, err := p.dev.RingBase(i)
		if err != nil {
			d.log.Warn("vhost ring state retrieval failed", "queue", i, "error", err)
			continue
		}
		d.log.Info("vhost ring stopped", "queue", i, "availBase", base)
	}
	err := p.dev.Close()
	p.dev = nil
	return err
}

// VhostUserPlane hands activated queues to an external backend process over
// a vhost-user control socket. The negotiation fails closed: any rejected or
// timed-out step leaves the device failed with nothing half-armed.
type VhostUserPlane struct {
	SocketPath string
	Regions    []*guestmem.Region

	// Reactor, when set, watches the control socket so a backend crash is
	// surfaced as a disconnect instead of a timeout on the next request.
	Reactor *reactor.Reactor

	session   *vhostuser.Session
	sessionFd int
	protocol  uint64
}

// Session returns the live control session, for devices that proxy config
// space reads to the backend. Nil before activation.
func (p *VhostUserPlane) Session() *vhostuser.Session { return p.session }

// ProtocolFeatures returns the negotiated protocol feature bits.
func (p *VhostUserPlane) ProtocolFeatures() uint64 { return p.protocol }

func (p *VhostUserPlane) Activate(d *Device) error {
	s, err := vhostuser.Dial(p.SocketPath, d.log)
	if err != nil {
		return &NegotiationError{Step: "dial", Err: err}
	}
	if err := p.negotiate(s, d); err != nil {
		s.Close()
		return err
	}
	p.session = s
	if p.Reactor != nil {
		if err := p.watchDisconnect(d); err != nil {
			d.log.Warn("disconnect watch unavailable", "error", err)
		}
	}
	return nil
}

func (p *VhostUserPlane) negotiate(s *vhostuser.Session, d *Device) error {
	backendFeatures, err := s.GetFeatures()
	if err != nil {
		return &NegotiationError{Step: "GET_FEATURES", Err: err}
	}
	negotiated := d.regs.NegotiatedFeatures()
	if missing := negotiated &^ backendFeatures; missing != 0 {
		return &NegotiationError{Step: "features", Err: fmt.Errorf("backend lacks negotiated features %#x", missing)}
	}

	if backendFeatures&(1<<vhostuser.VHOST_USER_F_PROTOCOL_FEATURES) != 0 {
		offered, err := s.GetProtocolFeatures()
		if err != nil {
			return &NegotiationError{Step: "GET_PROTOCOL_FEATURES", Err: err}
		}
		want := uint64(1<<vhostuser.ProtocolFeatureMQ |
			1<<vhostuser.ProtocolFeatureReplyAck |
			1<<vhostuser.ProtocolFeatureConfig)
		p.protocol = offered & want
		if err := s.SetProtocolFeatures(p.protocol); err != nil {
			return &NegotiationError{Step: "SET_PROTOCOL_FEATURES", Err: err}
		}
		if p.protocol&(1<<vhostuser.ProtocolFeatureReplyAck) != 0 {
			s.EnableReplyAck()
		}
		negotiated |= 1 << vhostuser.VHOST_USER_F_PROTOCOL_FEATURES
	}

	if err := s.SetOwner(); err != nil {
		return &NegotiationError{Step: "SET_OWNER", Err: err}
	}
	if err := s.SetFeatures(negotiated); err != nil {
		return &NegotiationError{Step: "SET_FEATURES", Err: err}
	}
	if err := s.SetMemTable(p.Regions); err != nil {
		return &NegotiationError{Step: "SET_MEM_TABLE", Err: err}
	}
	for i, q := range d.queues {
		if q == nil {
			continue
		}
		if err := s.SetVringNum(i, q.size); err != nil {
			return &NegotiationError{Step: "SET_VRING_NUM", Err: err}
		}
		if err := s.SetVringBase(i, 0); err != nil {
			return &NegotiationError{Step: "SET_VRING_BASE", Err: err}
		}
		if err := s.SetVringAddr(i, q.descAddr, q.usedAddr, q.availAddr); err != nil {
			return &NegotiationError{Step: "SET_VRING_ADDR", Err: err}
		}
		if err := s.SetVringCall(i, d.pairs[i].Call.Fd()); err != nil {
			return &NegotiationError{Step: "SET_VRING_CALL", Err: err}
		}
		if err := s.SetVringKick(i, d.pairs[i].Kick.Fd()); err != nil {
			return &NegotiationError{Step: "SET_VRING_KICK", Err: err}
		}
		if p.protocol&(1<<vhostuser.ProtocolFeatureMQ) != 0 {
			if err := s.SetVringEnable(i, true); err != nil {
				return &NegotiationError{Step: "SET_VRING_ENABLE", Err: err}
			}
		}
	}
	return nil
}

func (p *VhostUserPlane) watchDisconnect(d *Device) error {
	fd, err := p.session.Fd()
	if err != nil {
		return err
	}
	p.sessionFd = fd
	return p.Reactor.Register(fd, func() {
		// Readability on the control socket outside a request/reply exchange
		// means the backend closed or broke the connection.
		p.Reactor.Deregister(fd)
		d.MarkDisconnected(fmt.Errorf("vhost-user control socket closed by backend"))
	})
}

// Shutdown retrieves ring state from the backend and closes the session.
func (p *VhostUserPlane) Shutdown(d *Device) error {
	if p.session == nil {
		return nil
	}
	if p.Reactor != nil && p.sessionFd != 0 {
		p.Reactor.Deregister(p.sessionFd)
		p.sessionFd = 0
	}
	for i, q := range d.queues {
		if q == nil {
			continue
		}
		base, err := p.session.GetVringBase(i)
		if err != nil {
			d.log.Warn("vhost-user ring state retrieval failed", "queue", i, "error", err)
			continue
		}
		d.log.Info("vhost-user ring stopped", "queue", i, "availBase", base)
	}
	err := p.session.Close()
	p.session = nil
	return err
}
