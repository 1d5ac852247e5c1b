//go:build linux

package main

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/tinyrange/vdm/internal/config"
	"github.com/tinyrange/vdm/internal/guestmem"
	"github.com/tinyrange/vdm/internal/netstack"
	"github.com/tinyrange/vdm/internal/reactor"
	"github.com/tinyrange/vdm/internal/vhost"
	"github.com/tinyrange/vdm/internal/virtio"
)

// machine is the assembled device model: guest memory, the MMIO bus, and
// everything that needs closing at shutdown.
type machine struct {
	regions *guestmem.Regions
	bus     *virtio.Bus
	devices []*virtio.Device
	stack   *netstack.Stack
	closers []func() error
}

func (m *machine) Close() error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	if m.stack != nil {
		if err := m.stack.Close(); err != nil && first == nil {
			first = err
		}
	}
	if err := m.regions.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

func build(cfg *config.Config, r *reactor.Reactor) (*machine, error) {
	regions, err := buildMemory(cfg.Memory)
	if err != nil {
		return nil, err
	}
	m := &machine{regions: regions, bus: &virtio.Bus{}}

	for i := range cfg.Devices {
		dev, err := m.buildDevice(&cfg.Devices[i], r)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("device %q: %w", cfg.Devices[i].ID, err)
		}
		if err := m.bus.Add(cfg.Devices[i].MMIOBase, cfg.Devices[i].MMIOSize, dev); err != nil {
			dev.Close()
			m.Close()
			return nil, err
		}
		m.devices = append(m.devices, dev)
	}
	return m, nil
}

func buildMemory(mem config.Memory) (*guestmem.Regions, error) {
	if mem.Path == "" {
		return guestmem.New(guestmem.NewBytesRegion(mem.Base, mem.Size))
	}
	region, err := guestmem.MapFileRegion(mem.Path, mem.Base, mem.Size, 0)
	if err != nil {
		return nil, err
	}
	return guestmem.New(region)
}

func (m *machine) buildDevice(dc *config.Device, r *reactor.Reactor) (*virtio.Device, error) {
	switch dc.Type {
	case config.DeviceBlock:
		return m.buildBlock(dc, r)
	case config.DeviceNet:
		return m.buildNet(dc, r)
	case config.DeviceFs:
		return m.buildFs(dc, r)
	case config.DeviceVsock:
		return m.buildVsock(dc, r)
	default:
		return nil, fmt.Errorf("unknown device type %q", dc.Type)
	}
}

func (m *machine) buildBlock(dc *config.Device, r *reactor.Reactor) (*virtio.Device, error) {
	blk, err := virtio.OpenBlk(dc.Image, dc.ReadOnly, dc.ID)
	if err != nil {
		return nil, err
	}
	m.closers = append(m.closers, blk.Close)
	return virtio.NewDevice(m.regions, virtio.DeviceOptions{
		ID:            dc.ID,
		DeviceID:      virtio.DeviceIDBlock,
		Features:      blk.Features(),
		QueueMaxSizes: blk.QueueMaxSizes(),
		Backend:       blk,
		Plane:         &virtio.NativePlane{Reactor: r},
	})
}

func (m *machine) buildNet(dc *config.Device, r *reactor.Reactor) (*virtio.Device, error) {
	mac, err := netMAC(dc.MAC)
	if err != nil {
		return nil, err
	}
	switch dc.Dataplane {
	case config.DataplaneVirtio:
		if m.stack == nil {
			stack, err := netstack.New(netstack.Options{Log: slog.Default()})
			if err != nil {
				return nil, err
			}
			m.stack = stack
		} else {
			return nil, fmt.Errorf("only one virtio-native net device is supported")
		}
		backend, err := virtio.NewNet(mac, m.stack)
		if err != nil {
			return nil, err
		}
		dev, err := virtio.NewDevice(m.regions, virtio.DeviceOptions{
			ID:            dc.ID,
			DeviceID:      virtio.DeviceIDNet,
			Features:      backend.Features(),
			QueueMaxSizes: backend.QueueMaxSizes(),
			Backend:       backend,
			Plane:         &virtio.NativePlane{Reactor: r},
		})
		if err != nil {
			return nil, err
		}
		backend.Bind(dev)
		m.stack.SetOutput(backend.EnqueueRx)
		return dev, nil

	case config.DataplaneVhost:
		backend, err := virtio.NewNet(mac, nil)
		if err != nil {
			return nil, err
		}
		tapName := dc.Tap
		plane := &virtio.VhostPlane{
			Path:    dc.VhostDevice,
			Regions: m.regions.List(),
			Configure: func(v *vhost.Device, d *virtio.Device) error {
				tap, err := vhost.OpenTap(tapName)
				if err != nil {
					return err
				}
				for queue := 0; queue < 2; queue++ {
					if err := v.NetSetBackend(queue, int(tap.Fd())); err != nil {
						tap.Close()
						return err
					}
				}
				// The kernel holds its own reference once attached.
				return tap.Close()
			},
		}
		dev, err := virtio.NewDevice(m.regions, virtio.DeviceOptions{
			ID:            dc.ID,
			DeviceID:      virtio.DeviceIDNet,
			Features:      backend.Features(),
			QueueMaxSizes: backend.QueueMaxSizes(),
			Backend:       backend,
			Plane:         plane,
		})
		if err != nil {
			return nil, err
		}
		backend.Bind(dev)
		return dev, nil

	default:
		return nil, fmt.Errorf("net does not support dataplane %q", dc.Dataplane)
	}
}

func (m *machine) buildFs(dc *config.Device, r *reactor.Reactor) (*virtio.Device, error) {
	plane := &virtio.VhostUserPlane{
		SocketPath: dc.Socket,
		Regions:    m.regions.List(),
		Reactor:    r,
	}
	backend, err := virtio.NewFs(dc.Tag, plane)
	if err != nil {
		return nil, err
	}
	return virtio.NewDevice(m.regions, virtio.DeviceOptions{
		ID:            dc.ID,
		DeviceID:      virtio.DeviceIDFs,
		Features:      backend.Features(),
		QueueMaxSizes: backend.QueueMaxSizes(),
		Backend:       backend,
		Plane:         plane,
	})
}

func (m *machine) buildVsock(dc *config.Device, r *reactor.Reactor) (*virtio.Device, error) {
	backend, err := virtio.NewVsock(dc.GuestCID)
	if err != nil {
		return nil, err
	}
	var plane virtio.Plane
	switch dc.Dataplane {
	case config.DataplaneVhost:
		plane = &virtio.VhostPlane{
			Path:      dc.VhostDevice,
			Regions:   m.regions.List(),
			Configure: backend.ConfigureVhost,
		}
	case config.DataplaneVhostUser:
		plane = &virtio.VhostUserPlane{
			SocketPath: dc.Socket,
			Regions:    m.regions.List(),
			Reactor:    r,
		}
	default:
		return nil, fmt.Errorf("vsock does not support dataplane %q", dc.Dataplane)
	}
	return virtio.NewDevice(m.regions, virtio.DeviceOptions{
		ID:            dc.ID,
		DeviceID:      virtio.DeviceIDVsock,
		Features:      backend.Features(),
		QueueMaxSizes: backend.QueueMaxSizes(),
		Backend:       backend,
		Plane:         plane,
	})
}

func netMAC(s string) (net.HardwareAddr, error) {
	if s == "" {
		return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}, nil
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return nil, err
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("mac %q is not 6 bytes", s)
	}
	return mac, nil
}
