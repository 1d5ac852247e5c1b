// Package config loads and validates the per-device configuration the device
// model is started with. Malformed configuration is rejected here, before any
// device is constructed.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// DeviceType identifies the virtio device class.
type DeviceType string

const (
	DeviceBlock DeviceType = "block"
	DeviceNet   DeviceType = "net"
	DeviceFs    DeviceType = "fs"
	DeviceVsock DeviceType = "vsock"
)

// Dataplane selects the execution strategy for a device's queues. The choice
// is fixed per device; there is no runtime fallback between modes.
type Dataplane string

const (
	DataplaneVirtio    Dataplane = "virtio"
	DataplaneVhost     Dataplane = "vhost"
	DataplaneVhostUser Dataplane = "vhost-user"
)

const DefaultMMIOSize = 0x200

// Config is the top-level document.
type Config struct {
	Memory Memory `yaml:"memory"`
	// MMIOSocket is the unix socket on which guest MMIO exits are served.
	MMIOSocket string   `yaml:"mmioSocket"`
	Devices    []Device `yaml:"devices"`
}

// Memory describes the shared guest RAM mapping.
type Memory struct {
	// Path to the shared backing file. Empty means an anonymous in-process
	// region (no vhost/vhost-user device may then be configured).
	Path string `yaml:"path,omitempty"`
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Device is one validated per-device record.
type Device struct {
	ID        string     `yaml:"id"`
	Type      DeviceType `yaml:"type"`
	Dataplane Dataplane  `yaml:"dataplane"`
	MMIOBase  uint64     `yaml:"mmioBase"`
	MMIOSize  uint64     `yaml:"mmioSize,omitempty"`
	IRQ       uint32     `yaml:"irq"`

	// virtio-native block
	Image    string `yaml:"image,omitempty"`
	ReadOnly bool   `yaml:"readonly,omitempty"`

	// net
	MAC string `yaml:"mac,omitempty"`
	Tap string `yaml:"tap,omitempty"`

	// vhost-user: control socket path
	Socket string `yaml:"socket,omitempty"`

	// vhost: kernel device node and vsock CID
	VhostDevice string `yaml:"vhostDevice,omitempty"`
	GuestCID    uint32 `yaml:"guestCid,omitempty"`

	// fs
	Tag string `yaml:"tag,omitempty"`
}

// Load reads, normalizes and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	for i := range c.Devices {
		if c.Devices[i].MMIOSize == 0 {
			c.Devices[i].MMIOSize = DefaultMMIOSize
		}
	}
}

// validModes is the supported device-type / dataplane matrix.
var validModes = map[DeviceType][]Dataplane{
	DeviceBlock: {DataplaneVirtio},
	DeviceNet:   {DataplaneVirtio, DataplaneVhost},
	DeviceFs:    {DataplaneVhostUser},
	DeviceVsock: {DataplaneVhost, DataplaneVhostUser},
}

// Validate checks the whole document. The first problem found is returned.
func (c *Config) Validate() error {
	if c.Memory.Size == 0 {
		return fmt.Errorf("memory size must be nonzero")
	}
	seen := make(map[string]bool)
	type span struct{ base, end uint64 }
	var spans []span
	for i := range c.Devices {
		d := &c.Devices[i]
		if err := d.validate(); err != nil {
			return fmt.Errorf("device %q: %w", d.ID, err)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate device id %q", d.ID)
		}
		seen[d.ID] = true
		for _, s := range spans {
			if d.MMIOBase < s.end && s.base < d.MMIOBase+d.MMIOSize {
				return fmt.Errorf("device %q: MMIO range %#x+%#x overlaps another device", d.ID, d.MMIOBase, d.MMIOSize)
			}
		}
		spans = append(spans, span{d.MMIOBase, d.MMIOBase + d.MMIOSize})
		if d.Dataplane != DataplaneVirtio && c.Memory.Path == "" {
			return fmt.Errorf("device %q: %s dataplane requires file-backed guest memory", d.ID, d.Dataplane)
		}
	}
	if c.MMIOSocket == "" {
		return fmt.Errorf("missing mmioSocket")
	}
	return nil
}

func (d *Device) validate() error {
	if d.ID == "" {
		return fmt.Errorf("missing id")
	}
	modes, ok := validModes[d.Type]
	if !ok {
		return fmt.Errorf("unknown device type %q", d.Type)
	}
	supported := false
	for _, m := range modes {
		if m == d.Dataplane {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("dataplane %q not supported for %s devices", d.Dataplane, d.Type)
	}
	if d.MMIOBase == 0 {
		return fmt.Errorf("missing mmioBase")
	}
	if d.IRQ == 0 {
		return fmt.Errorf("missing irq")
	}

	switch d.Dataplane {
	case DataplaneVirtio:
		if d.Type == DeviceBlock && d.Image == "" {
			return fmt.Errorf("virtio block device requires an image")
		}
	case DataplaneVhost:
		if d.VhostDevice == "" {
			return fmt.Errorf("vhost dataplane requires vhostDevice")
		}
		if d.Type == DeviceVsock && d.GuestCID < 3 {
			return fmt.Errorf("vhost vsock requires guestCid >= 3")
		}
		if d.Type == DeviceNet && d.Tap == "" {
			return fmt.Errorf("vhost net requires a tap interface")
		}
	case DataplaneVhostUser:
		if d.Socket == "" {
			return fmt.Errorf("vhost-user dataplane requires socket")
		}
	default:
		return fmt.Errorf("unknown dataplane %q", d.Dataplane)
	}

	if d.Type == DeviceNet && d.MAC != "" {
		if _, err := net.ParseMAC(d.MAC); err != nil {
			return fmt.Errorf("bad mac %q: %w", d.MAC, err)
		}
	}
	if d.Type == DeviceFs && d.Tag == "" {
		return fmt.Errorf("fs device requires a tag")
	}
	return nil
}
