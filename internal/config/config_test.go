package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func loadString(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

const validDoc = `
memory:
  path: /dev/shm/guest-mem
  base: 0x40000000
  size: 0x10000000
mmioSocket: /run/vdm-mmio.sock
devices:
  - id: blk0
    type: block
    dataplane: virtio
    mmioBase: 0xd0000000
    irq: 12
    image: /var/lib/disk.img
  - id: net0
    type: net
    dataplane: vhost
    mmioBase: 0xd0001000
    irq: 13
    vhostDevice: /dev/vhost-net
    tap: tap0
    mac: "02:00:00:00:00:02"
  - id: fs0
    type: fs
    dataplane: vhost-user
    mmioBase: 0xd0002000
    irq: 14
    socket: /run/virtiofsd.sock
    tag: shared
  - id: vsock0
    type: vsock
    dataplane: vhost
    mmioBase: 0xd0003000
    irq: 15
    vhostDevice: /dev/vhost-vsock
    guestCid: 3
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := loadString(t, validDoc)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Devices) != 4 {
		t.Fatalf("%d devices", len(cfg.Devices))
	}
	if cfg.Devices[0].MMIOSize != DefaultMMIOSize {
		t.Fatalf("default MMIO size not applied: %#x", cfg.Devices[0].MMIOSize)
	}
	if cfg.MMIOSocket != "/run/vdm-mmio.sock" {
		t.Fatalf("mmio socket %q", cfg.MMIOSocket)
	}
}

func TestRejections(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			"block over vhost",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: block, dataplane: vhost, mmioBase: 0x1000, irq: 5, vhostDevice: /dev/vhost-net}
`,
			"not supported",
		},
		{
			"fs over virtio",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: fs, dataplane: virtio, mmioBase: 0x1000, irq: 5, tag: x}
`,
			"not supported",
		},
		{
			"vsock over virtio",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: vsock, dataplane: virtio, mmioBase: 0x1000, irq: 5}
`,
			"not supported",
		},
		{
			"duplicate device ids",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: block, dataplane: virtio, mmioBase: 0x1000, irq: 5, image: /a}
  - {id: d, type: block, dataplane: virtio, mmioBase: 0x2000, irq: 6, image: /b}
`,
			"duplicate",
		},
		{
			"overlapping MMIO windows",
			`
memory: {size: 0x1000}
devices:
  - {id: a, type: block, dataplane: virtio, mmioBase: 0x1000, irq: 5, image: /a}
  - {id: b, type: block, dataplane: virtio, mmioBase: 0x1100, irq: 6, image: /b}
`,
			"overlaps",
		},
		{
			"vhost without shared memory",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: net, dataplane: vhost, mmioBase: 0x1000, irq: 5, vhostDevice: /dev/vhost-net, tap: tap0}
`,
			"file-backed",
		},
		{
			"block without image",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: block, dataplane: virtio, mmioBase: 0x1000, irq: 5}
`,
			"image",
		},
		{
			"vhost-user without socket",
			`
memory: {path: /m, size: 0x1000}
devices:
  - {id: d, type: fs, dataplane: vhost-user, mmioBase: 0x1000, irq: 5, tag: x}
`,
			"socket",
		},
		{
			"vsock with reserved cid",
			`
memory: {path: /m, size: 0x1000}
devices:
  - {id: d, type: vsock, dataplane: vhost, mmioBase: 0x1000, irq: 5, vhostDevice: /dev/vhost-vsock, guestCid: 2}
`,
			"guestCid",
		},
		{
			"vhost net without tap",
			`
memory: {path: /m, size: 0x1000}
devices:
  - {id: d, type: net, dataplane: vhost, mmioBase: 0x1000, irq: 5, vhostDevice: /dev/vhost-net}
`,
			"tap",
		},
		{
			"bad mac",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: net, dataplane: virtio, mmioBase: 0x1000, irq: 5, mac: "nope"}
`,
			"mac",
		},
		{
			"fs without tag",
			`
memory: {path: /m, size: 0x1000}
devices:
  - {id: d, type: fs, dataplane: vhost-user, mmioBase: 0x1000, irq: 5, socket: /s}
`,
			"tag",
		},
		{
			"zero memory",
			`
memory: {size: 0}
devices: []
`,
			"memory size",
		},
		{
			"missing irq",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: block, dataplane: virtio, mmioBase: 0x1000, image: /a}
`,
			"irq",
		},
		{
			"missing mmio socket",
			`
memory: {size: 0x1000}
devices:
  - {id: d, type: block, dataplane: virtio, mmioBase: 0x1000, irq: 5, image: /a}
`,
			"mmioSocket",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := loadString(t, c.doc)
			if err == nil {
				t.Fatal("config accepted")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("error %q does not mention %q", err, c.want)
			}
		})
	}
}
