//go:build linux

package vhost

import (
	"testing"
	"unsafe"
)

// The kernel ABI structs must match the C layouts byte for byte; the ioctl
// request codes encode the argument sizes.
func TestKernelStructLayouts(t *testing.T) {
	if s := unsafe.Sizeof(vhostVringState{}); s != 8 {
		t.Fatalf("vhost_vring_state size %d", s)
	}
	if s := unsafe.Sizeof(vhostVringAddr{}); s != 40 {
		t.Fatalf("vhost_vring_addr size %d", s)
	}
	if s := unsafe.Sizeof(vhostVringFile{}); s != 8 {
		t.Fatalf("vhost_vring_file size %d", s)
	}
	if s := unsafe.Sizeof(vhostMemoryRegion{}); s != 32 {
		t.Fatalf("vhost_memory_region size %d", s)
	}
}

func TestIoctlSizeEncoding(t *testing.T) {
	// Size field is bits 16..29 of the request code.
	size := func(request uint32) uintptr {
		return uintptr((request >> 16) & 0x3fff)
	}
	cases := []struct {
		name    string
		request uint32
		want    uintptr
	}{
		{"set vring num", VHOST_SET_VRING_NUM, unsafe.Sizeof(vhostVringState{})},
		{"set vring addr", VHOST_SET_VRING_ADDR, unsafe.Sizeof(vhostVringAddr{})},
		{"set vring kick", VHOST_SET_VRING_KICK, unsafe.Sizeof(vhostVringFile{})},
		{"get features", VHOST_GET_FEATURES, unsafe.Sizeof(uint64(0))},
		{"set guest cid", VHOST_VSOCK_SET_GUEST_CID, unsafe.Sizeof(uint64(0))},
		{"set running", VHOST_VSOCK_SET_RUNNING, unsafe.Sizeof(int32(0))},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := size(c.request); got != c.want {
				t.Fatalf("request %#x encodes size %d, struct is %d", c.request, got, c.want)
			}
		})
	}
}
