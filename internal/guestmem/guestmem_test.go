package guestmem

import (
	"errors"
	"testing"
)

func TestReadWriteRoundTrip(t *testing.T) {
	mem, err := New(NewBytesRegion(0x1000, 0x1000))
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("guest memory")
	if _, err := mem.WriteAt(data, 0x1800); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(data))
	if _, err := mem.ReadAt(got, 0x1800); err != nil {
		t.Fatal(err)
	}
	if string(got) != string(data) {
		t.Fatalf("read back %q", got)
	}
}

func TestOutOfRangeAccess(t *testing.T) {
	mem, err := New(NewBytesRegion(0x1000, 0x1000))
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		name   string
		offset int64
		length int
	}{
		{"below region", 0x0, 16},
		{"above region", 0x3000, 16},
		{"crosses end", 0x1ff8, 16},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := make([]byte, c.length)
			if _, err := mem.ReadAt(buf, c.offset); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("read: got %v", err)
			}
			if _, err := mem.WriteAt(buf, c.offset); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("write: got %v", err)
			}
		})
	}
}

func TestMultipleRegions(t *testing.T) {
	mem, err := New(
		NewBytesRegion(0x1000, 0x1000),
		NewBytesRegion(0x4000, 0x1000),
	)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mem.WriteAt([]byte{1}, 0x4000); err != nil {
		t.Fatal(err)
	}
	// The gap between regions is unmapped.
	if _, err := mem.ReadAt(make([]byte, 1), 0x2500); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("gap read: got %v", err)
	}
	// An access must not straddle two regions even if both ends are mapped.
	if _, err := mem.ReadAt(make([]byte, 0x3100), 0x1f00); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("straddling read: got %v", err)
	}
}

func TestOverlapRejected(t *testing.T) {
	_, err := New(
		NewBytesRegion(0x1000, 0x2000),
		NewBytesRegion(0x2000, 0x1000),
	)
	if err == nil {
		t.Fatal("overlapping regions accepted")
	}
}

func TestAnonymousRegionHasNoFd(t *testing.T) {
	r := NewBytesRegion(0, 0x1000)
	if r.Fd() != -1 {
		t.Fatalf("anonymous region fd %d", r.Fd())
	}
}
