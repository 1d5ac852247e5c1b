package virtio

import (
	"errors"
	"testing"
)

const testFeatures uint64 = 1<<VIRTIO_F_VERSION_1 | 1<<VIRTIO_F_EVENT_IDX | 0x7

func newTestRegs() *RegisterFile {
	return NewRegisterFile(DeviceIDBlock, testFeatures, []uint16{128})
}

func mustRead(t *testing.T, r *RegisterFile, offset uint64) uint32 {
	t.Helper()
	v, err := r.Read(offset, 4)
	if err != nil {
		t.Fatalf("read %#x: %v", offset, err)
	}
	return v
}

func mustWrite(t *testing.T, r *RegisterFile, offset uint64, value uint32) DeviceEffect {
	t.Helper()
	effect, err := r.Write(offset, 4, value)
	if err != nil {
		t.Fatalf("write %#x = %#x: %v", offset, value, err)
	}
	return effect
}

// negotiate walks the register file through a complete, correct driver
// bring-up minus DRIVER_OK.
func negotiate(t *testing.T, r *RegisterFile) {
	t.Helper()
	features := testFeatures
	mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE)
	mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER)
	mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES, uint32(features))
	mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
	mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER|STATUS_FEATURES_OK)
	if mustRead(t, r, VIRTIO_MMIO_STATUS)&STATUS_FEATURES_OK == 0 {
		t.Fatal("FEATURES_OK not latched")
	}
}

func TestRegisterFileIdentity(t *testing.T) {
	r := newTestRegs()
	if v := mustRead(t, r, VIRTIO_MMIO_MAGIC_VALUE); v != 0x74726976 {
		t.Fatalf("magic %#x", v)
	}
	if v := mustRead(t, r, VIRTIO_MMIO_VERSION); v != 2 {
		t.Fatalf("version %d", v)
	}
	if v := mustRead(t, r, VIRTIO_MMIO_DEVICE_ID); v != DeviceIDBlock {
		t.Fatalf("device id %d", v)
	}
	if v := mustRead(t, r, VIRTIO_MMIO_QUEUE_NUM_MAX); v != 128 {
		t.Fatalf("queue num max %d", v)
	}
}

func TestRegisterFileAccessFaults(t *testing.T) {
	r := newTestRegs()
	cases := []struct {
		name   string
		offset uint64
		width  int
	}{
		{"width 2", VIRTIO_MMIO_STATUS, 2},
		{"width 1", VIRTIO_MMIO_STATUS, 1},
		{"width 8", VIRTIO_MMIO_STATUS, 8},
		{"unaligned", 0x071, 4},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := r.Read(c.offset, c.width); !errors.Is(err, ErrBadAccess) {
				t.Fatalf("read: got %v", err)
			}
			if _, err := r.Write(c.offset, c.width, 0); !errors.Is(err, ErrBadAccess) {
				t.Fatalf("write: got %v", err)
			}
		})
	}
	// The fault leaves state untouched.
	if r.Status() != 0 {
		t.Fatalf("status changed to %#x", r.Status())
	}
}

func TestFeatureWindows(t *testing.T) {
	r := newTestRegs()
	mustWrite(t, r, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 0)
	low := mustRead(t, r, VIRTIO_MMIO_DEVICE_FEATURES)
	mustWrite(t, r, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	high := mustRead(t, r, VIRTIO_MMIO_DEVICE_FEATURES)
	if got := uint64(low) | uint64(high)<<32; got != testFeatures {
		t.Fatalf("advertised features %#x, want %#x", got, testFeatures)
	}

	// Out-of-range window reads as zero; writes are ignored.
	mustWrite(t, r, VIRTIO_MMIO_DEVICE_FEATURES_SEL, 7)
	if v := mustRead(t, r, VIRTIO_MMIO_DEVICE_FEATURES); v != 0 {
		t.Fatalf("window 7 reads %#x", v)
	}
	mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 7)
	mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES, 0xffffffff)
	if r.DriverFeatures() != 0 {
		t.Fatalf("unowned window write stuck: %#x", r.DriverFeatures())
	}
}

func TestStatusSequencing(t *testing.T) {
	t.Run("happy path", func(t *testing.T) {
		r := newTestRegs()
		negotiate(t, r)
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER|STATUS_FEATURES_OK|STATUS_DRIVER_OK)
		if !r.DriverOK() || r.Failed() {
			t.Fatalf("status %#x", r.Status())
		}
	})

	t.Run("driver before acknowledge", func(t *testing.T) {
		r := newTestRegs()
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_DRIVER)
		if !r.Failed() {
			t.Fatalf("status %#x, want FAILED", r.Status())
		}
	})

	t.Run("driver_ok before features_ok", func(t *testing.T) {
		r := newTestRegs()
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE)
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER)
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER|STATUS_DRIVER_OK)
		if !r.Failed() {
			t.Fatalf("status %#x, want FAILED", r.Status())
		}
	})

	t.Run("superset features refused", func(t *testing.T) {
		r := newTestRegs()
		features := testFeatures
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE)
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER)
		mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
		mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES, 0xffffffff)
		mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
		mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>32))
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER|STATUS_FEATURES_OK)
		if mustRead(t, r, VIRTIO_MMIO_STATUS)&STATUS_FEATURES_OK != 0 {
			t.Fatal("FEATURES_OK latched for a superset")
		}
		if r.Failed() {
			t.Fatal("refused negotiation must not fail the device")
		}
	})

	t.Run("version_1 required", func(t *testing.T) {
		r := newTestRegs()
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE)
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER)
		mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
		mustWrite(t, r, VIRTIO_MMIO_DRIVER_FEATURES, 0x7)
		mustWrite(t, r, VIRTIO_MMIO_STATUS, STATUS_ACKNOWLEDGE|STATUS_DRIVER|STATUS_FEATURES_OK)
		if mustRead(t, r, VIRTIO_MMIO_STATUS)&STATUS_FEATURES_OK != 0 {
			t.Fatal("FEATURES_OK latched without VERSION_1")
		}
	})
}

func programQueue(t *testing.T, r *RegisterFile) {
	t.Helper()
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_SEL, 0)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_NUM, 64)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_DESC_LOW, 0x4000)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_DESC_HIGH, 0x1)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_AVAIL_LOW, 0x5000)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_USED_LOW, 0x6000)
}

func TestQueueRegisters(t *testing.T) {
	r := newTestRegs()
	negotiate(t, r)
	programQueue(t, r)

	effect := mustWrite(t, r, VIRTIO_MMIO_QUEUE_READY, 1)
	if effect.Kind != EffectQueueActivated || effect.Queue != 0 {
		t.Fatalf("effect %+v", effect)
	}
	qr, err := r.QueueRegs(0)
	if err != nil {
		t.Fatal(err)
	}
	if qr.Size != 64 || qr.DescAddr != 0x100004000 || qr.AvailAddr != 0x5000 || qr.UsedAddr != 0x6000 {
		t.Fatalf("latched geometry %+v", qr)
	}

	// Geometry writes after ready are ignored.
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_NUM, 8)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_DESC_LOW, 0xdead0000)
	qr, _ = r.QueueRegs(0)
	if qr.Size != 64 || qr.DescAddr != 0x100004000 {
		t.Fatalf("late geometry write took effect: %+v", qr)
	}

	// Ready=0 disables and clears geometry.
	effect = mustWrite(t, r, VIRTIO_MMIO_QUEUE_READY, 0)
	if effect.Kind != EffectQueueDisabled {
		t.Fatalf("effect %+v", effect)
	}
	qr, _ = r.QueueRegs(0)
	if qr.Ready || qr.Size != 0 || qr.DescAddr != 0 {
		t.Fatalf("disable did not reset geometry: %+v", qr)
	}
}

func TestQueueReadyWithoutGeometry(t *testing.T) {
	r := newTestRegs()
	negotiate(t, r)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_SEL, 0)
	if _, err := r.Write(VIRTIO_MMIO_QUEUE_READY, 4, 1); err == nil {
		t.Fatal("expected error for ready before geometry")
	}
}

func TestQueueSizeValidation(t *testing.T) {
	r := newTestRegs()
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_SEL, 0)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_NUM, 65) // not a power of two
	if qr, _ := r.QueueRegs(0); qr.Size != 0 {
		t.Fatalf("non-power-of-two size accepted: %d", qr.Size)
	}
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_NUM, 256) // above max
	if qr, _ := r.QueueRegs(0); qr.Size != 0 {
		t.Fatalf("oversized queue accepted: %d", qr.Size)
	}
}

func TestNotifyEffect(t *testing.T) {
	r := newTestRegs()
	effect := mustWrite(t, r, VIRTIO_MMIO_QUEUE_NOTIFY, 0)
	if effect.Kind != EffectQueueNotify || effect.Queue != 0 {
		t.Fatalf("effect %+v", effect)
	}
	// Nonexistent queue: ignored.
	effect = mustWrite(t, r, VIRTIO_MMIO_QUEUE_NOTIFY, 9)
	if effect.Kind != EffectNone {
		t.Fatalf("effect %+v", effect)
	}
}

func TestInterruptStatusAndAck(t *testing.T) {
	r := newTestRegs()
	r.RaiseInterrupt(VIRTIO_MMIO_INT_VRING)
	r.RaiseInterrupt(VIRTIO_MMIO_INT_CONFIG)
	if v := mustRead(t, r, VIRTIO_MMIO_INTERRUPT_STATUS); v != 0x3 {
		t.Fatalf("interrupt status %#x", v)
	}
	mustWrite(t, r, VIRTIO_MMIO_INTERRUPT_ACK, VIRTIO_MMIO_INT_VRING)
	if v := mustRead(t, r, VIRTIO_MMIO_INTERRUPT_STATUS); v != VIRTIO_MMIO_INT_CONFIG {
		t.Fatalf("interrupt status after ack %#x", v)
	}
}

func TestResetClearsEverything(t *testing.T) {
	r := newTestRegs()
	negotiate(t, r)
	programQueue(t, r)
	mustWrite(t, r, VIRTIO_MMIO_QUEUE_READY, 1)
	r.RaiseInterrupt(VIRTIO_MMIO_INT_VRING)

	effect := mustWrite(t, r, VIRTIO_MMIO_STATUS, 0)
	if effect.Kind != EffectReset {
		t.Fatalf("effect %+v", effect)
	}
	if r.Status() != 0 || r.DriverFeatures() != 0 || r.InterruptStatus() != 0 {
		t.Fatal("reset left state behind")
	}
	qr, _ := r.QueueRegs(0)
	if qr.Ready || qr.Size != 0 {
		t.Fatalf("reset left queue state: %+v", qr)
	}
	if qr.MaxSize != 128 {
		t.Fatalf("reset clobbered max size: %d", qr.MaxSize)
	}
	if r.DeviceFeatures() != testFeatures {
		t.Fatal("reset clobbered device features")
	}
}

func TestConfigGeneration(t *testing.T) {
	r := newTestRegs()
	before := mustRead(t, r, VIRTIO_MMIO_CONFIG_GENERATION)
	r.BumpConfigGeneration()
	after := mustRead(t, r, VIRTIO_MMIO_CONFIG_GENERATION)
	if after != before+1 {
		t.Fatalf("generation %d -> %d", before, after)
	}
	if r.InterruptStatus()&VIRTIO_MMIO_INT_CONFIG == 0 {
		t.Fatal("config interrupt not raised")
	}
}
