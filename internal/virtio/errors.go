package virtio

import (
	"errors"
	"fmt"
)

// ErrBadAccess reports a register access with an invalid width, alignment or
// offset. The register file state is untouched; the caller surfaces the fault
// instead of silently truncating.
var ErrBadAccess = errors.New("virtio: bad register access")

// ErrNotReady reports an operation against a queue that has not been
// activated.
var ErrNotReady = errors.New("virtio: queue not ready")

// ErrRingBroken reports ring state no per-chain skip can recover from, such
// as an available index further ahead of the device than the queue size.
// Unlike a malformed chain there is no slot to consume; the queue must stop
// until the driver resets the device.
var ErrRingBroken = errors.New("virtio: ring state broken")

// ChainError reports a malformed descriptor chain: out-of-bounds index or
// address, excessive length, a cycle, or an indirect-depth violation.
// Processing of that chain is aborted; the queue and device stay usable.
type ChainError struct {
	Queue  int
	Head   uint16
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("virtio: bad descriptor chain queue=%d head=%d: %s", e.Queue, e.Head, e.Reason)
}

// NegotiationError reports a failed dataplane activation: feature mismatch,
// control-session timeout, disconnect or rejected message. It is fatal to the
// device's activation; the device transitions to Failed or Disconnected.
type NegotiationError struct {
	Step string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("virtio: negotiation failed at %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
