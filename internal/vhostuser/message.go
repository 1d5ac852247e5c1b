// Package vhostuser implements the frontend side of the vhost-user control
// protocol: a unix socket session over which the device model negotiates
// features, shares the guest memory table as mappable fds, programs ring
// geometry and hands over kick/call eventfds to an external backend process.
package vhostuser

import (
	"encoding/binary"
	"fmt"
)

// Message types.
const (
	MsgGetFeatures         = 1
	MsgSetFeatures         = 2
	MsgSetOwner            = 3
	MsgSetMemTable         = 5
	MsgSetVringNum         = 8
	MsgSetVringAddr        = 9
	MsgSetVringBase        = 10
	MsgGetVringBase        = 11
	MsgSetVringKick        = 12
	MsgSetVringCall        = 13
	MsgGetProtocolFeatures = 15
	MsgSetProtocolFeatures = 16
	MsgGetQueueNum         = 17
	MsgSetVringEnable      = 18
	MsgGetConfig           = 24
	MsgSetConfig           = 25
)

// Header flag bits.
const (
	flagVersion1  = 0x1
	flagReply     = 0x4
	flagNeedReply = 0x8
)

// Feature bit gating the protocol-features handshake.
const VHOST_USER_F_PROTOCOL_FEATURES = 30

// Protocol feature bits.
const (
	ProtocolFeatureMQ       = 0
	ProtocolFeatureReplyAck = 3
	ProtocolFeatureConfig   = 9
)

// vringKickCall payloads carry the queue index in the low byte; this bit set
// means no fd accompanies the message and polling is expected instead.
const vringNoFDMask = 1 << 8

const (
	headerSize     = 12
	maxPayloadSize = 4096
	maxMemRegions  = 8
)

// Message is one control message, either direction.
type Message struct {
	Request uint32
	Flags   uint32
	Payload []byte
	Fds     []int
}

// Reply reports whether the reply flag is set.
func (m *Message) Reply() bool { return m.Flags&flagReply != 0 }

// Encode serializes the 12-byte header followed by the payload.
func (m *Message) Encode() ([]byte, error) {
	if len(m.Payload) > maxPayloadSize {
		return nil, fmt.Errorf("vhostuser: payload %d exceeds limit %d", len(m.Payload), maxPayloadSize)
	}
	buf := make([]byte, headerSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:4], m.Request)
	binary.LittleEndian.PutUint32(buf[4:8], m.Flags|flagVersion1)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.Payload)))
	copy(buf[headerSize:], m.Payload)
	return buf, nil
}

// DecodeHeader parses a 12-byte header, returning request, flags and payload
// size. The version field must match; size is bounded before any allocation.
func DecodeHeader(buf []byte) (request, flags, size uint32, err error) {
	if len(buf) < headerSize {
		return 0, 0, 0, fmt.Errorf("vhostuser: short header (%d bytes)", len(buf))
	}
	request = binary.LittleEndian.Uint32(buf[0:4])
	flags = binary.LittleEndian.Uint32(buf[4:8])
	size = binary.LittleEndian.Uint32(buf[8:12])
	if flags&0x3 != flagVersion1 {
		return 0, 0, 0, fmt.Errorf("vhostuser: unsupported protocol version in flags %#x", flags)
	}
	if size > maxPayloadSize {
		return 0, 0, 0, fmt.Errorf("vhostuser: payload size %d exceeds limit %d", size, maxPayloadSize)
	}
	return request, flags, size, nil
}

func u64Payload(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func vringStatePayload(index int, num uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(index))
	binary.LittleEndian.PutUint32(buf[4:8], num)
	return buf
}

func vringAddrPayload(index int, descAddr, usedAddr, availAddr uint64) []byte {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(index))
	// flags zero: no logging
	binary.LittleEndian.PutUint64(buf[8:16], descAddr)
	binary.LittleEndian.PutUint64(buf[16:24], usedAddr)
	binary.LittleEndian.PutUint64(buf[24:32], availAddr)
	return buf
}

// MemoryRegion describes one guest memory region as shared with the backend.
// UserAddr is the frontend's mapping; the backend maps the fd itself at
// MmapOffset and uses UserAddr only to translate ring addresses.
type MemoryRegion struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64
	MmapOffset uint64
}

func memTablePayload(regions []MemoryRegion) ([]byte, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("vhostuser: empty memory table")
	}
	if len(regions) > maxMemRegions {
		return nil, fmt.Errorf("vhostuser: %d memory regions exceeds limit %d", len(regions), maxMemRegions)
	}
	buf := make([]byte, 8+len(regions)*32)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(regions)))
	for i, r := range regions {
		off := 8 + i*32
		binary.LittleEndian.PutUint64(buf[off:], r.GuestAddr)
		binary.LittleEndian.PutUint64(buf[off+8:], r.Size)
		binary.LittleEndian.PutUint64(buf[off+16:], r.UserAddr)
		binary.LittleEndian.PutUint64(buf[off+24:], r.MmapOffset)
	}
	return buf, nil
}

func configPayload(offset, size uint32, data []byte) []byte {
	buf := make([]byte, 12+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], offset)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	// flags zero
	copy(buf[12:], data)
	return buf
}
