//go:build linux

package vhostuser

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vdm/internal/guestmem"
)

// DefaultTimeout bounds every request/reply exchange. A stuck backend turns
// into an error the activation path fails closed on, never a hang.
const DefaultTimeout = 3 * time.Second

// Session is a frontend control session with one backend process. Messages
// are strictly request/reply in order; the session is not safe for
// concurrent use.
type Session struct {
	conn    *net.UnixConn
	log     *slog.Logger
	timeout time.Duration

	replyAck bool
}

// Dial connects to a backend's unix control socket.
func Dial(path string, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, fmt.Errorf("vhostuser: dial %s: %w", path, err)
	}
	return &Session{conn: conn, log: log.With("socket", path), timeout: DefaultTimeout}, nil
}

// Close shuts the control socket. The backend treats this as frontend exit.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// EnableReplyAck turns on per-message acknowledgements. Call after
// SET_PROTOCOL_FEATURES when the backend offered REPLY_ACK.
func (s *Session) EnableReplyAck() { s.replyAck = true }

// Fd returns the raw socket fd, for readiness-based disconnect detection.
// The fd stays owned by the session.
func (s *Session) Fd() (int, error) {
	raw, err := s.conn.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("vhostuser: raw conn: %w", err)
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, fmt.Errorf("vhostuser: raw conn control: %w", err)
	}
	return fd, nil
}

// GetFeatures queries the backend's virtio feature bits.
func (s *Session) GetFeatures() (uint64, error) {
	return s.getU64(MsgGetFeatures, "GET_FEATURES")
}

// SetFeatures commits the negotiated virtio feature bits.
func (s *Session) SetFeatures(features uint64) error {
	return s.setMsg(MsgSetFeatures, "SET_FEATURES", u64Payload(features), nil)
}

// GetProtocolFeatures queries the protocol feature bits. Only valid when the
// backend offered VHOST_USER_F_PROTOCOL_FEATURES.
func (s *Session) GetProtocolFeatures() (uint64, error) {
	return s.getU64(MsgGetProtocolFeatures, "GET_PROTOCOL_FEATURES")
}

// SetProtocolFeatures commits the negotiated protocol feature bits.
func (s *Session) SetProtocolFeatures(features uint64) error {
	return s.setMsg(MsgSetProtocolFeatures, "SET_PROTOCOL_FEATURES", u64Payload(features), nil)
}

// GetQueueNum queries how many queue pairs the backend supports.
func (s *Session) GetQueueNum() (uint64, error) {
	return s.getU64(MsgGetQueueNum, "GET_QUEUE_NUM")
}

// SetOwner claims the backend for this session.
func (s *Session) SetOwner() error {
	return s.setMsg(MsgSetOwner, "SET_OWNER", nil, nil)
}

// SetMemTable shares the guest memory layout. Every region must be
// file-backed; the fds ride along as SCM_RIGHTS so the backend can map the
// same pages.
func (s *Session) SetMemTable(regions []*guestmem.Region) error {
	entries := make([]MemoryRegion, 0, len(regions))
	fds := make([]int, 0, len(regions))
	for _, r := range regions {
		if r.Fd() < 0 {
			return fmt.Errorf("vhostuser: region at %#x has no shareable fd", r.GuestBase)
		}
		host := r.HostBytes()
		entries = append(entries, MemoryRegion{
			GuestAddr:  r.GuestBase,
			Size:       r.Size,
			UserAddr:   uint64(sliceAddr(host)),
			MmapOffset: r.MmapOffset(),
		})
		fds = append(fds, r.Fd())
	}
	payload, err := memTablePayload(entries)
	if err != nil {
		return err
	}
	return s.setMsg(MsgSetMemTable, "SET_MEM_TABLE", payload, fds)
}

// SetVringNum programs the size of one queue.
func (s *Session) SetVringNum(index int, size uint16) error {
	return s.setMsg(MsgSetVringNum, "SET_VRING_NUM", vringStatePayload(index, uint32(size)), nil)
}

// SetVringBase programs the starting available index of one queue.
func (s *Session) SetVringBase(index int, base uint16) error {
	return s.setMsg(MsgSetVringBase, "SET_VRING_BASE", vringStatePayload(index, uint32(base)), nil)
}

// SetVringAddr programs the ring addresses of one queue, in guest physical
// terms the backend translates through the memory table.
func (s *Session) SetVringAddr(index int, descAddr, usedAddr, availAddr uint64) error {
	return s.setMsg(MsgSetVringAddr, "SET_VRING_ADDR", vringAddrPayload(index, descAddr, usedAddr, availAddr), nil)
}

// SetVringKick hands over the eventfd the backend will watch for guest kicks.
func (s *Session) SetVringKick(index int, fd int) error {
	return s.setMsg(MsgSetVringKick, "SET_VRING_KICK", u64Payload(uint64(index)), []int{fd})
}

// SetVringCall hands over the eventfd the backend signals for completions.
func (s *Session) SetVringCall(index int, fd int) error {
	return s.setMsg(MsgSetVringCall, "SET_VRING_CALL", u64Payload(uint64(index)), []int{fd})
}

// SetVringEnable starts or stops one queue. Only valid with protocol
// features negotiated.
func (s *Session) SetVringEnable(index int, enable bool) error {
	var v uint32
	if enable {
		v = 1
	}
	return s.setMsg(MsgSetVringEnable, "SET_VRING_ENABLE", vringStatePayload(index, v), nil)
}

// GetVringBase stops a queue and retrieves its available index.
func (s *Session) GetVringBase(index int) (uint16, error) {
	reply, err := s.roundTrip(MsgGetVringBase, "GET_VRING_BASE", vringStatePayload(index, 0), nil)
	if err != nil {
		return 0, err
	}
	if len(reply.Payload) < 8 {
		return 0, fmt.Errorf("vhostuser: GET_VRING_BASE: short reply (%d bytes)", len(reply.Payload))
	}
	return uint16(binary.LittleEndian.Uint32(reply.Payload[4:8])), nil
}

// GetConfig reads size bytes of the backend's device config space. Requires
// the CONFIG protocol feature.
func (s *Session) GetConfig(offset, size uint32) ([]byte, error) {
	reply, err := s.roundTrip(MsgGetConfig, "GET_CONFIG", configPayload(offset, size, make([]byte, size)), nil)
	if err != nil {
		return nil, err
	}
	if uint32(len(reply.Payload)) < 12+size {
		return nil, fmt.Errorf("vhostuser: GET_CONFIG: short reply (%d bytes, want %d)", len(reply.Payload), 12+size)
	}
	return reply.Payload[12 : 12+size], nil
}

// SetConfig writes the backend's device config space.
func (s *Session) SetConfig(offset uint32, data []byte) error {
	return s.setMsg(MsgSetConfig, "SET_CONFIG", configPayload(offset, uint32(len(data)), data), nil)
}

// getU64 performs a request whose reply is a single u64.
func (s *Session) getU64(request uint32, name string) (uint64, error) {
	reply, err := s.roundTrip(request, name, nil, nil)
	if err != nil {
		return 0, err
	}
	if len(reply.Payload) < 8 {
		return 0, fmt.Errorf("vhostuser: %s: short reply (%d bytes)", name, len(reply.Payload))
	}
	return binary.LittleEndian.Uint64(reply.Payload), nil
}

// setMsg sends a state-changing message. With REPLY_ACK negotiated the
// backend's acknowledgement is demanded and a nonzero result is an error;
// otherwise the message is fire-and-forget like the protocol specifies.
func (s *Session) setMsg(request uint32, name string, payload []byte, fds []int) error {
	if !s.replyAck {
		return s.send(Message{Request: request, Payload: payload, Fds: fds}, name)
	}
	reply, err := s.roundTripFlags(request, name, payload, fds, flagNeedReply)
	if err != nil {
		return err
	}
	if len(reply.Payload) < 8 {
		return fmt.Errorf("vhostuser: %s: short ack (%d bytes)", name, len(reply.Payload))
	}
	if result := binary.LittleEndian.Uint64(reply.Payload); result != 0 {
		return fmt.Errorf("vhostuser: %s rejected by backend (result %d)", name, result)
	}
	return nil
}

func (s *Session) roundTrip(request uint32, name string, payload []byte, fds []int) (*Message, error) {
	return s.roundTripFlags(request, name, payload, fds, 0)
}

func (s *Session) roundTripFlags(request uint32, name string, payload []byte, fds []int, flags uint32) (*Message, error) {
	if err := s.send(Message{Request: request, Flags: flags, Payload: payload, Fds: fds}, name); err != nil {
		return nil, err
	}
	reply, err := s.recv(name)
	if err != nil {
		return nil, err
	}
	if reply.Request != request {
		return nil, fmt.Errorf("vhostuser: %s: reply carries request %d", name, reply.Request)
	}
	if !reply.Reply() {
		return nil, fmt.Errorf("vhostuser: %s: reply flag missing", name)
	}
	return reply, nil
}

func (s *Session) send(m Message, name string) error {
	buf, err := m.Encode()
	if err != nil {
		return fmt.Errorf("vhostuser: %s: %w", name, err)
	}
	var oob []byte
	if len(m.Fds) > 0 {
		oob = unix.UnixRights(m.Fds...)
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return fmt.Errorf("vhostuser: %s: %w", name, err)
	}
	n, oobn, err := s.conn.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return fmt.Errorf("vhostuser: %s: send: %w", name, err)
	}
	if n != len(buf) || oobn != len(oob) {
		return fmt.Errorf("vhostuser: %s: short send (%d/%d bytes, %d/%d oob)", name, n, len(buf), oobn, len(oob))
	}
	return nil
}

func (s *Session) recv(name string) (*Message, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, fmt.Errorf("vhostuser: %s: %w", name, err)
	}
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(s.conn, header); err != nil {
		return nil, fmt.Errorf("vhostuser: %s: read header: %w", name, err)
	}
	request, flags, size, err := DecodeHeader(header)
	if err != nil {
		return nil, fmt.Errorf("vhostuser: %s: %w", name, err)
	}
	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return nil, fmt.Errorf("vhostuser: %s: read payload: %w", name, err)
		}
	}
	return &Message{Request: request, Flags: flags, Payload: payload}, nil
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}
