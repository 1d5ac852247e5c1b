//go:build linux

package vhostuser

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// fakeBackend is a scripted vhost-user slave on a unix socket.
type fakeBackend struct {
	t    *testing.T
	conn *net.UnixConn

	features         uint64
	protocolFeatures uint64

	// requests that the backend acks with a nonzero (failure) result
	reject map[uint32]bool

	// every request seen, in order
	requests []uint32

	// fds received with SET_VRING_KICK/CALL and SET_MEM_TABLE
	fds []int
}

func startFakeBackend(t *testing.T, features, protocolFeatures uint64, reject map[uint32]bool) (*fakeBackend, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sock")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	b := &fakeBackend{t: t, features: features, protocolFeatures: protocolFeatures, reject: reject}
	go func() {
		defer l.Close()
		conn, err := l.AcceptUnix()
		if err != nil {
			return
		}
		b.conn = conn
		b.serve()
	}()
	t.Cleanup(func() { l.Close() })
	return b, path
}

func (b *fakeBackend) serve() {
	defer b.conn.Close()
	for {
		request, flags, payload, fds, ok := b.readMessage()
		if !ok {
			return
		}
		b.requests = append(b.requests, request)
		b.fds = append(b.fds, fds...)

		switch request {
		case MsgGetFeatures:
			b.reply(request, u64Payload(b.features))
		case MsgGetProtocolFeatures:
			b.reply(request, u64Payload(b.protocolFeatures))
		case MsgGetQueueNum:
			b.reply(request, u64Payload(2))
		case MsgGetVringBase:
			index := binary.LittleEndian.Uint32(payload[0:4])
			b.reply(request, vringStatePayload(int(index), 7))
		case MsgGetConfig:
			data := make([]byte, len(payload))
			copy(data, payload)
			for i := 12; i < len(data); i++ {
				data[i] = byte(i - 12)
			}
			b.reply(request, data)
		default:
			if flags&flagNeedReply != 0 {
				result := uint64(0)
				if b.reject[request] {
					result = 1
				}
				b.reply(request, u64Payload(result))
			}
		}
	}
}

func (b *fakeBackend) readMessage() (request, flags uint32, payload []byte, fds []int, ok bool) {
	buf := make([]byte, headerSize)
	oob := make([]byte, 1024)
	n, oobn, _, _, err := b.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, 0, nil, nil, false
	}
	if n < headerSize {
		if _, err := io.ReadFull(b.conn, buf[n:]); err != nil {
			return 0, 0, nil, nil, false
		}
	}
	request, flags, size, err := DecodeHeader(buf)
	if err != nil {
		b.t.Errorf("backend: %v", err)
		return 0, 0, nil, nil, false
	}
	payload = make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(b.conn, payload); err != nil {
			return 0, 0, nil, nil, false
		}
	}
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, m := range msgs {
				got, err := unix.ParseUnixRights(&m)
				if err == nil {
					fds = append(fds, got...)
				}
			}
		}
	}
	return request, flags, payload, fds, true
}

func (b *fakeBackend) reply(request uint32, payload []byte) {
	m := Message{Request: request, Flags: flagReply, Payload: payload}
	buf, err := m.Encode()
	if err != nil {
		b.t.Errorf("backend encode: %v", err)
		return
	}
	if _, err := b.conn.Write(buf); err != nil {
		b.t.Errorf("backend write: %v", err)
	}
}

func testSession(t *testing.T, path string) *Session {
	t.Helper()
	s, err := Dial(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionFeatureHandshake(t *testing.T) {
	features := uint64(1<<32 | 1<<VHOST_USER_F_PROTOCOL_FEATURES)
	protocol := uint64(1<<ProtocolFeatureMQ | 1<<ProtocolFeatureReplyAck)
	_, path := startFakeBackend(t, features, protocol, nil)
	s := testSession(t, path)

	got, err := s.GetFeatures()
	if err != nil {
		t.Fatal(err)
	}
	if got != features {
		t.Fatalf("features %#x, want %#x", got, features)
	}
	gotProto, err := s.GetProtocolFeatures()
	if err != nil {
		t.Fatal(err)
	}
	if gotProto != protocol {
		t.Fatalf("protocol features %#x", gotProto)
	}
	if err := s.SetProtocolFeatures(gotProto); err != nil {
		t.Fatal(err)
	}
	s.EnableReplyAck()
	if err := s.SetOwner(); err != nil {
		t.Fatal(err)
	}
	if err := s.SetFeatures(1 << 32); err != nil {
		t.Fatal(err)
	}
}

func TestSessionRejectedRequest(t *testing.T) {
	_, path := startFakeBackend(t, 1<<32, 1<<ProtocolFeatureReplyAck,
		map[uint32]bool{MsgSetVringNum: true})
	s := testSession(t, path)
	s.EnableReplyAck()

	err := s.SetVringNum(0, 256)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !strings.Contains(err.Error(), "rejected by backend") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSessionVringKickPassesFd(t *testing.T) {
	b, path := startFakeBackend(t, 1<<32, 1<<ProtocolFeatureReplyAck, nil)
	s := testSession(t, path)
	s.EnableReplyAck()

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	if err := s.SetVringKick(1, fd); err != nil {
		t.Fatal(err)
	}
	if len(b.fds) != 1 {
		t.Fatalf("backend received %d fds", len(b.fds))
	}
	unix.Close(b.fds[0])
}

func TestSessionGetVringBase(t *testing.T) {
	_, path := startFakeBackend(t, 1<<32, 0, nil)
	s := testSession(t, path)

	base, err := s.GetVringBase(3)
	if err != nil {
		t.Fatal(err)
	}
	if base != 7 {
		t.Fatalf("base %d", base)
	}
}

func TestSessionGetConfig(t *testing.T) {
	_, path := startFakeBackend(t, 1<<32, 1<<ProtocolFeatureConfig, nil)
	s := testSession(t, path)

	data, err := s.GetConfig(0, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 8 {
		t.Fatalf("config length %d", len(data))
	}
	for i, v := range data {
		if v != byte(i) {
			t.Fatalf("config[%d] = %d", i, v)
		}
	}
}

func TestSessionTimeout(t *testing.T) {
	// A backend that accepts but never replies must not hang the frontend.
	path := filepath.Join(t.TempDir(), "mute.sock")
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		conn, err := l.AcceptUnix()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()

	s := testSession(t, path)
	s.timeout = 50 * time.Millisecond

	_, err = s.GetFeatures()
	if err == nil {
		t.Fatal("expected timeout")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected timeout error, got %v", err)
	}
}
