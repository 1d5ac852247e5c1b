//go:build linux

package virtio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
)

// Wire format of the MMIO ingress socket. An external monitor forwards each
// guest MMIO exit as one fixed-size little-endian record and reads one reply
// before sending the next. Requests on a connection are strictly ordered;
// concurrent exits use separate connections.
const (
	busOpRead  = 0
	busOpWrite = 1

	// op u32, width u32, addr u64, value u64
	busRequestSize = 24
	// status u32, pad u32, value u64
	busReplySize = 16

	busStatusOK    = 0
	busStatusFault = 1
)

// BusServer serves guest MMIO traffic for a Bus over a unix stream socket.
type BusServer struct {
	bus *Bus
	log *slog.Logger
	ln  *net.UnixListener
}

// NewBusServer binds the ingress socket. A stale socket file from a previous
// run is removed first; any other file at the path is an error.
func NewBusServer(path string, bus *Bus, log *slog.Logger) (*BusServer, error) {
	if fi, err := os.Stat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("virtio: mmio socket path %s exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("virtio: remove stale mmio socket: %w", err)
		}
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("virtio: mmio socket address: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("virtio: listen mmio socket: %w", err)
	}
	return &BusServer{bus: bus, log: log, ln: ln}, nil
}

// Serve accepts monitor connections until ctx is cancelled or the listener is
// closed. Each connection gets its own goroutine.
func (s *BusServer) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("virtio: mmio accept: %w", err)
		}
		go s.serveConn(conn)
	}
}

func (s *BusServer) serveConn(conn net.Conn) {
	defer conn.Close()
	req := make([]byte, busRequestSize)
	reply := make([]byte, busReplySize)
	for {
		if _, err := io.ReadFull(conn, req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Warn("mmio connection read failed", "error", err)
			}
			return
		}
		op := binary.LittleEndian.Uint32(req[0:4])
		width := int(binary.LittleEndian.Uint32(req[4:8]))
		addr := binary.LittleEndian.Uint64(req[8:16])
		value := binary.LittleEndian.Uint64(req[16:24])

		status := uint32(busStatusOK)
		var out uint64
		switch op {
		case busOpRead:
			v, err := s.bus.Read(addr, width)
			if err != nil {
				s.log.Debug("mmio read fault", "addr", fmt.Sprintf("%#x", addr), "width", width, "error", err)
				status = busStatusFault
			} else {
				out = uint64(v)
			}
		case busOpWrite:
			if err := s.bus.Write(addr, width, uint32(value)); err != nil {
				// Device-level failures (a rejected negotiation, a dead
				// backend) are latched in device status for the driver to
				// read; only a bad access faults the exit itself.
				if errors.Is(err, ErrBadAccess) {
					s.log.Debug("mmio write fault", "addr", fmt.Sprintf("%#x", addr), "width", width, "error", err)
					status = busStatusFault
				} else {
					s.log.Warn("mmio write failed", "addr", fmt.Sprintf("%#x", addr), "error", err)
				}
			}
		default:
			s.log.Warn("mmio request with unknown op", "op", op)
			status = busStatusFault
		}

		binary.LittleEndian.PutUint32(reply[0:4], status)
		binary.LittleEndian.PutUint32(reply[4:8], 0)
		binary.LittleEndian.PutUint64(reply[8:16], out)
		if _, err := conn.Write(reply); err != nil {
			return
		}
	}
}

// Close stops the listener. In-flight connections finish on their own.
func (s *BusServer) Close() error {
	return s.ln.Close()
}
