// Package netstack is the host side of the in-process network dataplane: a
// gVisor TCP/IP stack joined to the virtio-net device by raw ethernet
// frames. Guest TX frames are injected into the stack; frames the stack
// emits are handed back for delivery into guest RX buffers.
package netstack

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
)

const (
	nicID tcpip.NICID = 1

	// channel.Endpoint treats MTU as L2; ethernet.Endpoint subtracts the
	// header to get a 1500-byte L3 MTU.
	linkMTU = 1500 + header.EthernetMinimumSize

	frameQueueLen = 4096
)

// Options configures the host stack.
type Options struct {
	// HostIP is the stack's own address, the guest's gateway.
	HostIP net.IP
	// GuestIP is the address expected on the guest side.
	GuestIP net.IP
	// HostMAC is the link address the stack answers ARP for.
	HostMAC net.HardwareAddr
	// Log defaults to slog.Default.
	Log *slog.Logger
}

// Stack is one host-side network stack instance.
type Stack struct {
	log *slog.Logger

	st *stack.Stack
	ch *channel.Endpoint

	hostIP  net.IP
	guestIP net.IP

	mu     sync.Mutex
	output func(frame []byte) error
	closed bool

	dns *dnsServer
}

func addrFrom4(ip net.IP) (tcpip.Address, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return tcpip.Address{}, fmt.Errorf("netstack: %v is not an IPv4 address", ip)
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b), nil
}

// New builds a stack with IPv4, ARP, TCP and UDP, addressed as the guest's
// gateway.
func New(opts Options) (*Stack, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.HostIP == nil {
		opts.HostIP = net.IPv4(10, 42, 0, 1)
	}
	if opts.GuestIP == nil {
		opts.GuestIP = net.IPv4(10, 42, 0, 2)
	}
	if opts.HostMAC == nil {
		opts.HostMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	hostAddr, err := addrFrom4(opts.HostIP)
	if err != nil {
		return nil, err
	}

	ch := channel.New(frameQueueLen, linkMTU, tcpip.LinkAddress(string(opts.HostMAC)))
	ep := ethernet.New(ch)
	st := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if terr := st.CreateNIC(nicID, ep); terr != nil {
		ch.Close()
		return nil, fmt.Errorf("netstack: create NIC: %v", terr)
	}
	if terr := st.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   hostAddr,
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); terr != nil {
		ch.Close()
		return nil, fmt.Errorf("netstack: add address: %v", terr)
	}
	st.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
	})

	return &Stack{
		log:     opts.Log.With("component", "netstack"),
		st:      st,
		ch:      ch,
		hostIP:  opts.HostIP,
		guestIP: opts.GuestIP,
	}, nil
}

// SetOutput installs the frame consumer, typically the virtio-net RX path.
func (s *Stack) SetOutput(fn func(frame []byte) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = fn
}

// DeliverGuestFrame injects one guest-transmitted ethernet frame into the
// stack. Implements the device's frame sink.
func (s *Stack) DeliverGuestFrame(frame []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("netstack: stack closed")
	}
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), frame...)),
	})
	// The ethernet endpoint parses the L2 header itself; the protocol
	// argument is unused.
	s.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// Run pumps stack-emitted frames to the output until ctx is cancelled.
func (s *Stack) Run(ctx context.Context) error {
	for {
		pkt := s.ch.ReadContext(ctx)
		if pkt == nil {
			return ctx.Err()
		}
		frame := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()

		s.mu.Lock()
		output := s.output
		s.mu.Unlock()
		if output == nil {
			continue
		}
		if err := output(frame); err != nil {
			s.log.Debug("outbound frame dropped", "len", len(frame), "error", err)
		}
	}
}

// StartDNS serves A records for the given static name table on UDP port 53
// of the host address.
func (s *Stack) StartDNS(names map[string]net.IP) error {
	hostAddr, err := addrFrom4(s.hostIP)
	if err != nil {
		return err
	}
	conn, gerr := gonet.DialUDP(s.st, &tcpip.FullAddress{
		NIC:  nicID,
		Addr: hostAddr,
		Port: 53,
	}, nil, ipv4.ProtocolNumber)
	if gerr != nil {
		return fmt.Errorf("netstack: bind DNS socket: %w", gerr)
	}
	s.dns = newDNSServer(s.log, names, conn)
	s.dns.start()
	return nil
}

// DialTCP opens a TCP connection through the stack, for host-side services
// that reach into the guest network.
func (s *Stack) DialTCP(ctx context.Context, ip net.IP, port uint16) (net.Conn, error) {
	addr, err := addrFrom4(ip)
	if err != nil {
		return nil, err
	}
	return gonet.DialContextTCP(ctx, s.st, tcpip.FullAddress{
		NIC:  nicID,
		Addr: addr,
		Port: port,
	}, ipv4.ProtocolNumber)
}

// ListenTCP listens on the host address, visible to the guest.
func (s *Stack) ListenTCP(port uint16) (net.Listener, error) {
	hostAddr, err := addrFrom4(s.hostIP)
	if err != nil {
		return nil, err
	}
	return gonet.ListenTCP(s.st, tcpip.FullAddress{
		NIC:  nicID,
		Addr: hostAddr,
		Port: port,
	}, ipv4.ProtocolNumber)
}

// Close shuts the stack down. Outstanding gonet connections are reset.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.dns != nil {
		s.dns.stop()
		s.dns = nil
	}
	s.ch.Close()
	s.st.Destroy()
	return nil
}
