package vnet

import (
	"sync"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// NIC is the single network interface identifier used throughout (spec has
// exactly one link: the tun device).
const NIC tcpip.NICID = 1

const (
	tcpReceiveBuffer = 128 * 1024
	tcpSendBuffer    = 128 * 1024
)

// NewConn is delivered once the embedded stack completes a three-way
// handshake for a SYN the engine previously observed on TUN ingress. ID
// mirrors the raw (pre virtual-DNS-substitution) 5-tuple, letting the
// engine correlate it back to the ConnectionState it created synchronously
// when the SYN first arrived (spec §4.5.1 item 3).
type NewConn struct {
	ID     stack.TransportEndpointID
	Socket *Socket
}

// Stack owns the embedded userspace TCP/IP stack (gvisor) bound to one
// Device. Grounded on the teacher's proxy/tun/stack_gvisor.go createStack,
// generalized: the teacher hands completed connections straight to a
// routing dispatcher; here they are handed to a channel the engine's single
// main loop drains on its own schedule, preserving spec §4.5's
// single-threaded ownership of the flow table.
type Stack struct {
	device   *Device
	ipStack  *stack.Stack
	newConns chan NewConn

	mu      sync.Mutex
	started bool
}

// NewStack builds the embedded TCP/IP stack over device. newConnBacklog
// sizes the channel of completed inbound handshakes; the engine must drain
// it promptly (it is read from the same goroutine that calls Poll/Exfiltrate
// so as not to stall handshake completion indefinitely, though gvisor itself
// buffers handshakes independently of this channel).
func NewStack(device *Device, newConnBacklog int) (*Stack, error) {
	opts := stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
		HandleLocal:        false,
	}
	ipStack := stack.New(opts)

	if err := ipStack.CreateNIC(NIC, device); err != nil {
		return nil, xerrors.New("create NIC: " + err.String()).OfKind(xerrors.KindEmbeddedStack)
	}
	ipStack.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: NIC},
		{Destination: header.IPv6EmptySubnet, NIC: NIC},
	})
	if err := ipStack.SetSpoofing(NIC, true); err != nil {
		return nil, xerrors.New("set spoofing: " + err.String()).OfKind(xerrors.KindEmbeddedStack)
	}
	if err := ipStack.SetPromiscuousMode(NIC, true); err != nil {
		return nil, xerrors.New("set promiscuous: " + err.String()).OfKind(xerrors.KindEmbeddedStack)
	}

	s := &Stack{
		device:   device,
		ipStack:  ipStack,
		newConns: make(chan NewConn, newConnBacklog),
	}

	forwarder := tcp.NewForwarder(ipStack, 0, 65535, s.handleForward)
	ipStack.SetTransportProtocolHandler(tcp.ProtocolNumber, forwarder.HandlePacket)

	return s, nil
}

// handleForward completes the three-way handshake for one inbound SYN and
// publishes the resulting Socket. Runs on its own goroutine per gvisor's own
// tcp.Forwarder contract (grounded on stack_gvisor.go); it never touches
// engine state directly, only the newConns channel.
func (s *Stack) handleForward(r *tcp.ForwarderRequest) {
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		r.Complete(true)
		return
	}

	opts := ep.SocketOptions()
	opts.SetDelayOption(false) // no ACK delay, spec §4.5.1
	opts.SetKeepAlive(false)

	if err := ep.SetSockOptInt(tcpip.ReceiveBufferSizeOption, tcpReceiveBuffer); err != nil {
		xerrors.LogDebug("embedded stack: set receive buffer: ", err)
	}
	if err := ep.SetSockOptInt(tcpip.SendBufferSizeOption, tcpSendBuffer); err != nil {
		xerrors.LogDebug("embedded stack: set send buffer: ", err)
	}

	socket := newSocket(ep, &wq)
	r.Complete(false)

	select {
	case s.newConns <- NewConn{ID: r.ID(), Socket: socket}:
	default:
		xerrors.LogWarning("embedded stack: new-connection backlog full, dropping handshake for ", r.ID())
		socket.Close()
	}
}

// NewConns is the channel the engine's main loop drains for completed
// inbound handshakes.
func (s *Stack) NewConns() <-chan NewConn { return s.newConns }

// NewUDPEndpoint creates a transient UDP endpoint bound to localAddr, used
// to send one synthesized DNS reply back out (spec §4.5.1 item 4).
func (s *Stack) NewUDPEndpoint(localAddr tcpip.FullAddress, proto tcpip.NetworkProtocolNumber) (tcpip.Endpoint, error) {
	var wq waiter.Queue
	ep, err := s.ipStack.NewEndpoint(udp.ProtocolNumber, proto, &wq)
	if err != nil {
		return nil, xerrors.New("create UDP endpoint: " + err.String()).OfKind(xerrors.KindEmbeddedStack)
	}
	if err := ep.Bind(localAddr); err != nil {
		ep.Close()
		return nil, xerrors.New("bind UDP endpoint: " + err.String()).OfKind(xerrors.KindEmbeddedStack)
	}
	return ep, nil
}

// Close tears the embedded stack down.
func (s *Stack) Close() {
	s.device.Attach(nil)
	s.ipStack.Close()
	for _, ep := range s.ipStack.CleanupEndpoints() {
		ep.Abort()
	}
}
