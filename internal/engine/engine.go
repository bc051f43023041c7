// Package engine is the TunToProxy core of spec §4.5: it owns the TUN
// handle, the single-threaded reactor, the embedded TCP/IP stack, the flow
// table and token index, the write-wait set, and the optional virtual DNS
// resolver, and drives all of it from one goroutine. Grounded on the
// lifecycle/logging style of the teacher's proxy/tun/handler.go, generalized
// from xray's dispatcher-goroutine-per-connection model to the spec's
// reactor-driven, single-goroutine ownership model.
package engine

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/proxygate/tun2proxy/internal/connection"
	"github.com/proxygate/tun2proxy/internal/manager"
	"github.com/proxygate/tun2proxy/internal/rawsocket"
	"github.com/proxygate/tun2proxy/internal/reactor"
	"github.com/proxygate/tun2proxy/internal/tundev"
	"github.com/proxygate/tun2proxy/internal/vdns"
	"github.com/proxygate/tun2proxy/internal/vnet"
	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// Config configures a new Engine.
type Config struct {
	TUN      tundev.TUN
	MTU      uint32
	Registry *manager.Registry
	// VDNS is optional; nil means no synthesized DNS responses (SUPPLEMENTED
	// FEATURES item 2).
	VDNS *vdns.Resolver

	// NewConnBacklog sizes the embedded stack's completed-handshake channel.
	NewConnBacklog int
}

// Engine is spec §4.5's single-threaded reactor-driven gateway.
type Engine struct {
	tun      tundev.TUN
	reactor  *reactor.Reactor
	device   *vnet.Device
	ipStack  *vnet.Stack
	vdns     *vdns.Resolver
	registry *manager.Registry
	tokens   *reactor.TokenAllocator

	flows       map[connection.Connection]*connectionState
	tokenIndex  map[reactor.Token]*connectionState
	pendingByID map[stack.TransportEndpointID]*connectionState

	writeWaitSet map[reactor.Token]struct{}

	tunReadBuf [65535]byte
}

// New wires a TUN device, the embedded stack, the reactor and the manager
// registry into a runnable Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, xerrors.New("engine: Registry is required").OfKind(xerrors.KindConfigInvalid)
	}
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = 1500
	}

	device := vnet.NewDevice(mtu)
	ipStack, err := vnet.NewStack(device, backlogOrDefault(cfg.NewConnBacklog))
	if err != nil {
		return nil, err
	}

	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	if err := r.Register(reactor.TunToken, cfg.TUN.FD(), reactor.Interest{Readable: true}); err != nil {
		_ = r.Close()
		return nil, err
	}

	return &Engine{
		tun:          cfg.TUN,
		reactor:      r,
		device:       device,
		ipStack:      ipStack,
		vdns:         cfg.VDNS,
		registry:     cfg.Registry,
		tokens:       reactor.NewTokenAllocator(),
		flows:        make(map[connection.Connection]*connectionState),
		tokenIndex:   make(map[reactor.Token]*connectionState),
		pendingByID:  make(map[stack.TransportEndpointID]*connectionState),
		writeWaitSet: make(map[reactor.Token]struct{}),
	}, nil
}

func backlogOrDefault(n int) int {
	if n <= 0 {
		return 128
	}
	return n
}

// Shutdown requests a clean exit of Run (spec §4.5.9). Safe to call from
// any goroutine.
func (e *Engine) Shutdown() error {
	return e.reactor.Shutdown()
}

// Close releases all resources. Call after Run returns.
func (e *Engine) Close() {
	for token := range e.tokenIndex {
		e.removeFlow(token)
	}
	e.ipStack.Close()
	_ = e.tun.Close()
	_ = e.reactor.Close()
}

// flushEmbeddedStack implements expect_smoltcp_send (spec §4.5.2): advance
// the embedded stack, then drain and transmit every frame it produced.
func (e *Engine) flushEmbeddedStack() {
	e.device.Poll()
	for {
		frame, ok := e.device.Exfiltrate()
		if !ok {
			return
		}
		if _, err := rawsocket.Write(e.tun.FD(), frame); err != nil {
			xerrors.LogDebug("engine: write frame to tun: ", err)
		}
	}
}

// endpointID builds the stack.TransportEndpointID a forwarder-completed
// handshake will report for the given raw (pre virtual-DNS) connection: the
// embedded stack's NIC owns every destination address via spoofing/
// promiscuous mode, so from its perspective "local" is the guest's original
// destination and "remote" is the guest itself.
func endpointID(conn connection.Connection) stack.TransportEndpointID {
	return stack.TransportEndpointID{
		LocalPort:     conn.Destination.Port,
		LocalAddress:  tcpip.AddrFromSlice(conn.Destination.IP.AsSlice()),
		RemotePort:    conn.Source.Port(),
		RemoteAddress: tcpip.AddrFromSlice(conn.Source.Addr().AsSlice()),
	}
}
