package engine

import (
	"bytes"
	"strings"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"

	"github.com/proxygate/tun2proxy/internal/connection"
	"github.com/proxygate/tun2proxy/internal/phandler"
	"github.com/proxygate/tun2proxy/internal/rawsocket"
	"github.com/proxygate/tun2proxy/internal/reactor"
	"github.com/proxygate/tun2proxy/internal/xerrors"
)

const dnsPort = 53

// handleTUNReadable drains every pending frame on the TUN fd (spec §4.5.8:
// "TUN (drain all pending frames)").
func (e *Engine) handleTUNReadable() {
	for {
		n, err := rawsocket.Read(e.tun.FD(), e.tunReadBuf[:])
		if err != nil {
			if err == rawsocket.ErrWouldBlock {
				return
			}
			xerrors.LogWarning("engine: read from tun: ", err)
			return
		}
		if n == 0 {
			return
		}
		frame := make([]byte, n)
		copy(frame, e.tunReadBuf[:n])
		e.handleIngressFrame(frame)
	}
}

// handleIngressFrame implements spec §4.5.1.
func (e *Engine) handleIngressFrame(frame []byte) {
	pkt, ok := parseIngress(frame)
	if !ok {
		return
	}

	resolved := pkt.conn.Destination
	if e.vdns != nil && e.vdns.Contains(pkt.conn.Destination.IP) {
		e.vdns.TouchIP(pkt.conn.Destination.IP)
		if name, ok := e.vdns.ResolveIP(pkt.conn.Destination.IP); ok {
			resolved = connection.Destination{Hostname: strings.TrimSuffix(name, "."), IsHostname: true, Port: pkt.conn.Destination.Port}
		}
	}
	resolvedConn := pkt.conn
	resolvedConn.Destination = resolved

	switch {
	case pkt.isTCP:
		e.handleTCPIngress(pkt, resolvedConn, frame)
	case pkt.isUDP && pkt.conn.Destination.Port == dnsPort:
		e.handleDNSIngress(pkt)
	default:
		// all other UDP is ignored, spec §4.5.1 item 4
	}
}

func (e *Engine) handleTCPIngress(pkt parsedPacket, resolvedConn connection.Connection, frame []byte) {
	state, known := e.flows[pkt.conn]

	if !known {
		if !pkt.synNoAck {
			return // not new, not known: drop
		}
		mgr := e.registry.Claim(resolvedConn)
		if mgr == nil {
			return
		}
		handler, err := mgr.NewConnection(resolvedConn)
		if err != nil || handler == nil {
			return
		}
		server, err := mgr.GetServer().SocketAddr()
		if err != nil {
			xerrors.LogWarning("engine: manager server address: ", err)
			return
		}
		fd, connected, err := rawsocket.Dial(server)
		if err != nil {
			xerrors.LogWarning("engine: dial upstream proxy: ", err)
			return
		}
		token := e.tokens.Next()
		state = newConnectionState(pkt.conn, resolvedConn.Destination, handler, mgr, token, fd)
		state.proxyConnected = connected
		e.flows[pkt.conn] = state
		e.tokenIndex[token] = state
		e.pendingByID[endpointID(pkt.conn)] = state

		interest := reactor.Interest{Readable: connected}
		if !connected {
			interest.Writable = true
			state.waitingWritable = true
		}
		if err := e.reactor.Register(token, fd, interest); err != nil {
			xerrors.LogWarning("engine: register proxy fd: ", err)
		}
		xerrors.LogInfo("engine: new flow ", pkt.conn, " -> ", resolvedConn.Destination)
	}

	e.device.Inject(frame)
	e.flushEmbeddedStack()
	e.drainNewConns()

	if state.socket != nil {
		data, closed, err := state.socket.Read(65535)
		if err != nil {
			xerrors.LogDebug("engine: read embedded socket: ", err)
		}
		if len(data) > 0 {
			if err := state.handler.PushData(phandler.FromClient, data); err != nil {
				e.hardCloseFlow(state, err)
				return
			}
		}
		if closed {
			state.clientWriteClosed = true
			e.reevaluateCloseState(state)
		}
		e.writeToServer(state)
	}
}

// drainNewConns correlates completed embedded handshakes (delivered
// asynchronously by the forwarder goroutine, spec §4.5.1 item 3) with the
// pending connectionState created synchronously when the SYN was observed.
func (e *Engine) drainNewConns() {
	for {
		select {
		case nc, ok := <-e.ipStack.NewConns():
			if !ok {
				return
			}
			state, known := e.pendingByID[nc.ID]
			if !known {
				nc.Socket.Close()
				continue
			}
			delete(e.pendingByID, nc.ID)
			state.socket = nc.Socket
		default:
			return
		}
	}
}

func (e *Engine) handleDNSIngress(pkt parsedPacket) {
	if e.vdns == nil {
		return
	}
	payload := pkt.transport[header.UDPMinimumSize:]
	reply := e.vdns.ReceiveQuery(payload)
	if reply == nil {
		return
	}

	local := tcpip.FullAddress{Addr: tcpip.AddrFromSlice(pkt.conn.Destination.IP.AsSlice()), Port: pkt.conn.Destination.Port}
	proto := tcpip.NetworkProtocolNumber(ipv4.ProtocolNumber)
	if pkt.conn.Destination.IP.Is6() {
		proto = ipv6.ProtocolNumber
	}
	ep, err := e.ipStack.NewUDPEndpoint(local, proto)
	if err != nil {
		xerrors.LogDebug("engine: dns reply UDP endpoint: ", err)
		return
	}
	defer ep.Close()

	remote := tcpip.FullAddress{Addr: tcpip.AddrFromSlice(pkt.conn.Source.Addr().AsSlice()), Port: pkt.conn.Source.Port()}
	if err := ep.Connect(remote); err != nil {
		xerrors.LogDebug("engine: dns reply connect: ", err)
		return
	}
	if _, err := ep.Write(bytes.NewReader(reply), tcpip.WriteOptions{}); err != nil {
		xerrors.LogDebug("engine: dns reply write: ", err)
	}

	e.flushEmbeddedStack()
}
