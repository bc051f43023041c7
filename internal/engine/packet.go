package engine

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/proxygate/tun2proxy/internal/connection"
)

// parsedPacket is the 5-tuple and framing detail TUN ingress needs (spec
// §4.5.1 item 1), extracted with gvisor's own header package rather than a
// hand-rolled binary layout: the embedded stack already depends on it for
// wire parsing, so reusing it here keeps one source of truth for IPv4/IPv6
// framing instead of a second, parallel implementation.
type parsedPacket struct {
	conn      connection.Connection
	synNoAck  bool
	isTCP     bool
	isUDP     bool
	transport []byte // transport-layer bytes (header+payload)
}

// parseIngress parses frame as IPv4 then IPv6. It returns ok=false for
// anything that isn't a well-formed, non-fragmented TCP or UDP datagram;
// spec §4.5.1 says such frames are dropped silently.
func parseIngress(frame []byte) (parsedPacket, bool) {
	if len(frame) == 0 {
		return parsedPacket{}, false
	}
	switch frame[0] >> 4 {
	case 4:
		return parseIPv4(frame)
	case 6:
		return parseIPv6(frame)
	default:
		return parsedPacket{}, false
	}
}

func parseIPv4(frame []byte) (parsedPacket, bool) {
	if len(frame) < header.IPv4MinimumSize {
		return parsedPacket{}, false
	}
	ip := header.IPv4(frame)
	if !ip.IsValid(len(frame)) {
		return parsedPacket{}, false
	}
	// SUPPLEMENTED FEATURES item 1: drop fragments explicitly rather than
	// mis-parsing a partial datagram as a full one.
	if ip.FragmentOffset() != 0 || ip.Flags()&header.IPv4FlagMoreFragments != 0 {
		return parsedPacket{}, false
	}
	srcAddr, ok1 := netip.AddrFromSlice(ip.SourceAddress().AsSlice())
	dstAddr, ok2 := netip.AddrFromSlice(ip.DestinationAddress().AsSlice())
	if !ok1 || !ok2 {
		return parsedPacket{}, false
	}
	return parseTransport(ip.TransportProtocol(), ip.Payload(), srcAddr, dstAddr)
}

func parseIPv6(frame []byte) (parsedPacket, bool) {
	if len(frame) < header.IPv6MinimumSize {
		return parsedPacket{}, false
	}
	ip := header.IPv6(frame)
	srcAddr, ok1 := netip.AddrFromSlice(ip.SourceAddress().AsSlice())
	dstAddr, ok2 := netip.AddrFromSlice(ip.DestinationAddress().AsSlice())
	if !ok1 || !ok2 {
		return parsedPacket{}, false
	}
	// Open Question Decisions (SPEC_FULL.md): IPv6 extension headers are not
	// walked; only frames whose next-header is directly TCP/UDP are handled.
	return parseTransport(ip.TransportProtocol(), ip.Payload(), srcAddr, dstAddr)
}

func parseTransport(proto header.IPProtocolNumber, payload []byte, srcAddr, dstAddr netip.Addr) (parsedPacket, bool) {
	switch proto {
	case header.TCPProtocolNumber:
		if len(payload) < header.TCPMinimumSize {
			return parsedPacket{}, false
		}
		tcp := header.TCP(payload)
		flags := tcp.Flags()
		synNoAck := flags&header.TCPFlagSyn != 0 && flags&header.TCPFlagAck == 0
		return parsedPacket{
			conn: connection.Connection{
				Source:      netip.AddrPortFrom(srcAddr, tcp.SourcePort()),
				Destination: connection.Destination{IP: dstAddr, Port: tcp.DestinationPort()},
				Network:     connection.TCP,
			},
			synNoAck:  synNoAck,
			isTCP:     true,
			transport: payload,
		}, true
	case header.UDPProtocolNumber:
		if len(payload) < header.UDPMinimumSize {
			return parsedPacket{}, false
		}
		udp := header.UDP(payload)
		return parsedPacket{
			conn: connection.Connection{
				Source:      netip.AddrPortFrom(srcAddr, udp.SourcePort()),
				Destination: connection.Destination{IP: dstAddr, Port: udp.DestinationPort()},
				Network:     connection.UDP,
			},
			isUDP:     true,
			transport: payload,
		}, true
	default:
		return parsedPacket{}, false
	}
}
