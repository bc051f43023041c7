package engine

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"github.com/proxygate/tun2proxy/internal/connection"
)

func mustParseAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	require.NoError(t, err)
	return addr
}

func buildIPv4TCP(t *testing.T, srcIP, dstIP string, srcPort, dstPort uint16, flags header.TCPFlags, fragOffset uint16, moreFrags bool) []byte {
	t.Helper()
	const tcpHdrLen = header.TCPMinimumSize
	total := header.IPv4MinimumSize + tcpHdrLen
	buf := make([]byte, total)

	tcpHdr := header.TCP(buf[header.IPv4MinimumSize:])
	tcpHdr.Encode(&header.TCPFields{
		SrcPort:    srcPort,
		DstPort:    dstPort,
		SeqNum:     1,
		AckNum:     0,
		DataOffset: tcpHdrLen,
		Flags:      flags,
		WindowSize: 1024,
	})

	var ipFlags uint8
	if moreFrags {
		ipFlags |= header.IPv4FlagMoreFragments
	}
	ipHdr := header.IPv4(buf)
	ipHdr.Encode(&header.IPv4Fields{
		TotalLength:    uint16(total),
		Protocol:       uint8(header.TCPProtocolNumber),
		TTL:            64,
		SrcAddr:        tcpip.AddrFromSlice(mustParse4(t, srcIP)),
		DstAddr:        tcpip.AddrFromSlice(mustParse4(t, dstIP)),
		Flags:          ipFlags,
		FragmentOffset: fragOffset,
	})
	return buf
}

func mustParse4(t *testing.T, s string) []byte {
	t.Helper()
	addr := mustParseAddr(t, s)
	a4 := addr.As4()
	return a4[:]
}

func TestParseIngressIPv4SYN(t *testing.T) {
	frame := buildIPv4TCP(t, "10.0.0.2", "93.184.216.34", 5555, 443, header.TCPFlagSyn, 0, false)
	pkt, ok := parseIngress(frame)
	require.True(t, ok)
	require.True(t, pkt.isTCP)
	require.True(t, pkt.synNoAck)
	require.Equal(t, connection.TCP, pkt.conn.Network)
	require.Equal(t, uint16(443), pkt.conn.Destination.Port)
}

func TestParseIngressSynAckIsNotNewFlow(t *testing.T) {
	frame := buildIPv4TCP(t, "10.0.0.2", "93.184.216.34", 5555, 443, header.TCPFlagSyn|header.TCPFlagAck, 0, false)
	pkt, ok := parseIngress(frame)
	require.True(t, ok)
	require.False(t, pkt.synNoAck)
}

func TestParseIngressDropsFragments(t *testing.T) {
	frame := buildIPv4TCP(t, "10.0.0.2", "93.184.216.34", 5555, 443, header.TCPFlagAck, 8, false)
	_, ok := parseIngress(frame)
	require.False(t, ok)

	frame2 := buildIPv4TCP(t, "10.0.0.2", "93.184.216.34", 5555, 443, header.TCPFlagAck, 0, true)
	_, ok2 := parseIngress(frame2)
	require.False(t, ok2)
}

func TestParseIngressRejectsMalformed(t *testing.T) {
	_, ok := parseIngress([]byte{0x45, 0x00})
	require.False(t, ok)
	_, ok2 := parseIngress(nil)
	require.False(t, ok2)
}
