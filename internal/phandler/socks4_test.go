package phandler

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSOCKS4ConnectByIP(t *testing.T) {
	h := NewSOCKS4Handler(Target{IP: netip.MustParseAddr("93.184.216.34"), Port: 80}, "")
	req := h.PeekData(ToServer)
	require.Equal(t, byte(socks4Version), req[0])
	require.Equal(t, byte(socks4CmdConnect), req[1])
	require.Equal(t, []byte{93, 184, 216, 34}, req[4:8])
	h.ConsumeData(ToServer, len(req))

	require.NoError(t, h.PushData(FromServer, []byte{0x00, socks4ReplyGranted, 0, 0, 0, 0, 0, 0}))
	require.True(t, h.ConnectionEstablished())
}

func TestSOCKS4aConnectByHostname(t *testing.T) {
	h := NewSOCKS4Handler(hostnameTarget("example.com", 443), "gateway")
	req := h.PeekData(ToServer)
	require.Equal(t, []byte{0, 0, 0, 1}, req[4:8])
	require.Contains(t, string(req), "gateway")
	require.Contains(t, string(req), "example.com")
}

func TestSOCKS4RefusedIsError(t *testing.T) {
	h := NewSOCKS4Handler(Target{IP: netip.MustParseAddr("1.2.3.4"), Port: 22}, "")
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	err := h.PushData(FromServer, []byte{0x00, 0x5B, 0, 0, 0, 0, 0, 0})
	require.Error(t, err)
	require.False(t, h.ConnectionEstablished())
}

func TestSOCKS4SplitReply(t *testing.T) {
	h := NewSOCKS4Handler(Target{IP: netip.MustParseAddr("1.2.3.4"), Port: 22}, "")
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	require.NoError(t, h.PushData(FromServer, []byte{0x00, socks4ReplyGranted, 0, 0}))
	require.False(t, h.ConnectionEstablished())
	require.NoError(t, h.PushData(FromServer, []byte{0, 0, 0, 0}))
	require.True(t, h.ConnectionEstablished())
}
