package phandler

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func hostnameTarget(name string, port uint16) Target {
	return Target{Hostname: name, IsHostname: true, Port: port}
}

func TestSOCKS5NoAuthHandshake(t *testing.T) {
	h := NewSOCKS5Handler(hostnameTarget("example.com", 443), nil)

	greeting := h.PeekData(ToServer)
	require.Equal(t, []byte{socks5Version, 1, socks5MethodNoAuth}, greeting)
	h.ConsumeData(ToServer, len(greeting))
	require.False(t, h.HaveData(ToServer))

	require.NoError(t, h.PushData(FromServer, []byte{socks5Version, socks5MethodNoAuth}))

	connectReq := h.PeekData(ToServer)
	require.Equal(t, byte(socks5AtypDomain), connectReq[3])
	require.Equal(t, len("example.com"), int(connectReq[4]))
	h.ConsumeData(ToServer, len(connectReq))
	require.False(t, h.ConnectionEstablished())

	reply := []byte{socks5Version, 0x00, 0x00, socks5AtypIPv4, 1, 2, 3, 4, 0x01, 0xBB}
	require.NoError(t, h.PushData(FromServer, reply))
	require.True(t, h.ConnectionEstablished())
}

func TestSOCKS5HandshakeSplitAcrossChunks(t *testing.T) {
	h := NewSOCKS5Handler(hostnameTarget("example.com", 443), nil)
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))

	// Deliver the 2-byte greeting reply one byte at a time.
	require.NoError(t, h.PushData(FromServer, []byte{socks5Version}))
	require.False(t, h.HaveData(ToServer))
	require.NoError(t, h.PushData(FromServer, []byte{socks5MethodNoAuth}))
	require.True(t, h.HaveData(ToServer))
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))

	reply := []byte{socks5Version, 0x00, 0x00, socks5AtypIPv4, 1, 2, 3, 4, 0x01, 0xBB}
	require.NoError(t, h.PushData(FromServer, reply[:3]))
	require.False(t, h.ConnectionEstablished())
	require.NoError(t, h.PushData(FromServer, reply[3:]))
	require.True(t, h.ConnectionEstablished())
}

func TestSOCKS5UserPassHandshake(t *testing.T) {
	creds := &Credentials{Username: "alice", Password: "hunter2"}
	h := NewSOCKS5Handler(hostnameTarget("example.com", 80), creds)

	greeting := h.PeekData(ToServer)
	require.Equal(t, []byte{socks5Version, 2, socks5MethodUserPass, socks5MethodNoAuth}, greeting)
	h.ConsumeData(ToServer, len(greeting))

	require.NoError(t, h.PushData(FromServer, []byte{socks5Version, socks5MethodUserPass}))

	authReq := h.PeekData(ToServer)
	require.Equal(t, byte(socks5AuthVersion), authReq[0])
	require.Equal(t, byte(len("alice")), authReq[1])
	h.ConsumeData(ToServer, len(authReq))

	require.NoError(t, h.PushData(FromServer, []byte{socks5AuthVersion, 0x00}))
	require.True(t, h.HaveData(ToServer)) // the CONNECT request
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))

	reply := []byte{socks5Version, 0x00, 0x00, socks5AtypIPv4, 1, 2, 3, 4, 0, 80}
	require.NoError(t, h.PushData(FromServer, reply))
	require.True(t, h.ConnectionEstablished())
}

func TestSOCKS5AuthFailureIsHandlerProtocolError(t *testing.T) {
	creds := &Credentials{Username: "alice", Password: "wrong"}
	h := NewSOCKS5Handler(hostnameTarget("example.com", 80), creds)
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	require.NoError(t, h.PushData(FromServer, []byte{socks5Version, socks5MethodUserPass}))
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))

	err := h.PushData(FromServer, []byte{socks5AuthVersion, 0x01})
	require.Error(t, err)
	require.False(t, h.ConnectionEstablished())
}

func TestSOCKS5ConnectRefusedIsError(t *testing.T) {
	h := NewSOCKS5Handler(Target{IP: netip.MustParseAddr("10.0.0.1"), Port: 22}, nil)
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	require.NoError(t, h.PushData(FromServer, []byte{socks5Version, socks5MethodNoAuth}))
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))

	reply := []byte{socks5Version, 0x05, 0x00, socks5AtypIPv4, 0, 0, 0, 0, 0, 0}
	err := h.PushData(FromServer, reply)
	require.Error(t, err)
}

func TestSOCKS5ClientDataBeforeHandshakeIsBufferedNotDropped(t *testing.T) {
	h := NewSOCKS5Handler(hostnameTarget("example.com", 443), nil)
	require.NoError(t, h.PushData(FromClient, []byte("early bytes")))

	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	require.NoError(t, h.PushData(FromServer, []byte{socks5Version, socks5MethodNoAuth}))
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))

	reply := []byte{socks5Version, 0x00, 0x00, socks5AtypIPv4, 1, 2, 3, 4, 0x01, 0xBB}
	require.NoError(t, h.PushData(FromServer, reply))

	require.Equal(t, []byte("early bytes"), h.PeekData(ToServer))
}

func TestSOCKS5PostHandshakePassthrough(t *testing.T) {
	h := NewSOCKS5Handler(hostnameTarget("example.com", 443), nil)
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	require.NoError(t, h.PushData(FromServer, []byte{socks5Version, socks5MethodNoAuth}))
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	reply := []byte{socks5Version, 0x00, 0x00, socks5AtypIPv4, 1, 2, 3, 4, 0x01, 0xBB}

	// Server coalesces the CONNECT reply with the first response bytes.
	require.NoError(t, h.PushData(FromServer, append(append([]byte{}, reply...), []byte("payload")...)))
	require.Equal(t, []byte("payload"), h.PeekData(ToClient))

	require.NoError(t, h.PushData(FromClient, []byte("request")))
	require.Equal(t, []byte("request"), h.PeekData(ToServer))
}
