package manager

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxygate/tun2proxy/internal/connection"
	"github.com/proxygate/tun2proxy/internal/phandler"
)

func tcpConn(port uint16) connection.Connection {
	return connection.Connection{
		Source:      netip.MustParseAddrPort("10.0.0.2:5555"),
		Destination: connection.Destination{IP: netip.MustParseAddr("93.184.216.34"), Port: port},
		Network:     connection.TCP,
	}
}

func TestRegistryFirstMatchWins(t *testing.T) {
	a := NewProxyManager(ProxyKindSOCKS5, connection.Destination{}, nil, "")
	b := NewProxyManager(ProxyKindHTTPConnect, connection.Destination{}, nil, "")
	reg := NewRegistry(a, b)

	claimed := reg.Claim(tcpConn(443))
	require.Same(t, Manager(a), claimed)
}

func TestRegistryNoMatchReturnsNil(t *testing.T) {
	reg := NewRegistry()
	require.Nil(t, reg.Claim(tcpConn(443)))
}

func TestProxyManagerDeclinesUDP(t *testing.T) {
	m := NewProxyManager(ProxyKindSOCKS5, connection.Destination{}, nil, "")
	conn := tcpConn(53)
	conn.Network = connection.UDP
	require.False(t, m.HandlesConnection(conn))
}

func TestProxyManagerMintsConfiguredHandlerKind(t *testing.T) {
	creds := &phandler.Credentials{Username: "u", Password: "p"}
	m := NewProxyManager(ProxyKindSOCKS5, connection.Destination{}, creds, "")
	h, err := m.NewConnection(tcpConn(443))
	require.NoError(t, err)
	_, ok := h.(*phandler.SOCKS5Handler)
	require.True(t, ok)
	require.Equal(t, creds, m.GetCredentials())
}
