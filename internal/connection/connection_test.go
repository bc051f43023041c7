package connection

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

func TestDestinationSocketAddrIP(t *testing.T) {
	d := Destination{IP: netip.MustParseAddr("93.184.216.34"), Port: 443}
	addr, err := d.SocketAddr()
	require.NoError(t, err)
	require.Equal(t, netip.AddrPortFrom(d.IP, 443), addr)
}

func TestDestinationSocketAddrHostnameFails(t *testing.T) {
	d := Destination{Hostname: "example.com", IsHostname: true, Port: 443}
	_, err := d.SocketAddr()
	require.Error(t, err)

	var xe *xerrors.Error
	require.ErrorAs(t, err, &xe)
	require.Equal(t, xerrors.KindUnresolvedHostname, xe.Kind())
}

func TestConnectionEqual(t *testing.T) {
	a := Connection{
		Source:      netip.MustParseAddrPort("10.0.0.2:5555"),
		Destination: Destination{IP: netip.MustParseAddr("93.184.216.34"), Port: 443},
		Network:     TCP,
	}
	b := a
	require.True(t, Equal(a, b))

	b.Destination.Port = 444
	require.False(t, Equal(a, b))
}

func TestConnectionEqualDistinguishesHostnameVsIP(t *testing.T) {
	a := Connection{
		Source:      netip.MustParseAddrPort("10.0.0.2:5555"),
		Destination: Destination{IP: netip.MustParseAddr("93.184.216.34"), Port: 443},
		Network:     TCP,
	}
	b := a
	b.Destination = Destination{Hostname: "example.com", IsHostname: true, Port: 443}
	require.False(t, Equal(a, b))
}

func TestNetworkString(t *testing.T) {
	require.Equal(t, "tcp", TCP.String())
	require.Equal(t, "udp", UDP.String())
}
