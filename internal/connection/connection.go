// Package connection defines the flow key (spec §3 "Connection"): a 5-tuple
// plus a hostname-or-IP destination discriminant. Modeled on the teacher's
// common/net Destination/Address split, trimmed to what this gateway needs.
package connection

import (
	"fmt"
	"net/netip"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// Network is the transport protocol of a Connection.
type Network uint8

const (
	TCP Network = iota
	UDP
)

func (n Network) String() string {
	if n == UDP {
		return "udp"
	}
	return "tcp"
}

// Destination is either a literal IP address or a hostname. Exactly one of
// the two fields is meaningful, selected by IsHostname.
type Destination struct {
	IP         netip.Addr
	Hostname   string
	IsHostname bool
	Port       uint16
}

// SocketAddr converts the destination to a netip.AddrPort. A hostname
// destination cannot be converted without prior resolution (spec §3).
func (d Destination) SocketAddr() (netip.AddrPort, error) {
	if d.IsHostname {
		return netip.AddrPort{}, xerrors.New("cannot convert hostname destination to socket address: " + d.Hostname).OfKind(xerrors.KindUnresolvedHostname)
	}
	return netip.AddrPortFrom(d.IP, d.Port), nil
}

func (d Destination) String() string {
	if d.IsHostname {
		return fmt.Sprintf("%s:%d", d.Hostname, d.Port)
	}
	return fmt.Sprintf("%s:%d", d.IP, d.Port)
}

// Connection is the canonical flow key: source socket address (the guest
// app's ephemeral addr:port as seen on TUN), a destination, and a transport.
// Two Connections are equal iff all three attributes match.
type Connection struct {
	Source      netip.AddrPort
	Destination Destination
	Network     Network
}

func (c Connection) String() string {
	return fmt.Sprintf("%s %s -> %s", c.Network, c.Source, c.Destination)
}

// Key is a hashable, comparable projection of Connection suitable for use as
// a map key (netip.Addr and netip.AddrPort are themselves comparable, but
// Destination carries a string field so the whole struct is kept simple and
// comparable by construction: no slices, no pointers).
type Key = Connection

// Equal reports whether two connections are equal per spec §3: same source,
// same destination (hostname or IP), same transport.
func Equal(a, b Connection) bool {
	return a.Network == b.Network &&
		a.Source == b.Source &&
		a.Destination.Port == b.Destination.Port &&
		a.Destination.IsHostname == b.Destination.IsHostname &&
		a.Destination.Hostname == b.Destination.Hostname &&
		a.Destination.IP == b.Destination.IP
}
