// Package routesetup adds and removes the host routes "--setup auto" needs
// (SPEC_FULL.md SUPPLEMENTED FEATURES item 4): a default route through the
// tun device, plus a bypass route for the upstream proxy's own address so
// traffic to the proxy itself does not loop back through the tun device.
//
// This is explicitly out of the engine's scope (spec §1): the engine never
// imports this package. Grounded on the same vishvananda/netlink dependency
// internal/tundev already uses for interface configuration.
package routesetup

import "net/netip"

// Options configures the routes to add.
type Options struct {
	// LinkName is the tun interface name the default route should use.
	LinkName string
	// ProxyServer is the upstream proxy's address; a host route to it is
	// added via the original default gateway so it bypasses the tun device.
	ProxyServer netip.Addr
}
