//go:build linux

package routesetup

import (
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// Apply adds a default route through opts.LinkName and, if opts.ProxyServer
// is set, a bypass host route to it through the current default gateway
// (captured before the new default route is installed, so the bypass route
// does not itself loop through the tun device).
func Apply(opts Options) error {
	link, err := netlink.LinkByName(opts.LinkName)
	if err != nil {
		return xerrors.New("routesetup: look up tun link").Base(err).OfKind(xerrors.KindConfigInvalid)
	}

	if opts.ProxyServer.IsValid() {
		gw, err := currentDefaultGateway()
		if err != nil {
			return err
		}
		bypassRoute := &netlink.Route{
			Dst: hostPrefix(opts.ProxyServer),
			Gw:  gw,
		}
		if err := netlink.RouteAdd(bypassRoute); err != nil {
			return xerrors.New("routesetup: add proxy bypass route").Base(err).OfKind(xerrors.KindConfigInvalid)
		}
	}

	defaultRoute := &netlink.Route{
		LinkIndex: link.Attrs().Index,
		Dst:       nil, // default route
	}
	if err := netlink.RouteAdd(defaultRoute); err != nil {
		return xerrors.New("routesetup: add default route through tun").Base(err).OfKind(xerrors.KindConfigInvalid)
	}
	return nil
}

// Teardown removes the routes Apply added. Errors are best-effort: a route
// that is already gone is not a failure.
func Teardown(opts Options) {
	link, err := netlink.LinkByName(opts.LinkName)
	if err != nil {
		return
	}
	_ = netlink.RouteDel(&netlink.Route{LinkIndex: link.Attrs().Index, Dst: nil})
	if opts.ProxyServer.IsValid() {
		_ = netlink.RouteDel(&netlink.Route{Dst: hostPrefix(opts.ProxyServer)})
	}
}

func currentDefaultGateway() (net.IP, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return nil, xerrors.New("routesetup: list routes").Base(err).OfKind(xerrors.KindConfigInvalid)
	}
	for _, r := range routes {
		if r.Dst == nil && r.Gw != nil {
			return r.Gw, nil
		}
	}
	return nil, xerrors.New("routesetup: no existing default gateway found").OfKind(xerrors.KindConfigInvalid)
}

func hostPrefix(addr netip.Addr) *net.IPNet {
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(bits, bits)}
}
