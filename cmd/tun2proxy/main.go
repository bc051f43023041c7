// Command tun2proxy is the CLI surface of spec §6: an external collaborator
// around internal/engine, wiring together a TUN device, a single upstream
// proxy manager and an optional virtual DNS resolver. Grounded on the flag
// surface shape of telepresenceio/telepresence's pflag-based CLIs, since the
// teacher itself builds its CLI on cobra/viper rather than a flat flag set
// matching this spec's simpler single-binary shape.
package main

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/proxygate/tun2proxy/internal/connection"
	"github.com/proxygate/tun2proxy/internal/engine"
	"github.com/proxygate/tun2proxy/internal/manager"
	"github.com/proxygate/tun2proxy/internal/phandler"
	"github.com/proxygate/tun2proxy/internal/routesetup"
	"github.com/proxygate/tun2proxy/internal/tundev"
	"github.com/proxygate/tun2proxy/internal/vdns"
	"github.com/proxygate/tun2proxy/internal/xerrors"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("tun2proxy", flag.ContinueOnError)
	tunName := fs.String("tun", "tun0", "tun interface name")
	proxyURL := fs.String("proxy", "", "upstream proxy URL: scheme://[user[:pass]@]host:port, scheme one of socks4, socks5, http")
	dnsMode := fs.String("dns", "virtual", "DNS handling mode: virtual or none")
	setupMode := fs.String("setup", "", "host routing setup: auto, or empty to skip")
	mtu := fs.Uint32("mtu", 1500, "MTU for the tun device and embedded stack")
	dnsCIDRv4 := fs.String("dns-cidr-v4", "198.18.0.0/15", "private IPv4 CIDR the virtual DNS pool draws from")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *proxyURL == "" {
		fmt.Fprintln(os.Stderr, "tun2proxy: --proxy is required")
		return 1
	}

	mgr, err := buildManager(*proxyURL)
	if err != nil {
		xerrors.LogError(err)
		return 1
	}

	var resolver *vdns.Resolver
	if *dnsMode == "virtual" {
		prefix, err := netip.ParsePrefix(*dnsCIDRv4)
		if err != nil {
			xerrors.LogError(xerrors.New("invalid --dns-cidr-v4").Base(err).OfKind(xerrors.KindConfigInvalid))
			return 1
		}
		resolver, err = vdns.NewResolver(vdns.Config{IPv4: prefix})
		if err != nil {
			xerrors.LogError(err)
			return 1
		}
	} else if *dnsMode != "none" {
		xerrors.LogError(xerrors.New("--dns must be 'virtual' or 'none'").OfKind(xerrors.KindConfigInvalid))
		return 1
	}

	tun, err := tundev.Open(tundev.Options{Name: *tunName, MTU: *mtu})
	if err != nil {
		xerrors.LogError(err)
		return 1
	}
	if err := tun.Up(); err != nil {
		xerrors.LogError(err)
		return 1
	}

	e, err := engine.New(engine.Config{
		TUN:      tun,
		MTU:      *mtu,
		Registry: manager.NewRegistry(mgr),
		VDNS:     resolver,
	})
	if err != nil {
		xerrors.LogError(err)
		return 1
	}
	defer e.Close()

	if *setupMode == "auto" {
		server, err := mgr.GetServer().SocketAddr()
		opts := routesetup.Options{LinkName: *tunName}
		if err == nil {
			opts.ProxyServer = server.Addr()
		}
		if err := routesetup.Apply(opts); err != nil {
			xerrors.LogError(err)
			return 1
		}
		defer routesetup.Teardown(opts)
	}

	if err := e.Run(); err != nil {
		xerrors.LogError(err)
		return 1
	}
	return 0
}

// buildManager parses --proxy into a single manager.ProxyManager, the only
// connection manager this CLI wires up (spec §4.4 permits several; this
// binary needs just one).
func buildManager(raw string) (*manager.ProxyManager, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, xerrors.New("--proxy must be scheme://[user[:pass]@]host:port").OfKind(xerrors.KindConfigInvalid)
	}

	var kind manager.ProxyKind
	switch scheme {
	case "socks5":
		kind = manager.ProxyKindSOCKS5
	case "socks4":
		kind = manager.ProxyKindSOCKS4
	case "http":
		kind = manager.ProxyKindHTTPConnect
	default:
		return nil, xerrors.New("unknown proxy scheme: " + scheme).OfKind(xerrors.KindConfigInvalid)
	}

	userinfo, hostport := "", rest
	if idx := strings.LastIndex(rest, "@"); idx >= 0 {
		userinfo, hostport = rest[:idx], rest[idx+1:]
	}

	host, portStr, err := splitHostPort(hostport)
	if err != nil {
		return nil, xerrors.New("--proxy host:port").Base(err).OfKind(xerrors.KindConfigInvalid)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, xerrors.New("--proxy port").Base(err).OfKind(xerrors.KindConfigInvalid)
	}

	serverDest := connection.Destination{Port: uint16(port)}
	if addr, err := netip.ParseAddr(host); err == nil {
		serverDest.IP = addr
	} else {
		serverDest.Hostname = host
		serverDest.IsHostname = true
	}

	var creds *phandler.Credentials
	userID := ""
	if userinfo != "" {
		user, pass, hasPass := strings.Cut(userinfo, ":")
		if kind == manager.ProxyKindSOCKS4 {
			userID = user
		} else if hasPass {
			creds = &phandler.Credentials{Username: user, Password: pass}
		} else {
			creds = &phandler.Credentials{Username: user}
		}
	}

	return manager.NewProxyManager(kind, serverDest, creds, userID), nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	idx := strings.LastIndex(hostport, ":")
	if idx < 0 {
		return "", "", xerrors.New("missing port").OfKind(xerrors.KindConfigInvalid)
	}
	return hostport[:idx], hostport[idx+1:], nil
}
