//go:build !linux

package tundev

import "github.com/proxygate/tun2proxy/internal/xerrors"

// Open is unimplemented on platforms other than Linux; the engine's
// reactor integration (spec §4.5) assumes a raw epoll-pollable fd, which
// this module only knows how to obtain via /dev/net/tun + netlink.
func Open(Options) (TUN, error) {
	return nil, xerrors.New("tun device is not supported on this platform").OfKind(xerrors.KindConfigInvalid)
}
