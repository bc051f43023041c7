//go:build !linux

package routesetup

import "github.com/proxygate/tun2proxy/internal/xerrors"

// Apply is unimplemented on platforms other than Linux.
func Apply(Options) error {
	return xerrors.New("routesetup: --setup auto is not supported on this platform").OfKind(xerrors.KindConfigInvalid)
}

// Teardown is a no-op on platforms other than Linux.
func Teardown(Options) {}
