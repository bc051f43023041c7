//go:build linux

package tundev

import (
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// linuxTUN opens /dev/net/tun directly and configures the resulting
// interface through netlink, exactly as the teacher's
// proxy/tun/tun_linux.go does; trimmed of the gvisor fdbased wiring, since
// this module drives the fd through its own reactor instead (spec §4.5).
type linuxTUN struct {
	fd   int
	link netlink.Link
	opts Options
}

var _ TUN = (*linuxTUN)(nil)

// Open creates (or adopts, if opts.FD is set) a TUN device and configures
// its MTU.
func Open(opts Options) (TUN, error) {
	if opts.Name == "" {
		opts.Name = "tun0"
	}
	if opts.MTU == 0 {
		opts.MTU = 1500
	}

	fd := opts.FD
	if fd == 0 {
		var err error
		fd, err = openTunFD(opts.Name)
		if err != nil {
			return nil, xerrors.New("open tun device").Base(err).OfKind(xerrors.KindIO)
		}
	}

	link, err := netlink.LinkByName(opts.Name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, xerrors.New("look up tun link " + opts.Name).Base(err).OfKind(xerrors.KindIO)
	}
	if err := netlink.LinkSetMTU(link, int(opts.MTU)); err != nil {
		_ = netlink.LinkSetDown(link)
		_ = unix.Close(fd)
		return nil, xerrors.New("set tun MTU").Base(err).OfKind(xerrors.KindIO)
	}

	return &linuxTUN{fd: fd, link: link, opts: opts}, nil
}

func openTunFD(name string) (int, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return -1, err
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func (t *linuxTUN) FD() int { return t.fd }

func (t *linuxTUN) Up() error {
	if err := netlink.LinkSetUp(t.link); err != nil {
		return xerrors.New("bring tun link up").Base(err).OfKind(xerrors.KindIO)
	}
	return nil
}

func (t *linuxTUN) Close() error {
	_ = netlink.LinkSetDown(t.link)
	return unix.Close(t.fd)
}
