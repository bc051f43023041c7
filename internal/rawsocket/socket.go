// Package rawsocket dials and drives non-blocking TCP sockets to the
// upstream proxy endpoint using bare golang.org/x/sys/unix syscalls,
// deliberately mirroring internal/tundev's non-blocking-fd idiom rather
// than using net.Dial: the engine's single hand-rolled epoll reactor
// (internal/reactor) must own these fds directly, and Go's net package
// registers its own fds with the runtime's internal netpoller, which
// cannot be shared with a second, independently driven epoll instance.
package rawsocket

import (
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// ErrWouldBlock mirrors EAGAIN/EWOULDBLOCK for non-blocking Read/Write.
var ErrWouldBlock = xerrors.New("rawsocket: operation would block").OfKind(xerrors.KindIO)

// Dial creates a non-blocking TCP socket and begins connecting to dest.
// connected is true if the connection completed synchronously (rare, but
// possible for some local destinations); otherwise the caller must wait for
// the fd to become writable and call CheckConnectError.
func Dial(dest netip.AddrPort) (fd int, connected bool, err error) {
	domain := unix.AF_INET
	if dest.Addr().Is6() && !dest.Addr().Is4In6() {
		domain = unix.AF_INET6
	}

	fd, err = unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, xerrors.New("socket").Base(err).OfKind(xerrors.KindIO)
	}

	sa := sockaddr(dest)
	if err := unix.Connect(fd, sa); err != nil {
		if err == unix.EINPROGRESS {
			return fd, false, nil
		}
		_ = unix.Close(fd)
		return -1, false, xerrors.New("connect").Base(err).OfKind(xerrors.KindIO)
	}
	return fd, true, nil
}

func sockaddr(addr netip.AddrPort) unix.Sockaddr {
	if addr.Addr().Is4() || addr.Addr().Is4In6() {
		sa := &unix.SockaddrInet4{Port: int(addr.Port())}
		sa.Addr = addr.Addr().As4()
		return sa
	}
	sa := &unix.SockaddrInet6{Port: int(addr.Port())}
	sa.Addr = addr.Addr().As16()
	return sa
}

// CheckConnectError retrieves and clears SO_ERROR after a connecting fd
// reports writable, per the standard non-blocking connect(2) protocol.
func CheckConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return xerrors.New("getsockopt SO_ERROR").Base(err).OfKind(xerrors.KindIO)
	}
	if errno != 0 {
		return xerrors.New("connect failed").Base(unix.Errno(errno)).OfKind(xerrors.KindIO)
	}
	return nil
}

// Read performs one non-blocking read, translating EAGAIN to ErrWouldBlock.
func Read(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, xerrors.New("read").Base(err).OfKind(xerrors.KindIO)
	}
	return n, nil
}

// Write performs one non-blocking write, translating EAGAIN to
// ErrWouldBlock.
func Write(fd int, buf []byte) (int, error) {
	n, err := unix.Write(fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, xerrors.New("write").Base(err).OfKind(xerrors.KindIO)
	}
	return n, nil
}

// ShutdownWrite half-closes the write side of fd.
func ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return xerrors.New("shutdown").Base(err).OfKind(xerrors.KindIO)
	}
	return nil
}

func Close(fd int) error {
	return unix.Close(fd)
}
