//go:build linux

package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// Reactor is an epoll(7) multiplexer keyed by Token rather than raw fd, so
// registrations can be deregistered and re-registered without the caller
// having to remember which fd a token maps to.
type Reactor struct {
	epfd int

	tokenToFD map[Token]int
	fdToToken map[int]Token

	// self-pipe for external shutdown (spec §4.5.9).
	shutdownR int
	shutdownW int
}

// New creates a Reactor and wires its self-pipe under ExitToken.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, xerrors.New("epoll_create1").Base(err).OfKind(xerrors.KindIO)
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		return nil, xerrors.New("pipe2").Base(err).OfKind(xerrors.KindIO)
	}

	r := &Reactor{
		epfd:      epfd,
		tokenToFD: make(map[Token]int),
		fdToToken: make(map[int]Token),
		shutdownR: pipeFDs[0],
		shutdownW: pipeFDs[1],
	}
	if err := r.Register(ExitToken, r.shutdownR, Interest{Readable: true}); err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

// Register adds fd under token with the given interest.
func (r *Reactor) Register(token Token, fd int, interest Interest) error {
	r.tokenToFD[token] = fd
	r.fdToToken[fd] = token
	if interest.none() {
		return nil
	}
	ev := unix.EpollEvent{Events: interest.mask(), Fd: int32(token)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return xerrors.New("epoll_ctl add").Base(err).OfKind(xerrors.KindIO)
	}
	return nil
}

// Reregister implements spec §4.5.7: deregister then, unless both wait bits
// are false, re-register with the union of current wait bits. Deregister
// errors are swallowed (the fd may never have been registered).
func (r *Reactor) Reregister(token Token, interest Interest) {
	fd, ok := r.tokenToFD[token]
	if !ok {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if interest.none() {
		return
	}
	ev := unix.EpollEvent{Events: interest.mask(), Fd: int32(token)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		xerrors.LogDebug("reactor: re-register token ", token, ": ", err)
	}
}

// Deregister removes token's fd from the epoll set and forgets the token
// entirely (spec property 3: removing a flow deregisters its proxy stream).
func (r *Reactor) Deregister(token Token) {
	fd, ok := r.tokenToFD[token]
	if !ok {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.tokenToFD, token)
	delete(r.fdToToken, fd)
}

// Wait blocks until at least one event is ready (indefinitely, spec §4.5.8)
// and appends ready events to dst, returning the extended slice.
func (r *Reactor) Wait(dst []Event) ([]Event, error) {
	var raw [64]unix.EpollEvent
	for {
		n, err := unix.EpollWait(r.epfd, raw[:], -1)
		if err != nil {
			if err == unix.EINTR {
				xerrors.LogWarning("reactor: epoll_wait interrupted, retrying")
				continue
			}
			return dst, xerrors.New("epoll_wait").Base(err).OfKind(xerrors.KindFatal)
		}
		for _, ev := range raw[:n] {
			dst = append(dst, Event{
				Token:    Token(ev.Fd),
				Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
				Writable: ev.Events&unix.EPOLLOUT != 0,
				HangUp:   ev.Events&unix.EPOLLHUP != 0,
				Err:      ev.Events&unix.EPOLLERR != 0,
			})
		}
		return dst, nil
	}
}

// Shutdown writes one byte to the self-pipe so the reactor delivers
// ExitToken on its next Wait (spec §4.5.9). Safe to call from any goroutine.
func (r *Reactor) Shutdown() error {
	_, err := unix.Write(r.shutdownW, []byte{0})
	if err != nil && err != unix.EAGAIN {
		return xerrors.New("write shutdown self-pipe").Base(err).OfKind(xerrors.KindIO)
	}
	return nil
}

// DrainExitPipe consumes whatever was written to the self-pipe.
func (r *Reactor) DrainExitPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.shutdownR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (r *Reactor) Close() error {
	_ = unix.Close(r.shutdownR)
	_ = unix.Close(r.shutdownW)
	return unix.Close(r.epfd)
}
