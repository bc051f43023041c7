package vnet

import (
	"bytes"
	"errors"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/waiter"
)

// ErrWouldBlock mirrors the reactor's notion of WouldBlock for the embedded
// stack's sockets: no data available to read, or the send buffer is full.
var ErrWouldBlock = errors.New("embedded socket would block")

// Socket is a handle into the embedded stack's socket pool (spec §3
// ConnectionState: "handle into the embedded TCP stack's socket pool"). All
// operations are non-blocking single attempts; the caller (the engine) is
// responsible for polling them at the right points (spec §4.5.1/§4.5.4),
// never for waiting on them.
type Socket struct {
	ep tcpip.Endpoint
	wq *waiter.Queue
}

func newSocket(ep tcpip.Endpoint, wq *waiter.Queue) *Socket {
	return &Socket{ep: ep, wq: wq}
}

// Read drains what is currently buffered in the embedded socket, stopping
// once at least maxBytes have been read; a single underlying read is not
// capped, so the result can exceed maxBytes. Returns (nil, false, nil) if
// nothing is available yet (not an
// error: the engine's call sites treat "no data yet" as routine). closed
// reports that the guest has shut its write side down (tcpip.ErrClosedForReceive,
// i.e. the embedded socket can no longer receive from the guest) so the
// caller can latch CLIENT_WRITE_CLOSED (spec §4.5.6).
func (s *Socket) Read(maxBytes int) (data []byte, closed bool, err error) {
	var out []byte
	for len(out) < maxBytes {
		var buf bytes.Buffer
		res, rerr := s.ep.Read(&buf, tcpip.ReadOptions{})
		if rerr != nil {
			if _, ok := rerr.(*tcpip.ErrWouldBlock); ok {
				break
			}
			if _, ok := rerr.(*tcpip.ErrClosedForReceive); ok {
				return out, true, nil
			}
			return out, false, translateErr(rerr)
		}
		if res.Count == 0 {
			break
		}
		out = append(out, buf.Bytes()...)
	}
	return out, false, nil
}

// Send attempts to write data into the embedded socket's send buffer
// without blocking. It returns the number of bytes accepted; a partial
// count (n < len(data)) means the socket's buffer is now full (spec §4.5.4:
// "if partial, record the token in the write-wait set and stop").
func (s *Socket) Send(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err := s.ep.Write(bytes.NewReader(data), tcpip.WriteOptions{})
	if err != nil {
		if _, ok := err.(*tcpip.ErrWouldBlock); ok {
			return int(n), nil
		}
		return int(n), translateErr(err)
	}
	return int(n), nil
}

// LocalAddr is the embedded socket's local endpoint, i.e. the (possibly
// virtual-DNS) destination address the guest originally dialed.
func (s *Socket) LocalAddr() (netip.AddrPort, error) {
	addr, err := s.ep.GetLocalAddress()
	if err != nil {
		return netip.AddrPort{}, translateErr(err)
	}
	return fullAddrToAddrPort(addr), nil
}

// Close closes the embedded socket (sends a guest-visible FIN/RST).
func (s *Socket) Close() {
	s.ep.Close()
}

// Shutdown closes the embedded socket for writing only, leaving reads
// possible until the guest also closes (spec §4.5.6 client-bound close).
func (s *Socket) Shutdown() error {
	if err := s.ep.Shutdown(tcpip.ShutdownWrite); err != nil {
		return translateErr(err)
	}
	return nil
}

func fullAddrToAddrPort(addr tcpip.FullAddress) netip.AddrPort {
	ip, _ := netip.AddrFromSlice(addr.Addr.AsSlice())
	return netip.AddrPortFrom(ip.Unmap(), addr.Port)
}

func translateErr(err tcpip.Error) error {
	return errors.New(err.String())
}
