package phandler

import (
	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// SOCKS5 wire constants (RFC 1928 / RFC 1929).
const (
	socks5Version = 0x05

	socks5MethodNoAuth   = 0x00
	socks5MethodUserPass = 0x02
	socks5MethodNoAccept = 0xFF

	socks5CmdConnect = 0x01

	socks5AtypIPv4   = 0x01
	socks5AtypDomain = 0x03
	socks5AtypIPv6   = 0x04

	socks5AuthVersion = 0x01
)

type socks5State int

const (
	socks5StateGreetingSent socks5State = iota
	socks5StateAuthSent
	socks5StateConnectSent
	socks5StateEstablished
	socks5StateFailed
)

// Credentials is a SOCKS5 username/password pair for RFC 1929
// sub-negotiation.
type Credentials struct {
	Username string
	Password string
}

// SOCKS5Handler drives the SOCKS5 CONNECT handshake as an upstream client,
// then passes payload bytes through untouched. Grounded on the wire formats
// xray-core's proxy/socks package speaks, restructured from its blocking
// ClientHandshake into the chunk-tolerant push/peek/consume shape spec §4.3
// requires: every handshake step is reassembled from however many PushData
// calls it takes to deliver the bytes, rather than assuming one call equals
// one protocol message.
type SOCKS5Handler struct {
	target Target
	creds  *Credentials

	state socks5State

	toServer byteQueue
	toClient byteQueue

	clientPending byteQueue // client bytes arriving before handshake completes
	serverPending []byte    // unconsumed server bytes awaiting a full message
}

// NewSOCKS5Handler constructs a handler and immediately queues the greeting.
func NewSOCKS5Handler(target Target, creds *Credentials) *SOCKS5Handler {
	h := &SOCKS5Handler{target: target, creds: creds}
	h.sendGreeting()
	return h
}

func (h *SOCKS5Handler) sendGreeting() {
	methods := []byte{socks5MethodNoAuth}
	if h.creds != nil {
		methods = []byte{socks5MethodUserPass, socks5MethodNoAuth}
	}
	msg := make([]byte, 0, 2+len(methods))
	msg = append(msg, socks5Version, byte(len(methods)))
	msg = append(msg, methods...)
	h.toServer.Push(msg)
	h.state = socks5StateGreetingSent
}

func (h *SOCKS5Handler) sendAuth() {
	creds := h.creds
	msg := make([]byte, 0, 3+len(creds.Username)+len(creds.Password))
	msg = append(msg, socks5AuthVersion, byte(len(creds.Username)))
	msg = append(msg, creds.Username...)
	msg = append(msg, byte(len(creds.Password)))
	msg = append(msg, creds.Password...)
	h.toServer.Push(msg)
	h.state = socks5StateAuthSent
}

func (h *SOCKS5Handler) sendConnect() {
	msg := []byte{socks5Version, socks5CmdConnect, 0x00}
	if h.target.IsHostname {
		msg = append(msg, socks5AtypDomain, byte(len(h.target.Hostname)))
		msg = append(msg, h.target.Hostname...)
	} else if h.target.IP.Is4() {
		msg = append(msg, socks5AtypIPv4)
		msg = append(msg, h.target.IP.AsSlice()...)
	} else {
		msg = append(msg, socks5AtypIPv6)
		msg = append(msg, h.target.IP.AsSlice()...)
	}
	msg = append(msg, byte(h.target.Port>>8), byte(h.target.Port))
	h.toServer.Push(msg)
	h.state = socks5StateConnectSent
}

func (h *SOCKS5Handler) PushData(from Direction, data []byte) error {
	switch from {
	case FromClient:
		if h.state == socks5StateEstablished {
			h.toServer.Push(data)
		} else {
			h.clientPending.Push(data)
		}
		return nil
	case FromServer:
		h.serverPending = append(h.serverPending, data...)
		return h.advance()
	}
	return nil
}

// advance consumes as much of serverPending as the current handshake stage
// needs, looping stage transitions until the buffered bytes run out.
func (h *SOCKS5Handler) advance() error {
	for {
		switch h.state {
		case socks5StateGreetingSent:
			if len(h.serverPending) < 2 {
				return nil
			}
			method := h.serverPending[1]
			h.serverPending = h.serverPending[2:]
			switch {
			case method == socks5MethodUserPass && h.creds != nil:
				h.sendAuth()
			case method == socks5MethodNoAuth:
				h.sendConnect()
			default:
				h.state = socks5StateFailed
				return xerrors.New("socks5: server rejected all offered auth methods").OfKind(xerrors.KindHandlerProtocol)
			}
		case socks5StateAuthSent:
			if len(h.serverPending) < 2 {
				return nil
			}
			status := h.serverPending[1]
			h.serverPending = h.serverPending[2:]
			if status != 0x00 {
				h.state = socks5StateFailed
				return xerrors.New("socks5: username/password authentication failed").OfKind(xerrors.KindHandlerProtocol)
			}
			h.sendConnect()
		case socks5StateConnectSent:
			n, ok, err := parseSocks5Reply(h.serverPending)
			if err != nil {
				h.state = socks5StateFailed
				return err
			}
			if !ok {
				return nil
			}
			h.serverPending = h.serverPending[n:]
			h.state = socks5StateEstablished
			h.flushClientPending()
		case socks5StateEstablished:
			if len(h.serverPending) > 0 {
				h.toClient.Push(h.serverPending)
				h.serverPending = nil
			}
			return nil
		case socks5StateFailed:
			return xerrors.New("socks5: handler is in a failed state").OfKind(xerrors.KindHandlerProtocol)
		}
	}
}

func (h *SOCKS5Handler) flushClientPending() {
	if h.clientPending.Have() {
		h.toServer.Push(h.clientPending.Peek())
		h.clientPending.Consume(h.clientPending.Len())
	}
}

// parseSocks5Reply parses a CONNECT reply. It returns (consumed, true, nil)
// once a full reply has been read, (_, false, nil) if more bytes are needed,
// or a HandlerProtocolError if the reply itself is malformed or non-success.
func parseSocks5Reply(buf []byte) (int, bool, error) {
	if len(buf) < 4 {
		return 0, false, nil
	}
	if buf[0] != socks5Version {
		return 0, false, xerrors.New("socks5: malformed reply version").OfKind(xerrors.KindHandlerProtocol)
	}
	rep := buf[1]
	atyp := buf[3]
	var addrLen int
	switch atyp {
	case socks5AtypIPv4:
		addrLen = 4
	case socks5AtypIPv6:
		addrLen = 16
	case socks5AtypDomain:
		if len(buf) < 5 {
			return 0, false, nil
		}
		addrLen = 1 + int(buf[4])
	default:
		return 0, false, xerrors.New("socks5: unknown reply address type").OfKind(xerrors.KindHandlerProtocol)
	}
	total := 4 + addrLen + 2
	if len(buf) < total {
		return 0, false, nil
	}
	if rep != 0x00 {
		return 0, false, xerrors.New("socks5: server refused CONNECT, reply code").OfKind(xerrors.KindHandlerProtocol)
	}
	return total, true, nil
}

func (h *SOCKS5Handler) PeekData(to Direction) []byte {
	if to == ToServer {
		return h.toServer.Peek()
	}
	return h.toClient.Peek()
}

func (h *SOCKS5Handler) ConsumeData(to Direction, n int) {
	if to == ToServer {
		h.toServer.Consume(n)
	} else {
		h.toClient.Consume(n)
	}
}

func (h *SOCKS5Handler) HaveData(to Direction) bool {
	switch to {
	case FromClient:
		return h.clientPending.Have()
	case FromServer:
		return len(h.serverPending) > 0
	case ToServer:
		return h.toServer.Have()
	default: // ToClient
		return h.toClient.Have()
	}
}

func (h *SOCKS5Handler) ConnectionEstablished() bool {
	return h.state == socks5StateEstablished
}
