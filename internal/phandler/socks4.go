package phandler

import "github.com/proxygate/tun2proxy/internal/xerrors"

// SOCKS4/SOCKS4a wire constants.
const (
	socks4Version = 0x04
	socks4CmdConnect = 0x01

	socks4ReplyGranted = 0x5A
)

type socks4State int

const (
	socks4StateConnectSent socks4State = iota
	socks4StateEstablished
	socks4StateFailed
)

// SOCKS4Handler drives a SOCKS4/SOCKS4a CONNECT handshake. IP destinations
// use plain SOCKS4; hostname destinations use the SOCKS4a extension (null
// IP octets 0.0.0.x with x != 0, followed by the hostname after the user-id
// field), since SOCKS4 proper has no hostname support.
type SOCKS4Handler struct {
	target Target
	userID string

	state socks4State

	toServer byteQueue
	toClient byteQueue

	clientPending byteQueue
	serverPending []byte
}

func NewSOCKS4Handler(target Target, userID string) *SOCKS4Handler {
	h := &SOCKS4Handler{target: target, userID: userID}
	h.sendConnect()
	return h
}

func (h *SOCKS4Handler) sendConnect() {
	msg := []byte{socks4Version, socks4CmdConnect, byte(h.target.Port >> 8), byte(h.target.Port)}
	if h.target.IsHostname {
		msg = append(msg, 0, 0, 0, 1)
		msg = append(msg, h.userID...)
		msg = append(msg, 0)
		msg = append(msg, h.target.Hostname...)
		msg = append(msg, 0)
	} else {
		msg = append(msg, h.target.IP.As4()[:]...)
		msg = append(msg, h.userID...)
		msg = append(msg, 0)
	}
	h.toServer.Push(msg)
	h.state = socks4StateConnectSent
}

func (h *SOCKS4Handler) PushData(from Direction, data []byte) error {
	switch from {
	case FromClient:
		if h.state == socks4StateEstablished {
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

func (h *SOCKS4Handler) advance() error {
	switch h.state {
	case socks4StateConnectSent:
		if len(h.serverPending) < 8 {
			return nil
		}
		reply := h.serverPending[:8]
		h.serverPending = h.serverPending[8:]
		if reply[0] != 0x00 {
			h.state = socks4StateFailed
			return xerrors.New("socks4: malformed reply, expected null version byte").OfKind(xerrors.KindHandlerProtocol)
		}
		if reply[1] != socks4ReplyGranted {
			h.state = socks4StateFailed
			return xerrors.New("socks4: server refused CONNECT request").OfKind(xerrors.KindHandlerProtocol)
		}
		h.state = socks4StateEstablished
		if h.clientPending.Have() {
			h.toServer.Push(h.clientPending.Peek())
			h.clientPending.Consume(h.clientPending.Len())
		}
		fallthrough
	case socks4StateEstablished:
		if len(h.serverPending) > 0 {
			h.toClient.Push(h.serverPending)
			h.serverPending = nil
		}
	case socks4StateFailed:
		return xerrors.New("socks4: handler is in a failed state").OfKind(xerrors.KindHandlerProtocol)
	}
	return nil
}

func (h *SOCKS4Handler) PeekData(to Direction) []byte {
	if to == ToServer {
		return h.toServer.Peek()
	}
	return h.toClient.Peek()
}

func (h *SOCKS4Handler) ConsumeData(to Direction, n int) {
	if to == ToServer {
		h.toServer.Consume(n)
	} else {
		h.toClient.Consume(n)
	}
}

func (h *SOCKS4Handler) HaveData(to Direction) bool {
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

func (h *SOCKS4Handler) ConnectionEstablished() bool {
	return h.state == socks4StateEstablished
}
