package phandler

import (
	"bytes"
	"fmt"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

type httpConnectState int

const (
	httpConnectStateSent httpConnectState = iota
	httpConnectStateEstablished
	httpConnectStateFailed
)

// HTTPConnectHandler drives an HTTP CONNECT tunnel handshake as an upstream
// client. Grounded on the same request/response shape the teacher's
// proxy/http client speaks when it proxies a TCP stream, but rebuilt around
// a hand-rolled status-line scan instead of net/http's blocking
// ReadResponse, since the handshake response must be assembled from
// whatever chunking PushData delivers it in.
type HTTPConnectHandler struct {
	target Target
	creds  *Credentials

	state httpConnectState

	toServer byteQueue
	toClient byteQueue

	clientPending byteQueue
	serverPending []byte
}

func NewHTTPConnectHandler(target Target, creds *Credentials) *HTTPConnectHandler {
	h := &HTTPConnectHandler{target: target, creds: creds}
	h.sendConnect()
	return h
}

func (h *HTTPConnectHandler) hostPort() string {
	if h.target.IsHostname {
		return fmt.Sprintf("%s:%d", h.target.Hostname, h.target.Port)
	}
	return fmt.Sprintf("%s:%d", h.target.IP, h.target.Port)
}

func (h *HTTPConnectHandler) sendConnect() {
	hp := h.hostPort()
	var b bytes.Buffer
	fmt.Fprintf(&b, "CONNECT %s HTTP/1.1\r\n", hp)
	fmt.Fprintf(&b, "Host: %s\r\n", hp)
	if h.creds != nil {
		fmt.Fprintf(&b, "Proxy-Authorization: Basic %s\r\n", basicAuth(h.creds.Username, h.creds.Password))
	}
	b.WriteString("\r\n")
	h.toServer.Push(b.Bytes())
	h.state = httpConnectStateSent
}

func (h *HTTPConnectHandler) PushData(from Direction, data []byte) error {
	switch from {
	case FromClient:
		if h.state == httpConnectStateEstablished {
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

func (h *HTTPConnectHandler) advance() error {
	switch h.state {
	case httpConnectStateSent:
		idx := bytes.Index(h.serverPending, []byte("\r\n\r\n"))
		if idx < 0 {
			return nil
		}
		statusLine := h.serverPending[:bytes.IndexByte(h.serverPending, '\n')]
		h.serverPending = h.serverPending[idx+4:]
		if !isHTTPSuccessStatusLine(statusLine) {
			h.state = httpConnectStateFailed
			return xerrors.New("http connect: proxy refused tunnel: " + string(bytes.TrimSpace(statusLine))).OfKind(xerrors.KindHandlerProtocol)
		}
		h.state = httpConnectStateEstablished
		if h.clientPending.Have() {
			h.toServer.Push(h.clientPending.Peek())
			h.clientPending.Consume(h.clientPending.Len())
		}
		fallthrough
	case httpConnectStateEstablished:
		if len(h.serverPending) > 0 {
			h.toClient.Push(h.serverPending)
			h.serverPending = nil
		}
	case httpConnectStateFailed:
		return xerrors.New("http connect: handler is in a failed state").OfKind(xerrors.KindHandlerProtocol)
	}
	return nil
}

// isHTTPSuccessStatusLine reports whether the second field of the response
// status line is a three-character 2xx status code. The protocol-version
// field is not checked.
func isHTTPSuccessStatusLine(line []byte) bool {
	fields := bytes.Fields(line)
	if len(fields) < 2 {
		return false
	}
	code := fields[1]
	return len(code) == 3 && code[0] == '2'
}

func (h *HTTPConnectHandler) PeekData(to Direction) []byte {
	if to == ToServer {
		return h.toServer.Peek()
	}
	return h.toClient.Peek()
}

func (h *HTTPConnectHandler) ConsumeData(to Direction, n int) {
	if to == ToServer {
		h.toServer.Consume(n)
	} else {
		h.toClient.Consume(n)
	}
}

func (h *HTTPConnectHandler) HaveData(to Direction) bool {
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

func (h *HTTPConnectHandler) ConnectionEstablished() bool {
	return h.state == httpConnectStateEstablished
}
