// Package phandler implements the polymorphic per-flow proxy handler of
// spec §4.3: a small handshake state machine plus two byte-queues, decoupled
// from any socket. Grounded on the wire formats the teacher speaks as an
// upstream *client* in proxy/socks/client.go and proxy/http/client.go, but
// restructured from their blocking io.Copy-based Process() into the
// chunk-tolerant push/peek/consume capability set spec §4.3 requires.
package phandler

import "github.com/proxygate/tun2proxy/internal/connection"

// Direction names which endpoint of a flow a call is about. PushData is
// keyed by the data's origin (FromClient/FromServer); PeekData/ConsumeData
// are keyed by the data's destination (ToClient/ToServer). HaveData accepts
// all four: FromClient/FromServer for received bytes still held back by the
// handshake, ToClient/ToServer for queued outbound bytes.
type Direction int

const (
	FromClient Direction = iota
	FromServer
	ToClient
	ToServer
)

// Handler is the capability set spec §4.3 requires of every proxy-protocol
// variant (SOCKS4, SOCKS5, HTTP CONNECT, ...). Implementations must tolerate
// arbitrary chunking and never drop bytes silently.
type Handler interface {
	// PushData feeds bytes arriving from the client or the server. It
	// returns HandlerProtocolError if the peer's framing is invalid.
	PushData(from Direction, data []byte) error

	// PeekData returns, without consuming, the next outbound byte slice
	// toward the client or the server. An empty slice means nothing to send
	// right now.
	PeekData(to Direction) []byte

	// ConsumeData acknowledges that n bytes of outbound data in the given
	// direction have been transmitted, advancing the handler's write
	// cursor.
	ConsumeData(to Direction, n int)

	// HaveData reports whether any bytes remain to be produced or consumed
	// in the given direction.
	HaveData(to Direction) bool

	// ConnectionEstablished reports whether the proxy handshake has
	// succeeded and payload bytes are flowing end to end. Exposed for
	// metrics/diagnostics; the engine does not depend on it for
	// correctness (spec §9).
	ConnectionEstablished() bool
}

// Target is what a Handler's handshake asks the upstream proxy to connect
// to: the resolved destination from connection.Connection, which may be a
// hostname (e.g. for SOCKS5, which can proxy hostnames without the gateway
// ever resolving them itself).
type Target = connection.Destination
