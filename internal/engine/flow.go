package engine

import (
	"github.com/proxygate/tun2proxy/internal/connection"
	"github.com/proxygate/tun2proxy/internal/manager"
	"github.com/proxygate/tun2proxy/internal/phandler"
	"github.com/proxygate/tun2proxy/internal/reactor"
	"github.com/proxygate/tun2proxy/internal/vnet"
)

// closeBits tracks the two independent half-close flags of spec §4.5.6.
type closeBits struct {
	serverWriteClosed bool // proxy indicated EOF to us
	clientWriteClosed bool // embedded socket can no longer receive from guest
}

// connectionState is spec §3's ConnectionState: the raw (pre virtual-DNS)
// Connection is the flow table key; resolvedDest is the post-substitution
// destination used only for manager claim and handler framing. Gvisor's
// tcp.Forwarder callback only ever sees the raw numeric 5-tuple, so keying
// on the raw tuple keeps socket correlation (via vnet.NewConn.ID) trivial;
// raw and resolved keys are in 1:1 correspondence for a flow's lifetime, so
// this never loses any required correctness property.
type connectionState struct {
	conn         connection.Connection
	resolvedDest connection.Destination

	handler phandler.Handler
	mgr     manager.Manager

	token reactor.Token

	// embedded TCP socket handle; nil until the forwarder's handshake
	// completes and is correlated back via the engine's pendingByID.
	socket *vnet.Socket

	// proxy-side raw fd, set when the flow is created; proxyConnected turns
	// true once the non-blocking dial completes.
	proxyFD        int
	proxyConnected bool

	closeBits

	// waitingWritable tracks whether this flow's proxy fd is currently
	// registered for EPOLLOUT (connect-in-progress or a prior partial write).
	waitingWritable bool
}

func newConnectionState(conn connection.Connection, resolvedDest connection.Destination, h phandler.Handler, mgr manager.Manager, token reactor.Token, proxyFD int) *connectionState {
	return &connectionState{
		conn:         conn,
		resolvedDest: resolvedDest,
		handler:      h,
		mgr:          mgr,
		token:        token,
		proxyFD:      proxyFD,
	}
}

// done reports whether both half-closes are satisfied (spec §4.5.6: "Both
// closes satisfied ⇒ remove the flow").
func (c *connectionState) done() bool {
	return c.serverWriteClosed && c.clientWriteClosed
}
