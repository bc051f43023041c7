package engine

import (
	"github.com/proxygate/tun2proxy/internal/phandler"
	"github.com/proxygate/tun2proxy/internal/rawsocket"
	"github.com/proxygate/tun2proxy/internal/reactor"
	"github.com/proxygate/tun2proxy/internal/xerrors"
)

const proxyReadChunk = 65535

// handleProxyEvent implements spec §4.5.3.
func (e *Engine) handleProxyEvent(state *connectionState, ev reactor.Event) {
	if !state.proxyConnected {
		if ev.Err {
			e.hardCloseFlow(state, xerrors.New("engine: proxy connect failed").OfKind(xerrors.KindIO))
			return
		}
		if err := rawsocket.CheckConnectError(state.proxyFD); err != nil {
			e.hardCloseFlow(state, err)
			return
		}
		state.proxyConnected = true
		state.waitingWritable = false
		e.writeToServer(state)
	}

	if ev.Readable || ev.HangUp || ev.Err {
		e.readFromProxy(state)
	}
	if ev.Writable {
		e.writeToServer(state)
	}
}

func (e *Engine) readFromProxy(state *connectionState) {
	var buf [proxyReadChunk]byte
	n, err := rawsocket.Read(state.proxyFD, buf[:])
	if err != nil && err != rawsocket.ErrWouldBlock {
		e.hardCloseFlow(state, err)
		return
	}
	if n > 0 {
		if err := state.handler.PushData(phandler.FromServer, buf[:n]); err != nil {
			e.hardCloseFlow(state, err)
			return
		}
	} else if err != rawsocket.ErrWouldBlock {
		// zero-byte read: proxy closed for writing
		state.serverWriteClosed = true
		e.updateReactorInterest(state)
		e.reevaluateCloseState(state)
		e.flushEmbeddedStack()
	}

	e.writeToClient(state)
	e.writeToServer(state)
}

// writeToClient implements write_to_client (spec §4.5.4).
func (e *Engine) writeToClient(state *connectionState) {
	if state.socket == nil {
		return
	}
	for {
		data := state.handler.PeekData(phandler.ToClient)
		if len(data) == 0 {
			break
		}
		if addr, err := state.socket.LocalAddr(); err == nil && e.vdns != nil {
			e.vdns.TouchIP(addr.Addr())
		}
		n, err := state.socket.Send(data)
		if err != nil {
			e.hardCloseFlow(state, err)
			return
		}
		if n == 0 {
			e.writeWaitSet[state.token] = struct{}{}
			break
		}
		state.handler.ConsumeData(phandler.ToClient, n)
		if n < len(data) {
			e.writeWaitSet[state.token] = struct{}{}
			break
		}
		e.flushEmbeddedStack()
		e.reevaluateCloseState(state)
	}
	e.flushEmbeddedStack()
	e.reevaluateCloseState(state)
}

// writeToServer implements write_to_server (spec §4.5.5).
func (e *Engine) writeToServer(state *connectionState) {
	if !state.proxyConnected {
		return
	}
	data := state.handler.PeekData(phandler.ToServer)
	if len(data) == 0 {
		state.waitingWritable = false
		e.updateReactorInterest(state)
		e.reevaluateCloseState(state)
		return
	}
	n, err := rawsocket.Write(state.proxyFD, data)
	if err != nil {
		if err == rawsocket.ErrWouldBlock {
			state.waitingWritable = true
			e.updateReactorInterest(state)
			e.reevaluateCloseState(state)
			return
		}
		e.hardCloseFlow(state, err)
		return
	}
	state.handler.ConsumeData(phandler.ToServer, n)
	state.waitingWritable = n < len(data)
	e.updateReactorInterest(state)
	e.reevaluateCloseState(state)
}

// updateReactorInterest implements spec §4.5.7.
func (e *Engine) updateReactorInterest(state *connectionState) {
	interest := reactor.Interest{
		Readable: !state.serverWriteClosed,
		Writable: state.waitingWritable || !state.proxyConnected,
	}
	e.reactor.Reregister(state.token, interest)
}

// reevaluateCloseState implements spec §4.5.6.
func (e *Engine) reevaluateCloseState(state *connectionState) {
	if state.socket == nil {
		return
	}
	if state.serverWriteClosed &&
		!state.handler.HaveData(phandler.FromServer) &&
		!state.handler.HaveData(phandler.ToClient) {
		state.socket.Close()
	}
	if state.clientWriteClosed &&
		!state.handler.HaveData(phandler.FromClient) &&
		!state.handler.HaveData(phandler.ToServer) {
		_ = rawsocket.ShutdownWrite(state.proxyFD)
	}
	if state.done() {
		e.removeFlow(state.token)
	}
}

// hardCloseFlow tears a flow down immediately on an unrecoverable error
// (spec §4.5.3: "If the handler errors, hard-close both sides and remove
// the flow").
func (e *Engine) hardCloseFlow(state *connectionState, err error) {
	xerrors.LogInfo("engine: closing flow ", state.conn, ": ", err)
	e.removeFlow(state.token)
}

func (e *Engine) removeFlow(token reactor.Token) {
	state, ok := e.tokenIndex[token]
	if !ok {
		return
	}
	e.reactor.Deregister(token)
	_ = rawsocket.Close(state.proxyFD)
	if state.socket != nil {
		state.socket.Close()
	}
	if state.mgr != nil {
		state.mgr.CloseConnection(state.conn)
	}
	delete(e.tokenIndex, token)
	delete(e.flows, state.conn)
	delete(e.writeWaitSet, token)
}
