package engine

import (
	"github.com/proxygate/tun2proxy/internal/reactor"
)

// Run blocks, dispatching reactor events until Shutdown is called or an
// unrecoverable poll error occurs (spec §4.5.8).
func (e *Engine) Run() error {
	var events []reactor.Event
	for {
		events = events[:0]
		var err error
		events, err = e.reactor.Wait(events)
		if err != nil {
			return err
		}

		for _, ev := range events {
			switch ev.Token {
			case reactor.ExitToken:
				e.reactor.DrainExitPipe()
				return nil
			case reactor.TunToken:
				e.handleTUNReadable()
			case reactor.UDPToken:
				// reserved, currently inert (spec §4.5.8)
			default:
				if state, ok := e.tokenIndex[ev.Token]; ok {
					e.handleProxyEvent(state, ev)
				}
			}
		}

		e.drainWriteWaitSet()
	}
}

// drainWriteWaitSet retries write_to_client for every token with partially
// drained client-bound data, removing flows that persistently fail.
func (e *Engine) drainWriteWaitSet() {
	pending := make([]reactor.Token, 0, len(e.writeWaitSet))
	for token := range e.writeWaitSet {
		pending = append(pending, token)
	}
	for _, token := range pending {
		delete(e.writeWaitSet, token)
		state, ok := e.tokenIndex[token]
		if !ok {
			continue
		}
		e.writeToClient(state)
	}
}
