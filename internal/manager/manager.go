// Package manager implements the claim-dispatched connection manager
// registry of spec §4.4: a small set of upstream-proxy configurations, each
// able to say whether it claims a flow and to mint a phandler.Handler for
// it. Grounded on the first-match protocol-sniffing shape of the teacher's
// proxy/mixed/server.go (try each candidate in order, first to claim wins)
// generalized from "sniff the first bytes of an inbound connection" to
// "match an outbound connection's transport/destination", since this
// gateway always proxies outbound rather than sniffing inbound protocols.
package manager

import (
	"github.com/proxygate/tun2proxy/internal/connection"
	"github.com/proxygate/tun2proxy/internal/phandler"
)

// Manager is one upstream proxy configuration's claim-and-construct policy.
type Manager interface {
	// HandlesConnection reports whether this manager owns flows of conn's
	// kind (e.g. all TCP, or only a particular destination port range).
	HandlesConnection(conn connection.Connection) bool

	// NewConnection constructs a fresh handler for a claimed flow. Returning
	// (nil, nil) declines the flow without error.
	NewConnection(conn connection.Connection) (phandler.Handler, error)

	// CloseConnection is an advisory cleanup hook invoked once a flow is
	// fully torn down.
	CloseConnection(conn connection.Connection)

	// GetServer returns the upstream proxy endpoint this manager dials.
	GetServer() connection.Destination

	// GetCredentials returns upstream authentication material, or nil if
	// the upstream requires none.
	GetCredentials() *phandler.Credentials
}

// Registry holds managers in claim-priority order and dispatches by
// first match, per spec §4.4 ("Selection among multiple managers is
// first-match on iteration order").
type Registry struct {
	managers []Manager
}

// NewRegistry builds a registry from managers in priority order.
func NewRegistry(managers ...Manager) *Registry {
	return &Registry{managers: managers}
}

// Claim returns the first manager in iteration order that handles conn, or
// nil if none do.
func (r *Registry) Claim(conn connection.Connection) Manager {
	for _, m := range r.managers {
		if m.HandlesConnection(conn) {
			return m
		}
	}
	return nil
}
