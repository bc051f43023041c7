package manager

import (
	"github.com/proxygate/tun2proxy/internal/connection"
	"github.com/proxygate/tun2proxy/internal/phandler"
)

// ProxyKind selects which handshake variant ProxyManager mints.
type ProxyKind int

const (
	ProxyKindSOCKS5 ProxyKind = iota
	ProxyKindSOCKS4
	ProxyKindHTTPConnect
)

// ProxyManager is the single-upstream Manager this gateway ships: it claims
// every TCP connection (UDP beyond DNS is out of scope, SPEC_FULL.md Open
// Question decisions) and mints a handler of the configured kind for each.
type ProxyManager struct {
	kind   ProxyKind
	server connection.Destination
	creds  *phandler.Credentials
	userID string // SOCKS4 user-id field; unused by the other kinds
}

// NewProxyManager builds a manager that proxies all TCP flows through
// server using the given handshake kind and optional credentials.
func NewProxyManager(kind ProxyKind, server connection.Destination, creds *phandler.Credentials, userID string) *ProxyManager {
	return &ProxyManager{kind: kind, server: server, creds: creds, userID: userID}
}

func (m *ProxyManager) HandlesConnection(conn connection.Connection) bool {
	return conn.Network == connection.TCP
}

func (m *ProxyManager) NewConnection(conn connection.Connection) (phandler.Handler, error) {
	target := conn.Destination
	switch m.kind {
	case ProxyKindSOCKS5:
		return phandler.NewSOCKS5Handler(target, m.creds), nil
	case ProxyKindSOCKS4:
		return phandler.NewSOCKS4Handler(target, m.userID), nil
	case ProxyKindHTTPConnect:
		return phandler.NewHTTPConnectHandler(target, m.creds), nil
	default:
		return nil, nil
	}
}

func (m *ProxyManager) CloseConnection(conn connection.Connection) {}

func (m *ProxyManager) GetServer() connection.Destination { return m.server }

func (m *ProxyManager) GetCredentials() *phandler.Credentials { return m.creds }
