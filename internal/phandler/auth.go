package phandler

import "encoding/base64"

// basicAuth encodes a username/password pair the way HTTP Basic auth
// (RFC 7617) requires, for the Proxy-Authorization header of an HTTP
// CONNECT request.
func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
