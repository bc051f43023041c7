package phandler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPConnectHandshake(t *testing.T) {
	h := NewHTTPConnectHandler(hostnameTarget("example.com", 443), nil)
	req := string(h.PeekData(ToServer))
	require.True(t, strings.HasPrefix(req, "CONNECT example.com:443 HTTP/1.1\r\n"))
	require.Contains(t, req, "Host: example.com:443\r\n")
	require.NotContains(t, req, "Proxy-Authorization")
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))

	require.NoError(t, h.PushData(FromServer, []byte("HTTP/1.1 200 Connection Established\r\n\r\n")))
	require.True(t, h.ConnectionEstablished())
}

func TestHTTPConnectWithCredentials(t *testing.T) {
	h := NewHTTPConnectHandler(hostnameTarget("example.com", 443), &Credentials{Username: "bob", Password: "secret"})
	req := string(h.PeekData(ToServer))
	require.Contains(t, req, "Proxy-Authorization: Basic "+basicAuth("bob", "secret")+"\r\n")
}

func TestHTTPConnectRefusedIsError(t *testing.T) {
	h := NewHTTPConnectHandler(hostnameTarget("example.com", 443), nil)
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	err := h.PushData(FromServer, []byte("HTTP/1.1 407 Proxy Authentication Required\r\n\r\n"))
	require.Error(t, err)
	require.False(t, h.ConnectionEstablished())
}

func TestHTTPConnectResponseSplitAcrossChunks(t *testing.T) {
	h := NewHTTPConnectHandler(hostnameTarget("example.com", 443), nil)
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	full := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	require.NoError(t, h.PushData(FromServer, []byte(full[:10])))
	require.False(t, h.ConnectionEstablished())
	require.NoError(t, h.PushData(FromServer, []byte(full[10:])))
	require.True(t, h.ConnectionEstablished())
}

func TestHTTPConnectCoalescedReplyAndPayload(t *testing.T) {
	h := NewHTTPConnectHandler(hostnameTarget("example.com", 443), nil)
	h.ConsumeData(ToServer, len(h.PeekData(ToServer)))
	require.NoError(t, h.PushData(FromServer, []byte("HTTP/1.1 200 OK\r\n\r\npayload-bytes")))
	require.Equal(t, []byte("payload-bytes"), h.PeekData(ToClient))
}
