package vdns

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func buildQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	out, err := msg.Pack()
	require.NoError(t, err)
	return out
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(Config{
		IPv4: netip.MustParsePrefix("198.18.0.0/15"),
		TTL:  time.Minute,
	})
	require.NoError(t, err)
	return r
}

// property 6: round trip through resolve_ip returns the original name.
func TestReceiveQueryRoundTrip(t *testing.T) {
	r := newTestResolver(t)

	reply := r.ReceiveQuery(buildQuery(t, "example.com", dns.TypeA))
	require.NotNil(t, reply)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(reply))
	require.Len(t, msg.Answer, 1)

	a, ok := msg.Answer[0].(*dns.A)
	require.True(t, ok)
	addr, ok := netip.AddrFromSlice(a.A)
	require.True(t, ok)
	addr = addr.Unmap()

	name, ok := r.ResolveIP(addr)
	require.True(t, ok)
	require.Equal(t, "example.com.", name)
}

func TestReceiveQueryMalformedYieldsNoReply(t *testing.T) {
	r := newTestResolver(t)
	require.Nil(t, r.ReceiveQuery([]byte{0x01, 0x02, 0x03}))
}

func TestReceiveQueryIgnoresNonAddressTypes(t *testing.T) {
	r := newTestResolver(t)
	require.Nil(t, r.ReceiveQuery(buildQuery(t, "example.com", dns.TypeMX)))
}

// property 7: touch_ip is idempotent w.r.t. mapping contents.
func TestTouchIPDoesNotChangeMapping(t *testing.T) {
	r := newTestResolver(t)
	r.ReceiveQuery(buildQuery(t, "example.com", dns.TypeA))

	addr := netip.MustParseAddr("198.18.0.1")
	nameBefore, okBefore := r.ResolveIP(addr)

	r.TouchIP(addr)
	r.TouchIP(addr)

	nameAfter, okAfter := r.ResolveIP(addr)
	require.Equal(t, okBefore, okAfter)
	require.Equal(t, nameBefore, nameAfter)
}

func TestAllocateReusesNameBeforeReclaiming(t *testing.T) {
	pool, err := NewPool(netip.MustParsePrefix("198.18.0.0/30"), time.Millisecond)
	require.NoError(t, err)

	now := time.Now()
	a1, err := pool.Allocate("a.example.com", now)
	require.NoError(t, err)
	a1Again, err := pool.Allocate("a.example.com", now)
	require.NoError(t, err)
	require.Equal(t, a1, a1Again)
}

func TestAllocateReclaimsLeastRecentlyTouchedAfterTTL(t *testing.T) {
	// /29 gives 7 usable addresses (.1-.7) once the network address is
	// skipped; exhaust them all, then force a reclaim.
	pool, err := NewPool(netip.MustParsePrefix("198.18.0.0/29"), 10*time.Millisecond)
	require.NoError(t, err)

	base := time.Now()
	a1, err := pool.Allocate("old.example.com", base)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := pool.Allocate(fmt.Sprintf("filler-%d.example.com", i), base.Add(time.Millisecond))
		require.NoError(t, err)
	}

	// pool now fully exhausted; advance past a1's TTL and force a reclaim.
	later := base.Add(20 * time.Millisecond)
	reclaimed, err := pool.Allocate("third.example.com", later)
	require.NoError(t, err)
	require.Equal(t, a1, reclaimed)

	name, _ := pool.Resolve(reclaimed)
	require.Equal(t, "third.example.com", name)
}

func TestActiveFlowLeaseSurvivesTTL(t *testing.T) {
	pool, err := NewPool(netip.MustParsePrefix("198.18.0.0/29"), 5*time.Millisecond)
	require.NoError(t, err)

	base := time.Now()
	a1, err := pool.Allocate("kept-alive.example.com", base)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := pool.Allocate(fmt.Sprintf("filler-%d.example.com", i), base)
		require.NoError(t, err)
	}

	// keep touching a1 well past its nominal TTL; the fillers are never
	// touched again and become the only reclaimable addresses.
	pool.Touch(a1, base.Add(4*time.Millisecond))
	pool.Touch(a1, base.Add(8*time.Millisecond))

	reclaimed, err := pool.Allocate("third.example.com", base.Add(9*time.Millisecond))
	require.NoError(t, err)
	require.NotEqual(t, a1, reclaimed, "a1 is still within its refreshed TTL and must not be reclaimed")
}
