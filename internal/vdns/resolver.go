package vdns

import (
	"net/netip"
	"time"

	"github.com/miekg/dns"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

// DefaultTTL is the short TTL handed out in synthesized replies, and the
// lease duration used for LRU reclaim of the underlying pool entry.
const DefaultTTL = 60 * time.Second

// Resolver answers A/AAAA queries from one or two Pools (v4/v6) and exposes
// the reverse hostname<->address mapping the engine needs to rewrite TUN
// destinations back into hostnames (spec §4.1.1 TUN ingress step 2).
type Resolver struct {
	v4  *Pool
	v6  *Pool
	ttl time.Duration
	now func() time.Time
}

// Config selects the CIDRs a Resolver draws synthesized addresses from.
// Either may be the zero Prefix to disable that family.
type Config struct {
	IPv4 netip.Prefix
	IPv6 netip.Prefix
	TTL  time.Duration
}

// NewResolver builds a Resolver per spec §4.2 / §6 ("caller-supplied private
// IPv4 and/or IPv6 CIDR").
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	r := &Resolver{ttl: cfg.TTL, now: time.Now}
	if cfg.IPv4.IsValid() {
		p, err := NewPool(cfg.IPv4, cfg.TTL)
		if err != nil {
			return nil, err
		}
		r.v4 = p
	}
	if cfg.IPv6.IsValid() {
		p, err := NewPool(cfg.IPv6, cfg.TTL)
		if err != nil {
			return nil, err
		}
		r.v6 = p
	}
	if r.v4 == nil && r.v6 == nil {
		return nil, xerrors.New("virtual DNS requires at least one of IPv4/IPv6 CIDR").OfKind(xerrors.KindConfigInvalid)
	}
	return r, nil
}

// ReceiveQuery parses a DNS query message. If it is a single A or AAAA
// question, it allocates (or reuses) an address for the queried name and
// returns a well-formed reply. Malformed input, or anything other than a
// single A/AAAA question, yields nil: no reply, no error surfaced to
// the caller beyond a debug log (spec §4.2, §7 packet-level errors).
func (r *Resolver) ReceiveQuery(query []byte) []byte {
	msg := new(dns.Msg)
	if err := msg.Unpack(query); err != nil {
		xerrors.LogDebug("virtual dns: malformed query: ", err)
		return nil
	}
	if len(msg.Question) != 1 {
		return nil
	}
	q := msg.Question[0]

	var pool *Pool
	switch q.Qtype {
	case dns.TypeA:
		pool = r.v4
	case dns.TypeAAAA:
		pool = r.v6
	default:
		return nil
	}
	if pool == nil {
		return nil
	}

	name := q.Name
	addr, err := pool.Allocate(name, r.now())
	if err != nil {
		xerrors.LogWarning("virtual dns: ", err)
		return nil
	}

	reply := new(dns.Msg)
	reply.SetReply(msg)
	reply.Authoritative = true

	ttlSeconds := uint32(r.ttl / time.Second)
	hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: ttlSeconds}
	if q.Qtype == dns.TypeA {
		reply.Answer = append(reply.Answer, &dns.A{Hdr: hdr, A: addr.AsSlice()})
	} else {
		reply.Answer = append(reply.Answer, &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()})
	}

	out, err := reply.Pack()
	if err != nil {
		xerrors.LogWarning("virtual dns: failed to pack reply: ", err)
		return nil
	}
	return out
}

// ResolveIP performs the reverse lookup used when the engine sees a TCP SYN
// toward a virtual-pool address (spec §4.5.1 step 2).
func (r *Resolver) ResolveIP(addr netip.Addr) (string, bool) {
	if pool := r.poolFor(addr); pool != nil {
		return pool.Resolve(addr)
	}
	return "", false
}

// TouchIP refreshes the lease on addr so an in-flight flow's mapping
// survives its nominal TTL (spec §4.2, invariant).
func (r *Resolver) TouchIP(addr netip.Addr) {
	if pool := r.poolFor(addr); pool != nil {
		pool.Touch(addr, r.now())
	}
}

// Contains reports whether addr belongs to one of this resolver's pools.
func (r *Resolver) Contains(addr netip.Addr) bool {
	return r.poolFor(addr) != nil
}

func (r *Resolver) poolFor(addr netip.Addr) *Pool {
	if r.v4 != nil && r.v4.Contains(addr) {
		return r.v4
	}
	if r.v6 != nil && r.v6.Contains(addr) {
		return r.v6
	}
	return nil
}
