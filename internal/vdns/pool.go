// Package vdns implements the virtual DNS responder (spec §4.2): a
// private-CIDR address pool with a bidirectional hostname<->address map and
// TTL-based reuse, plus RFC 1035 query parsing / reply synthesis.
//
// The allocation policy is grounded on the teacher's fake DNS holder
// (app/dns/fakedns.Holder), which hands out addresses from a CIDR and keeps
// a name<->IP map in an LRU cache. That LRU never expires by time, only by
// capacity; this pool adds the TTL-elapsed reclaim policy spec §4.2 requires,
// a reverse lookup (Resolve) and a separate touch_ip keepalive (Touch).
package vdns

import (
	"net/netip"
	"sync"
	"time"

	"github.com/proxygate/tun2proxy/internal/xerrors"
)

type poolEntry struct {
	name        string
	allocatedAt time.Time
	lastTouch   time.Time
}

// Pool hands out addresses from a private CIDR, reusing the
// least-recently-touched expired address once the range is exhausted.
type Pool struct {
	mu sync.Mutex

	prefix netip.Prefix
	ttl    time.Duration

	next      netip.Addr // cursor for never-yet-allocated addresses
	exhausted bool

	byAddr map[netip.Addr]*poolEntry
	byName map[string]netip.Addr
}

// NewPool builds a Pool over the given CIDR. The network address is never
// handed out; every other address up to and including the last one of the
// range (the IPv4 broadcast address) is.
func NewPool(prefix netip.Prefix, ttl time.Duration) (*Pool, error) {
	if !prefix.IsValid() {
		return nil, xerrors.New("invalid virtual DNS pool CIDR").OfKind(xerrors.KindConfigInvalid)
	}
	prefix = prefix.Masked()
	first := prefix.Addr().Next()
	if !prefix.Contains(first) {
		return nil, xerrors.New("virtual DNS pool CIDR too small").OfKind(xerrors.KindConfigInvalid)
	}
	return &Pool{
		prefix: prefix,
		ttl:    ttl,
		next:   first,
		byAddr: make(map[netip.Addr]*poolEntry),
		byName: make(map[string]netip.Addr),
	}, nil
}

// Allocate returns the address bound to name, allocating a fresh one (or
// reclaiming an expired one) if this is the first time name is seen.
func (p *Pool) Allocate(name string, now time.Time) (netip.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if addr, ok := p.byName[name]; ok {
		p.byAddr[addr].lastTouch = now
		return addr, nil
	}

	if addr, ok := p.allocateFresh(); ok {
		p.byAddr[addr] = &poolEntry{name: name, allocatedAt: now, lastTouch: now}
		p.byName[name] = addr
		return addr, nil
	}

	addr, ok := p.reclaimExpired(now)
	if !ok {
		return netip.Addr{}, xerrors.New("virtual DNS pool exhausted, no reclaimable address").OfKind(xerrors.KindConfigInvalid)
	}
	old := p.byAddr[addr]
	delete(p.byName, old.name)
	p.byAddr[addr] = &poolEntry{name: name, allocatedAt: now, lastTouch: now}
	p.byName[name] = addr
	return addr, nil
}

func (p *Pool) allocateFresh() (netip.Addr, bool) {
	if p.exhausted {
		return netip.Addr{}, false
	}
	addr := p.next
	if !p.prefix.Contains(addr) {
		p.exhausted = true
		return netip.Addr{}, false
	}
	n := addr.Next()
	if !p.prefix.Contains(n) {
		p.exhausted = true
	}
	p.next = n
	return addr, true
}

// reclaimExpired finds the least-recently-touched address whose TTL has
// elapsed, breaking ties by older allocation timestamp (spec §4.2).
func (p *Pool) reclaimExpired(now time.Time) (netip.Addr, bool) {
	var best netip.Addr
	var bestEntry *poolEntry
	for addr, e := range p.byAddr {
		if now.Sub(e.lastTouch) < p.ttl {
			continue
		}
		if bestEntry == nil ||
			e.lastTouch.Before(bestEntry.lastTouch) ||
			(e.lastTouch.Equal(bestEntry.lastTouch) && e.allocatedAt.Before(bestEntry.allocatedAt)) {
			best, bestEntry = addr, e
		}
	}
	return best, bestEntry != nil
}

// Resolve performs the reverse lookup: address -> name.
func (p *Pool) Resolve(addr netip.Addr) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byAddr[addr]
	if !ok {
		return "", false
	}
	return e.name, true
}

// Touch refreshes the last-touch timestamp of addr, keeping an in-flight
// flow's mapping alive past its nominal TTL. It does not change the mapping
// contents (property 7).
func (p *Pool) Touch(addr netip.Addr, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byAddr[addr]; ok {
		e.lastTouch = now
	}
}

// Contains reports whether addr falls within the pool's CIDR.
func (p *Pool) Contains(addr netip.Addr) bool {
	return p.prefix.Contains(addr)
}
