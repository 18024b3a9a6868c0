// Package router implements the userspace IPv4 forwarding plane: frame
// classification, ARP request/reply handling, longest-prefix-match
// forwarding and ICMP generation for host-directed and forwarding-error
// traffic.
package router

import (
	"math/bits"

	"github.com/soypat/ctcpr/internal"
)

// Interface is a router-owned network attachment point. Immutable after
// load: built once from configuration and never mutated by the forwarding
// path.
type Interface struct {
	Name string
	HW   [6]byte
	IP   [4]byte
}

// RouteEntry is one row of the static routing table.
type RouteEntry struct {
	Dest    [4]byte
	Mask    [4]byte
	Gateway [4]byte
	Iface   string
}

// IsDefault reports whether this entry is the default route (mask = 0).
func (r RouteEntry) IsDefault() bool {
	return internal.IsZeroed(r.Mask)
}

// Table is the static, externally-populated routing table. Entries are
// searched in order; search is exhaustive, not indexed, matching the small
// table sizes this router is built for.
type Table struct {
	Entries []RouteEntry
}

// Lookup performs longest-prefix-match of dst across the table: for every
// entry the length of the common prefix between (entry.Dest & entry.Mask)
// and dst is counted bit by bit, and the entry with the greatest match
// length wins; ties are broken by first entry in table order. A zero match
// length falls back to the default route (mask = 0) if present.
func (t Table) Lookup(dst [4]byte) (RouteEntry, bool) {
	var best RouteEntry
	bestLen := -1
	var defRoute RouteEntry
	haveDefault := false
	for _, e := range t.Entries {
		if e.IsDefault() {
			if !haveDefault {
				defRoute = e
				haveDefault = true
			}
			continue
		}
		n := matchLen(and4(e.Dest, e.Mask), dst)
		if n > bestLen {
			bestLen = n
			best = e
		}
	}
	if bestLen <= 0 {
		if haveDefault {
			return defRoute, true
		}
		return RouteEntry{}, false
	}
	return best, true
}

func and4(a, b [4]byte) [4]byte {
	return [4]byte{a[0] & b[0], a[1] & b[1], a[2] & b[2], a[3] & b[3]}
}

// matchLen returns the number of leading bits shared between a and b.
func matchLen(a, b [4]byte) int {
	n := 0
	for i := 0; i < 4; i++ {
		x := a[i] ^ b[i]
		if x == 0 {
			n += 8
			continue
		}
		n += bits.LeadingZeros8(x)
		break
	}
	return n
}
