package router

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTableLookupLongestPrefixMatch(t *testing.T) {
	table := Table{Entries: []RouteEntry{
		{Dest: [4]byte{0, 0, 0, 0}, Mask: [4]byte{0, 0, 0, 0}, Gateway: [4]byte{10, 0, 0, 254}, Iface: "eth0"},
		{Dest: [4]byte{10, 1, 0, 0}, Mask: [4]byte{255, 255, 0, 0}, Gateway: [4]byte{10, 1, 0, 254}, Iface: "eth1"},
		{Dest: [4]byte{10, 1, 2, 0}, Mask: [4]byte{255, 255, 255, 0}, Gateway: [4]byte{10, 1, 2, 254}, Iface: "eth2"},
	}}

	tests := []struct {
		name string
		dst  [4]byte
		want RouteEntry
		ok   bool
	}{
		{
			name: "matches most specific /24 over /16 and default",
			dst:  [4]byte{10, 1, 2, 99},
			want: table.Entries[2],
			ok:   true,
		},
		{
			name: "falls back to /16 when /24 does not match",
			dst:  [4]byte{10, 1, 9, 1},
			want: table.Entries[1],
			ok:   true,
		},
		{
			name: "falls back to default route when nothing else matches",
			dst:  [4]byte{192, 168, 0, 1},
			want: table.Entries[0],
			ok:   true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := table.Lookup(tc.dst)
			if ok != tc.ok {
				t.Fatalf("Lookup ok = %v, want %v", ok, tc.ok)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("Lookup(%v) mismatch (-want +got):\n%s", tc.dst, diff)
			}
		})
	}
}

func TestTableLookupNoDefaultRoute(t *testing.T) {
	table := Table{Entries: []RouteEntry{
		{Dest: [4]byte{10, 1, 0, 0}, Mask: [4]byte{255, 255, 0, 0}, Gateway: [4]byte{10, 1, 0, 254}, Iface: "eth1"},
	}}
	got, ok := table.Lookup([4]byte{192, 168, 0, 1})
	if ok {
		t.Fatalf("want no route, got %+v", got)
	}
	if diff := cmp.Diff(RouteEntry{}, got); diff != "" {
		t.Fatalf("want zero-value RouteEntry on miss (-want +got):\n%s", diff)
	}
}
