package arp

import (
	"testing"
	"time"
)

func TestCacheLookupExpiry(t *testing.T) {
	c := NewCache()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ip := [4]byte{10, 1, 0, 254}
	hw := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	if _, ok := c.Lookup(ip, start); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Insert(ip, hw, start)
	got, ok := c.Lookup(ip, start)
	if !ok || got != hw {
		t.Fatalf("want hit %x, got %x ok=%v", hw, got, ok)
	}

	justBefore := start.Add(CacheTTL - time.Nanosecond)
	if got, ok := c.Lookup(ip, justBefore); !ok || got != hw {
		t.Fatalf("expected hit just before TTL, got ok=%v", ok)
	}

	atTTL := start.Add(CacheTTL)
	if _, ok := c.Lookup(ip, atTTL); ok {
		t.Fatal("expected expiry exactly at TTL boundary")
	}
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache()
	now := time.Now()
	ip := [4]byte{192, 168, 1, 1}
	c.Insert(ip, [6]byte{1, 2, 3, 4, 5, 6}, now)
	c.Invalidate(ip)
	if _, ok := c.Lookup(ip, now); ok {
		t.Fatal("expected miss after invalidate")
	}
}
