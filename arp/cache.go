package arp

import "time"

// CacheTTL is the lifetime of a learned IPv4-to-hardware-address mapping.
const CacheTTL = 15 * time.Second

type cacheEntry struct {
	hw         [6]byte
	insertedAt time.Time
	valid      bool
}

// Cache maps IPv4 addresses to hardware addresses learned from ARP replies.
// An entry expires [CacheTTL] after insertion; [Cache.Lookup] only returns a
// result for entries that are both valid and unexpired. The zero value is
// not usable; construct with [NewCache].
type Cache struct {
	entries map[[4]byte]cacheEntry
}

// NewCache returns an empty, ready-to-use Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[[4]byte]cacheEntry)}
}

// Insert records or refreshes the mapping ip->hw as of now, resetting its TTL.
func (c *Cache) Insert(ip [4]byte, hw [6]byte, now time.Time) {
	c.entries[ip] = cacheEntry{hw: hw, insertedAt: now, valid: true}
}

// Lookup returns the hardware address cached for ip. ok is false if there is
// no entry, the entry was invalidated, or it has aged past [CacheTTL].
func (c *Cache) Lookup(ip [4]byte, now time.Time) (hw [6]byte, ok bool) {
	e, found := c.entries[ip]
	if !found || !e.valid || now.Sub(e.insertedAt) >= CacheTTL {
		return hw, false
	}
	return e.hw, true
}

// Invalidate removes any entry for ip, forcing the next lookup to miss.
func (c *Cache) Invalidate(ip [4]byte) {
	delete(c.entries, ip)
}

// Len returns the number of entries currently held, including expired ones
// that have not been removed by [Cache.Invalidate]; Lookup does not evict.
func (c *Cache) Len() int { return len(c.entries) }
