package arp

import (
	"time"

	"github.com/soypat/ctcpr/internal/deque"
)

// RetryInterval is the period on which [PendingQueue.Sweep] should be driven.
const RetryInterval = 1 * time.Second

// MaxRetransmissions is the number of ARP requests sent for a pending
// resolution before it is abandoned as unreachable.
const MaxRetransmissions = 5

// QueuedFrame is a link-layer frame buffer waiting on ARP resolution of its
// next-hop, along with the interface it must egress on once resolved and
// the interface it originally arrived on (needed if resolution expires and
// an ICMP error must be routed back toward the original sender).
type QueuedFrame struct {
	Iface     string
	RecvIface string
	Buffer    []byte
}

type pendingEntry struct {
	firstSeen time.Time
	lastSent  time.Time
	txCount   int
	frames    deque.Deque[QueuedFrame]
}

// PendingQueue tracks in-flight ARP resolutions, one per target IPv4, and the
// frames queued behind each one awaiting the learned hardware address.
// The zero value is not usable; construct with [NewPendingQueue].
type PendingQueue struct {
	entries map[[4]byte]*pendingEntry
}

// NewPendingQueue returns an empty, ready-to-use PendingQueue.
func NewPendingQueue() *PendingQueue {
	return &PendingQueue{entries: make(map[[4]byte]*pendingEntry)}
}

// Enqueue appends frame to the pending entry for ip, creating it if absent.
// isNew is true when ip had no pending entry: the caller must transmit the
// first ARP request for ip immediately, since Enqueue counts that first
// transmission against [MaxRetransmissions].
func (q *PendingQueue) Enqueue(ip [4]byte, frame QueuedFrame, now time.Time) (isNew bool) {
	e, ok := q.entries[ip]
	if !ok {
		e = &pendingEntry{firstSeen: now, lastSent: now, txCount: 1}
		q.entries[ip] = e
		isNew = true
	}
	e.frames.PushBack(frame)
	return isNew
}

// Resolve removes the pending entry for ip, returning its queued frames in
// FIFO order for the caller to rewrite with the learned hardware address and
// transmit. ok is false if there was no pending entry for ip.
func (q *PendingQueue) Resolve(ip [4]byte) (frames []QueuedFrame, ok bool) {
	e, found := q.entries[ip]
	if !found {
		return nil, false
	}
	delete(q.entries, ip)
	frames = make([]QueuedFrame, 0, e.frames.Len())
	for {
		f, ok := e.frames.PopFront()
		if !ok {
			break
		}
		frames = append(frames, f)
	}
	return frames, true
}

// Retry names a pending entry due for ARP request retransmission.
type Retry struct {
	IP [4]byte
}

// Expired names a pending entry that exhausted [MaxRetransmissions] without
// a reply, carrying the frames whose sources must now receive an ICMP
// Host-Unreachable.
type Expired struct {
	IP     [4]byte
	Frames []QueuedFrame
}

// SweepResult partitions the outcome of a [PendingQueue.Sweep] call.
type SweepResult struct {
	Retry   []Retry
	Expired []Expired
}

// Sweep advances every pending entry whose last transmission is at least
// [RetryInterval] old relative to now. Entries under [MaxRetransmissions] are
// reported for retransmission and their transmission count incremented;
// entries that already reached [MaxRetransmissions] are reported as expired
// and removed from the queue.
func (q *PendingQueue) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for ip, e := range q.entries {
		if now.Sub(e.lastSent) < RetryInterval {
			continue
		}
		if e.txCount >= MaxRetransmissions {
			frames, _ := q.Resolve(ip)
			res.Expired = append(res.Expired, Expired{IP: ip, Frames: frames})
			continue
		}
		e.txCount++
		e.lastSent = now
		res.Retry = append(res.Retry, Retry{IP: ip})
	}
	return res
}

// Len returns the number of distinct IPv4 addresses with a pending entry.
func (q *PendingQueue) Len() int { return len(q.entries) }
