package arp

import (
	"testing"
	"time"
)

func TestPendingQueueResolve(t *testing.T) {
	q := NewPendingQueue()
	now := time.Now()
	gw := [4]byte{10, 1, 0, 254}

	isNew := q.Enqueue(gw, QueuedFrame{Iface: "eth1", Buffer: []byte("frame1")}, now)
	if !isNew {
		t.Fatal("expected first enqueue to report new entry")
	}
	isNew = q.Enqueue(gw, QueuedFrame{Iface: "eth1", Buffer: []byte("frame2")}, now.Add(time.Millisecond))
	if isNew {
		t.Fatal("expected second enqueue on same IP to reuse entry")
	}

	frames, ok := q.Resolve(gw)
	if !ok {
		t.Fatal("expected pending entry to resolve")
	}
	if len(frames) != 2 || string(frames[0].Buffer) != "frame1" || string(frames[1].Buffer) != "frame2" {
		t.Fatalf("unexpected frame order: %+v", frames)
	}
	if q.Len() != 0 {
		t.Fatalf("want empty queue after resolve, got %d", q.Len())
	}
	if _, ok := q.Resolve(gw); ok {
		t.Fatal("expected second resolve of same IP to miss")
	}
}

func TestPendingQueueSweepRetryThenExpire(t *testing.T) {
	q := NewPendingQueue()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := [4]byte{10, 1, 0, 254}
	q.Enqueue(gw, QueuedFrame{Iface: "eth1", Buffer: []byte("pkt")}, start)

	now := start
	for i := 0; i < MaxRetransmissions-1; i++ {
		now = now.Add(RetryInterval)
		res := q.Sweep(now)
		if len(res.Retry) != 1 || res.Retry[0].IP != gw {
			t.Fatalf("round %d: expected retry for %v, got %+v", i, gw, res)
		}
		if len(res.Expired) != 0 {
			t.Fatalf("round %d: unexpected expiry", i)
		}
	}

	now = now.Add(RetryInterval)
	res := q.Sweep(now)
	if len(res.Retry) != 0 {
		t.Fatalf("expected no more retries, got %+v", res.Retry)
	}
	if len(res.Expired) != 1 || res.Expired[0].IP != gw {
		t.Fatalf("expected expiry for %v, got %+v", gw, res.Expired)
	}
	if len(res.Expired[0].Frames) != 1 || string(res.Expired[0].Frames[0].Buffer) != "pkt" {
		t.Fatalf("unexpected expired frames: %+v", res.Expired[0].Frames)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue drained after expiry, got %d", q.Len())
	}
}

func TestPendingQueueSweepIgnoresFreshEntries(t *testing.T) {
	q := NewPendingQueue()
	now := time.Now()
	ip := [4]byte{10, 0, 0, 1}
	q.Enqueue(ip, QueuedFrame{Iface: "eth0", Buffer: []byte("x")}, now)

	res := q.Sweep(now.Add(RetryInterval / 2))
	if len(res.Retry) != 0 || len(res.Expired) != 0 {
		t.Fatalf("expected no action before retry interval elapses, got %+v", res)
	}
}
