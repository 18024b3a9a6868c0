package transport

import (
	"testing"
	"time"

	"github.com/soypat/ctcpr/bbr"
)

type fakeSubstrate struct {
	sent       [][]byte
	bufSpace   int
	output     []byte
	eof        bool
	eofCount   int
	inputQueue [][]byte
}

func (f *fakeSubstrate) Send(seg []byte) error {
	cp := append([]byte(nil), seg...)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSubstrate) BufSpace() int { return f.bufSpace }

func (f *fakeSubstrate) Output(data []byte) {
	if len(data) == 0 {
		f.eof = true
		f.eofCount++
		return
	}
	f.output = append(f.output, data...)
}

func (f *fakeSubstrate) Input(buf []byte) int {
	if len(f.inputQueue) == 0 {
		return -1
	}
	chunk := f.inputQueue[0]
	f.inputQueue = f.inputQueue[1:]
	return copy(buf, chunk)
}

func (f *fakeSubstrate) lastSent() Segment {
	seg, _ := NewSegment(f.sent[len(f.sent)-1])
	return seg
}

func buildSegment(seq, ack uint32, flags uint8, recvWindow uint16, payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	seg, err := NewSegment(buf)
	if err != nil {
		panic(err)
	}
	seg.SetSeq(seq)
	seg.SetAck(ack)
	seg.SetLen(uint16(len(buf)))
	seg.SetFlags(flags)
	seg.SetRecvWindow(recvWindow)
	copy(seg.Payload(), payload)
	seg.SetCRC(0)
	seg.SetCRC(seg.CalculateChecksum())
	return buf
}

func newTestConn(sub *fakeSubstrate, now time.Time) *Connection {
	ctrl := bbr.New(1460, now)
	return NewConnection(sub, ctrl, Config{
		InitialSeq: 1,
		InitialAck: 1,
		RecvWindow: 4096,
		SendWindow: 4096,
	})
}

func TestStopAndWait(t *testing.T) {
	now := time.Now()
	sub := &fakeSubstrate{bufSpace: 4096}
	c := newTestConn(sub, now)

	payload := []byte("ABCDEFGHIJ")
	wire := buildSegment(1, 1, FlagACK, 4096, payload)

	c.Receive(wire, len(wire), now)

	if string(sub.output) != "ABCDEFGHIJ" {
		t.Fatalf("want output %q, got %q", payload, sub.output)
	}
	if len(sub.sent) == 0 {
		t.Fatal("expected an ACK segment to be sent")
	}
	ack := sub.lastSent()
	if ack.Ack() != 11 {
		t.Fatalf("want ack=11, got %d", ack.Ack())
	}
	if c.expectedAck != 11 {
		t.Fatalf("want expectedAck=11, got %d", c.expectedAck)
	}
}

func TestDuplicateACKOnOutOfOrder(t *testing.T) {
	now := time.Now()
	sub := &fakeSubstrate{bufSpace: 4096}
	c := newTestConn(sub, now)
	c.expectedAck = 11

	wire := buildSegment(21, 1, FlagACK, 4096, []byte("out of order"))
	c.Receive(wire, len(wire), now)

	if c.expectedAck != 11 {
		t.Fatalf("expected_ack must not advance on out-of-order segment, got %d", c.expectedAck)
	}
	if len(sub.output) != 0 {
		t.Fatalf("out-of-order payload must not reach the application, got %q", sub.output)
	}
	if len(sub.sent) == 0 {
		t.Fatal("expected a duplicate ACK to be sent")
	}
	dup := sub.lastSent()
	if dup.Ack() != 11 {
		t.Fatalf("want duplicate ack=11, got %d", dup.Ack())
	}
	if len(dup.Payload()) != 0 {
		t.Fatalf("duplicate ACK must carry no payload, got %d bytes", len(dup.Payload()))
	}
}

func TestSentUnackedInvariantAfterSend(t *testing.T) {
	now := time.Now()
	sub := &fakeSubstrate{bufSpace: 4096, inputQueue: [][]byte{[]byte("hello world")}}
	c := newTestConn(sub, now)

	c.ReadFromApp()
	c.trySend(now)

	var sumPayload uint32
	c.sentUnacked.All(func(_ int, s *sentSeg) bool {
		sumPayload += uint32(s.payloadLen)
		return true
	})
	want := c.nextSeqToSend - c.lastAckReceived
	if sumPayload != want {
		t.Fatalf("sent-unacked payload sum %d != next_seq_to_send-last_ack_received %d", sumPayload, want)
	}
}

func TestFINClosesConnectionAfterPeerFINAndLocalFINAcked(t *testing.T) {
	now := time.Now()
	sub := &fakeSubstrate{bufSpace: 4096}
	c := newTestConn(sub, now)
	c.finStatus = finSent
	c.peerFINReceived = true

	c.Tick(now)
	if !c.Destroyed() {
		t.Fatal("expected connection to be destroyed once both directions closed and sentUnacked is empty")
	}
}

// TestFINBundledWithFinalPayloadThroughReceive guards against the case where
// a peer combines FIN with its last chunk of data (the ordinary write-then-
// close path, not a bare FIN segment): the payload must still be delivered,
// and end-of-stream must reach the application exactly once, after that
// payload has drained.
func TestFINBundledWithFinalPayloadThroughReceive(t *testing.T) {
	now := time.Now()
	sub := &fakeSubstrate{bufSpace: 4096}
	c := newTestConn(sub, now)

	payload := []byte("last chunk")
	wire := buildSegment(1, 1, FlagACK|FlagFIN, 4096, payload)
	c.Receive(wire, len(wire), now)

	if string(sub.output) != "last chunk" {
		t.Fatalf("want payload delivered, got %q", sub.output)
	}
	if !c.peerFINReceived {
		t.Fatal("want peerFINReceived set when FIN arrives bundled with payload")
	}
	if !sub.eof {
		t.Fatal("want EOF delivered to the application once the bundled payload drained")
	}
	if sub.eofCount != 1 {
		t.Fatalf("want EOF delivered exactly once, got %d", sub.eofCount)
	}

	// A second DrainToApp call (e.g. from the next Tick) must not re-signal EOF.
	c.DrainToApp(now)
	if sub.eofCount != 1 {
		t.Fatalf("want EOF not re-delivered on subsequent drain, got %d", sub.eofCount)
	}
}

// TestFINBundledWithPayloadDefersEOFUntilDrained covers the partial-drain
// case: when the substrate can't accept the whole bundled payload in one
// call, EOF must wait for a later DrainToApp to finish delivering it.
func TestFINBundledWithPayloadDefersEOFUntilDrained(t *testing.T) {
	now := time.Now()
	sub := &fakeSubstrate{bufSpace: 4}
	c := newTestConn(sub, now)

	payload := []byte("last chunk")
	wire := buildSegment(1, 1, FlagACK|FlagFIN, 4096, payload)
	c.Receive(wire, len(wire), now)

	if sub.eof {
		t.Fatal("EOF must not fire before the bundled payload finishes draining")
	}
	if string(sub.output) != "last" {
		t.Fatalf("want partial drain of 4 bytes, got %q", sub.output)
	}

	sub.bufSpace = 4096
	c.DrainToApp(now)
	if string(sub.output) != "last chunk" {
		t.Fatalf("want remaining payload drained, got %q", sub.output)
	}
	if !sub.eof || sub.eofCount != 1 {
		t.Fatalf("want EOF delivered exactly once after full drain, got eof=%v count=%d", sub.eof, sub.eofCount)
	}
}

func TestRetransmissionTeardownAfterFiveAttempts(t *testing.T) {
	now := time.Now()
	sub := &fakeSubstrate{bufSpace: 4096, inputQueue: [][]byte{[]byte("data")}}
	c := newTestConn(sub, now)
	c.ReadFromApp()
	c.trySend(now)
	if c.sentUnacked.Len() != 1 {
		t.Fatalf("expected one sent-unacked segment, got %d", c.sentUnacked.Len())
	}

	timeout := rttTimeoutMultiplier * c.BBR.MinRTT()
	t2 := now
	for i := 0; i < maxRetryCount; i++ {
		t2 = t2.Add(timeout + time.Millisecond)
		c.Tick(t2)
		if c.Destroyed() {
			t.Fatalf("connection destroyed early at retry %d", i)
		}
	}
	t2 = t2.Add(timeout + time.Millisecond)
	c.Tick(t2)
	if !c.Destroyed() {
		t.Fatal("expected teardown after exhausting retransmissions")
	}
}
