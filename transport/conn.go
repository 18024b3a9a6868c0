package transport

import (
	"log/slog"
	"time"

	"github.com/soypat/ctcpr/bbr"
	"github.com/soypat/ctcpr/internal/deque"
	"github.com/soypat/ctcpr/metrics"
)

// DefaultBufferSize is the chunk size [Connection.ReadFromApp] pulls from
// the substrate on each call.
const DefaultBufferSize = 1024

// MaxSegDataSize caps the payload bytes bundled into a single segment.
const MaxSegDataSize = 1400

// DefaultTick is the recommended period to drive [Connection.Tick] on.
const DefaultTick = 40 * time.Millisecond

// rttTimeoutMultiplier scales the BBR-tracked min-RTT into the
// retransmission timeout, per §4.2's "5x the configured min-RTT" rule.
const rttTimeoutMultiplier = 5

// maxRetryCount is the retry_count at which a still-unacked segment tears
// the connection down instead of being retransmitted again.
const maxRetryCount = 4

type finState uint8

const (
	finNone finState = iota
	finPending
	finSent
)

// Substrate is the opaque datagram transport and application-buffer
// collaborator a Connection drives. Its implementation, and the underlying
// unreliable delivery it rides on, are out of this module's scope; the
// contracts below are exactly the ones SPEC_FULL.md states inline.
type Substrate interface {
	// Send transmits a fully serialized segment.
	Send(segment []byte) error
	// BufSpace reports how many bytes the application is currently ready
	// to consume via Output.
	BufSpace() int
	// Output delivers payload bytes to the application. A nil, zero-length
	// call signals end-of-stream (peer FIN).
	Output(data []byte)
	// Input pulls up to len(buf) bytes of outgoing application data into
	// buf, returning the count. A return of -1 means the application has
	// no more data to send, ever (local half-close).
	Input(buf []byte) (n int)
}

type unsentBuf struct {
	data     []byte
	consumed int
}

func (b *unsentBuf) len() int { return len(b.data) - b.consumed }

type sentSeg struct {
	buf         []byte
	seq         uint32
	seqLen      uint32 // sequence numbers consumed: payloadLen, or 1 for a bare FIN.
	payloadLen  int
	lastSent    time.Time
	retryCount  int
	appLimited  bool
	baselineAck uint32
}

type unsubBuf struct {
	data     []byte
	consumed int
}

// Connection is one cTCP connection's state machine: segment framing,
// sliding send/receive windows, retransmission and FIN-based shutdown,
// driven by [Connection.ReadFromApp], [Connection.Receive],
// [Connection.DrainToApp] and [Connection.Tick]. A Connection owns exactly
// one [bbr.Controller], which caps how many payload bytes trySend may emit.
//
// The caller must serialize calls into a Connection: the retransmission
// tick, application-read and segment-receive paths are mutually exclusive.
type Connection struct {
	Substrate Substrate
	BBR       *bbr.Controller
	Logger    *slog.Logger

	unsent      deque.Deque[*unsentBuf]
	sentUnacked deque.Deque[*sentSeg]
	unsubmitted deque.Deque[*unsubBuf]

	sendWindow      uint16
	recvWindow      uint16
	nextSeqToSend   uint32
	expectedAck     uint32
	lastAckReceived uint32
	inflight        uint32

	finStatus       finState
	peerFINReceived bool
	eofDelivered    bool
	singleACKUpdate bool

	destroyed bool
}

// Config carries the values a new Connection needs beyond its substrate
// and BBR controller.
type Config struct {
	InitialSeq  uint32
	InitialAck  uint32
	RecvWindow  uint16
	SendWindow  uint16
	Logger      *slog.Logger
}

// NewConnection returns a Connection ready to drive substrate, paced by
// bbrCtrl.
func NewConnection(substrate Substrate, bbrCtrl *bbr.Controller, cfg Config) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		Substrate:       substrate,
		BBR:             bbrCtrl,
		Logger:          logger,
		sendWindow:      cfg.SendWindow,
		recvWindow:      cfg.RecvWindow,
		nextSeqToSend:   cfg.InitialSeq,
		expectedAck:     cfg.InitialAck,
		lastAckReceived: cfg.InitialSeq,
	}
}

// Destroyed reports whether the connection has torn itself down, either
// because retransmission was exhausted or because both directions closed
// cleanly. The caller should stop invoking this Connection once true.
func (c *Connection) Destroyed() bool { return c.destroyed }

//
// read-from-app
//

// ReadFromApp pulls bytes from the substrate in [DefaultBufferSize] chunks
// until Input returns 0 or -1, appending every chunk to the unsent queue.
// This never sends; a subsequent Tick or Receive drains the queue.
func (c *Connection) ReadFromApp() {
	for {
		buf := make([]byte, DefaultBufferSize)
		n := c.Substrate.Input(buf)
		if n == -1 {
			c.finStatus = finPending
			return
		}
		if n <= 0 {
			return
		}
		c.unsent.PushBack(&unsentBuf{data: buf[:n]})
	}
}

//
// receive
//

// Receive processes one segment arriving off the wire. wireLen is the
// number of bytes actually delivered, which may exceed the segment's
// declared length (trailing substrate padding).
func (c *Connection) Receive(buf []byte, wireLen int, now time.Time) {
	seg, err := NewSegment(buf)
	if err != nil {
		return
	}
	if !seg.ValidateChecksum() || wireLen < int(seg.Len()) {
		c.Logger.Debug("transport: dropping invalid segment")
		return
	}

	if seg.Seq() != c.expectedAck {
		metrics.TransportDuplicateACKs.Inc()
		c.singleACKUpdate = true
		c.trySend(now)
		return
	}

	payloadLen := int(seg.Len()) - HeaderLen
	c.expectedAck += uint32(payloadLen)
	c.sendWindow = seg.RecvWindow()

	if seg.Ack() != c.lastAckReceived {
		c.processCumulativeAck(seg, now)
	}

	if int(c.recvWindow) >= payloadLen {
		c.recvWindow -= uint16(payloadLen)
	} else {
		c.recvWindow = 0
	}

	// A FIN may arrive bundled with the final chunk of payload (the
	// ordinary "last write then close" path), not just on its own as a
	// bare segment. Record it regardless of payload length; the sequence
	// number is only bumped here when there is no payload to also advance
	// it, matching the peer's accounting of the FIN's own sequence slot.
	if seg.HasFIN() {
		if payloadLen == 0 {
			c.expectedAck++
		}
		c.peerFINReceived = true
	}

	if payloadLen > 0 {
		data := make([]byte, payloadLen)
		copy(data, seg.Payload())
		c.unsubmitted.PushBack(&unsubBuf{data: data})
		c.singleACKUpdate = true
	} else if seg.HasFIN() {
		c.singleACKUpdate = true
	}

	c.trySend(now)
	c.DrainToApp(now)
}

// processCumulativeAck retires sent-unacked segments covered by seg.Ack()
// and, for the newest fully-acked non-retransmitted segment, feeds BBR an
// ACK sample.
func (c *Connection) processCumulativeAck(seg Segment, now time.Time) {
	ackNum := seg.Ack()
	acked := ackNum - c.lastAckReceived

	var sample *sentSeg
	c.sentUnacked.All(func(_ int, s *sentSeg) bool {
		if s.seq < ackNum {
			sample = s
		}
		return true
	})
	if sample != nil && sample.retryCount == 0 {
		c.BBR.OnAck(bbr.AckSample{
			EstimatedRTT:       now.Sub(sample.lastSent),
			AckedSinceBaseline: acked,
			AckedTotal:         uint32(sample.payloadLen),
			AppLimited:         sample.appLimited,
			Timestamp:          now,
			Retried:            sample.retryCount > 0,
			Inflight:           c.inflight,
		})
	}

	for {
		head, ok := c.sentUnacked.Front()
		if !ok || head.seq+head.seqLen > ackNum {
			break
		}
		c.sentUnacked.PopFront()
		c.inflight -= uint32(head.payloadLen)
	}
	c.lastAckReceived = ackNum
}

//
// drain-to-app
//

// DrainToApp outputs bytes to the application while the substrate has
// buffer space and the unsubmitted queue is non-empty, then delivers the
// end-of-stream signal once a received FIN's preceding bytes have all been
// drained. If the receive window had closed to zero, it issues an
// immediate window-update ACK once space reopens.
func (c *Connection) DrainToApp(now time.Time) {
	hasOutputCount := 0
	for c.Substrate.BufSpace() > 0 {
		head, ok := c.unsubmitted.Front()
		if !ok {
			break
		}
		avail := c.Substrate.BufSpace()
		remaining := head.data[head.consumed:]
		if avail >= len(remaining) {
			c.Substrate.Output(remaining)
			hasOutputCount += len(remaining)
			c.unsubmitted.PopFront()
			continue
		}
		c.Substrate.Output(remaining[:avail])
		head.consumed += avail
		hasOutputCount += avail
		break
	}

	// The EOF signal waits until every byte that arrived ahead of the FIN
	// has actually been delivered, so the application never sees end-of-
	// stream before the data preceding it.
	if c.peerFINReceived && !c.eofDelivered && c.unsubmitted.Len() == 0 {
		c.Substrate.Output(nil)
		c.eofDelivered = true
	}

	wasZero := c.recvWindow == 0
	c.recvWindow += uint16(hasOutputCount)
	if wasZero && hasOutputCount > 0 {
		c.singleACKUpdate = true
		c.trySend(now)
	}
}

//
// tick
//

// Tick drives pacing even when the application is idle, retransmits
// segments that have aged past 5x min-RTT (tearing the connection down
// after a 5th failed attempt), and destroys the connection once both
// directions have cleanly closed.
func (c *Connection) Tick(now time.Time) {
	c.trySend(now)

	timeout := rttTimeoutMultiplier * c.BBR.MinRTT()
	var teardown bool
	c.sentUnacked.All(func(_ int, s *sentSeg) bool {
		if now.Sub(s.lastSent) <= timeout {
			return true
		}
		if s.retryCount == maxRetryCount {
			teardown = true
			return false
		}
		if err := c.Substrate.Send(s.buf); err != nil {
			c.Logger.Warn("transport: retransmit failed", "err", err)
		}
		s.lastSent = now
		s.retryCount++
		metrics.TransportRetransmissions.Inc()
		c.BBR.OnRetransmit(now)
		return true
	})
	if teardown {
		metrics.TransportTeardowns.Inc()
		c.destroyed = true
		return
	}

	if c.sentUnacked.Len() == 0 && c.finStatus == finSent && c.peerFINReceived {
		c.destroyed = true
	}
}

//
// try-send
//

// trySend is invoked by every other operation to drive one opportunistic
// segment emission, bounded by the unsent queue, the peer's advertised
// window, and BBR's pacing/cwnd budgets.
func (c *Connection) trySend(now time.Time) {
	unsentTotal := c.unsentTotalLen()
	if unsentTotal == 0 && c.finStatus != finPending && !c.singleACKUpdate {
		return
	}

	payload := MaxSegDataSize
	if unsentTotal < payload {
		payload = unsentTotal
	}
	if sw := sendWindowRemaining(c.sendWindow, c.inflight); sw < payload {
		payload = sw
	}
	pacingBudget := int(c.BBR.PacingBudget(now))
	if pacingBudget < payload {
		payload = pacingBudget
	}
	if cw := cwndRemaining(c.BBR.CwndBudget(), c.inflight); cw < payload {
		payload = cw
	}
	if payload < 0 {
		payload = 0
	}

	data := make([]byte, payload)
	c.drainUnsent(data)

	finAttached := c.finStatus == finPending && payload == unsentTotal

	seqLen := uint32(payload)
	if finAttached && payload == 0 {
		seqLen = 1
	}

	segBuf := make([]byte, HeaderLen+payload)
	seg, _ := NewSegment(segBuf)
	seg.SetSeq(c.nextSeqToSend)
	seg.SetAck(c.expectedAck)
	seg.SetLen(uint16(HeaderLen + payload))
	flags := FlagACK
	if finAttached {
		flags |= FlagFIN
	}
	seg.SetFlags(flags)
	seg.SetRecvWindow(c.recvWindow)
	copy(seg.Payload(), data)
	seg.SetCRC(0)
	seg.SetCRC(seg.CalculateChecksum())

	if err := c.Substrate.Send(segBuf); err != nil {
		c.Logger.Warn("transport: send failed", "err", err)
	}
	sentSeqStart := c.nextSeqToSend
	c.nextSeqToSend += seqLen

	if payload > 0 || finAttached {
		c.sentUnacked.PushBack(&sentSeg{
			buf:         segBuf,
			seq:         sentSeqStart,
			seqLen:      seqLen,
			payloadLen:  payload,
			lastSent:    now,
			appLimited:  payload < pacingBudget,
			baselineAck: c.lastAckReceived,
		})
		c.inflight += uint32(payload)
	}
	c.BBR.OnSend(uint32(payload), now)
	c.singleACKUpdate = false
	if c.finStatus == finPending && finAttached {
		c.finStatus = finSent
	}
}

func sendWindowRemaining(sendWindow uint16, inflight uint32) int {
	rem := int(sendWindow) - int(inflight)
	if rem < 0 {
		return 0
	}
	return rem
}

func cwndRemaining(cwnd uint32, inflight uint32) int {
	rem := int(cwnd) - int(inflight)
	if rem < 0 {
		return 0
	}
	return rem
}

func (c *Connection) unsentTotalLen() int {
	total := 0
	c.unsent.All(func(_ int, b *unsentBuf) bool {
		total += b.len()
		return true
	})
	return total
}

func (c *Connection) drainUnsent(dst []byte) int {
	pos := 0
	for pos < len(dst) {
		head, ok := c.unsent.Front()
		if !ok {
			break
		}
		remaining := head.data[head.consumed:]
		n := copy(dst[pos:], remaining)
		pos += n
		head.consumed += n
		if head.consumed >= len(head.data) {
			c.unsent.PopFront()
		}
	}
	return pos
}
