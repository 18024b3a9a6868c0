// Package bbr implements a BBR-style congestion controller: a four-phase
// (STARTUP/DRAIN/PROBE_BW/PROBE_RTT) model-based pacer that estimates
// bottleneck bandwidth and minimum round-trip time and caps how many
// payload bytes the transport may send.
package bbr

import (
	"time"

	"github.com/soypat/ctcpr/internal"
	"github.com/soypat/ctcpr/metrics"
)

// Phase names one of the four BBR states.
type Phase uint8

const (
	Startup Phase = iota
	Drain
	ProbeBW
	ProbeRTT
)

func (p Phase) String() string {
	switch p {
	case Startup:
		return "STARTUP"
	case Drain:
		return "DRAIN"
	case ProbeBW:
		return "PROBE_BW"
	case ProbeRTT:
		return "PROBE_RTT"
	default:
		return "phase?"
	}
}

const (
	startupGain = 2.88
	drainGain   = 1 / startupGain

	probeBWCwndGain = 2.0
	probeRTTGain    = 1.0

	// fullBWGrowthThresh is the minimum relative growth in windowed-max
	// bandwidth for a round to count toward resetting the full-bandwidth
	// detection counter.
	fullBWGrowthThresh = 1.25
	fullBWRounds       = 5

	minRTTExpiry       = 10 * time.Second
	probeRTTDwell      = 200 * time.Millisecond
	probeBWCycleFloor  = 30 * time.Millisecond
	probeRTTInflightMu = 4 // inflight <= probeRTTInflightMu*MSS to leave PROBE_RTT.
)

// probeBWCycle is the pacing-gain cycle cTCP's BBR walks through in PROBE_BW,
// biasing one round up and one down per RTT to probe for extra bandwidth
// while draining any queue the up-round built.
var probeBWCycle = [8]float64{5.0 / 4, 3.0 / 4, 1, 1, 1, 1, 1, 1}

// AckSample is fed to [Controller.OnAck] for every segment acknowledgement.
type AckSample struct {
	EstimatedRTT time.Duration
	// AckedSinceBaseline is the cumulative bytes acked in this ACK,
	// segment.ack - last_ack_received, used for the congestion-limit
	// countdown (see SPEC_FULL.md's resolution of the ackedDataCountReal
	// ambiguity).
	AckedSinceBaseline uint32
	// AckedTotal is the total payload length covered by the newly
	// retired sent-unacked segment, used for bandwidth sampling.
	AckedTotal uint32
	AppLimited bool
	Timestamp  time.Time
	Retried    bool
	Inflight   uint32
}

// Controller is a single connection's BBR state machine. The zero value is
// not usable; construct with [New].
type Controller struct {
	MSS uint32

	phase           Phase
	cycleIndex      int
	cyclePhaseStart time.Time
	rngState        uint32

	minRTT   time.Duration
	minRTTts time.Time

	bwFilter maxBWFilter
	round    int

	fullBW         float64 // bytes/sec
	fullBWReached  bool
	fullBWCount    int

	priorCwnd uint32
	priorBW   float64

	cwnd        uint32
	pacingGain  float64
	cwndGain    float64
	inflight    uint32
	lastSend    time.Time

	congestionEvent     bool
	congestionLimitLeft uint32

	probeRTTDone       bool
	timeToStopProbeRTT time.Time
}

// New returns a Controller starting in STARTUP, with cwnd seeded to 4*MSS
// (the classic initial window) and pacing bootstrap driven by the gains
// table above.
func New(mss uint32, now time.Time) *Controller {
	if mss == 0 {
		mss = 1460
	}
	c := &Controller{
		MSS:             mss,
		phase:           Startup,
		cyclePhaseStart: now,
		minRTT:          time.Hour, // unset sentinel; any real sample is lower.
		minRTTts:        now,
		cwnd:            4 * mss,
		pacingGain:      startupGain,
		cwndGain:        startupGain,
		lastSend:        now,
		rngState:        uint32(now.UnixNano()) | 1,
	}
	return c
}

// Phase returns the controller's current BBR phase.
func (c *Controller) Phase() Phase { return c.phase }

// Cwnd returns the current congestion window in bytes.
func (c *Controller) Cwnd() uint32 { return c.cwnd }

// MinRTT returns the current minimum round-trip-time estimate, used by the
// transport's retransmission timer (5x this value).
func (c *Controller) MinRTT() time.Duration { return c.minRTT }

// BDP returns the bandwidth-delay product estimate in bytes.
func (c *Controller) BDP() float64 {
	return float64(c.minRTT) / float64(time.Second) * c.bwFilter.max()
}

// PacingBudget returns the maximum number of payload bytes the transport
// may transmit at now, given the pacing gain and elapsed time since the
// last send. It is forced to zero mid-congestion-event while inflight
// exceeds BDP*1.1.
func (c *Controller) PacingBudget(now time.Time) uint32 {
	if c.congestionEvent && float64(c.inflight) > c.BDP()*1.1 {
		return 0
	}
	bw := c.bwFilter.max()
	if bw <= 0 {
		return c.MSS // bootstrap: no samples yet, allow one MSS worth.
	}
	dt := now.Sub(c.lastSend)
	if dt < 0 {
		dt = 0
	}
	budget := float64(dt) / float64(time.Second) * bw * c.pacingGain
	if budget < 0 {
		budget = 0
	}
	return uint32(budget)
}

// CwndBudget returns the current congestion window in bytes.
func (c *Controller) CwndBudget() uint32 { return c.cwnd }

// OnSend accounts actualBytes as newly inflight and timestamps the send.
func (c *Controller) OnSend(actualBytes uint32, now time.Time) {
	c.inflight += actualBytes
	c.lastSend = now
}

// OnRetransmit enters a congestion event if one is not already in progress:
// cwnd collapses to 4*MSS and congestion_limit_left is seeded from the
// current inflight count, requiring that many acked bytes before recovery.
func (c *Controller) OnRetransmit(now time.Time) {
	if c.congestionEvent {
		return
	}
	c.congestionEvent = true
	c.priorCwnd = c.cwnd
	c.priorBW = c.bwFilter.max()
	c.cwnd = 4 * c.MSS
	c.congestionLimitLeft = c.inflight
}

// OnAck feeds one acknowledgement sample into the controller: it updates
// min-RTT tracking, the windowed-max bandwidth filter, the full-bandwidth
// detector, phase transitions, and the congestion window.
func (c *Controller) OnAck(s AckSample) {
	c.round++
	c.inflight = s.Inflight

	c.updateMinRTT(s)
	c.updateBandwidth(s)
	c.updateFullBW(s)
	c.advancePhase(s)
	c.updateCwnd(s)

	if c.congestionEvent {
		if s.AckedSinceBaseline >= c.congestionLimitLeft {
			c.congestionEvent = false
			c.cwnd = c.priorCwnd
			c.bwFilter.insert(c.round, c.priorBW)
		} else {
			c.congestionLimitLeft -= s.AckedSinceBaseline
		}
	}

	metrics.BBRPhase.Set(float64(c.phase))
	metrics.BBRCwnd.Set(float64(c.cwnd))
	metrics.BBRPacingRate.Set(c.bwFilter.max() * c.pacingGain)
}

func (c *Controller) updateMinRTT(s AckSample) {
	expired := s.Timestamp.Sub(c.minRTTts) > minRTTExpiry
	if s.EstimatedRTT > 0 && (s.EstimatedRTT < c.minRTT || expired) {
		c.minRTT = s.EstimatedRTT
		c.minRTTts = s.Timestamp
		if expired && c.phase != ProbeRTT {
			c.enterProbeRTT(s.Timestamp)
		}
	}
}

func (c *Controller) enterProbeRTT(now time.Time) {
	c.priorCwnd = c.cwnd
	c.phase = ProbeRTT
	c.probeRTTDone = false
	c.timeToStopProbeRTT = time.Time{}
	c.cyclePhaseStart = now
	c.pacingGain = probeRTTGain
	c.cwndGain = probeRTTGain
}

func (c *Controller) updateBandwidth(s AckSample) {
	if s.AppLimited || s.Retried || s.EstimatedRTT <= 0 {
		return
	}
	bw := float64(s.AckedTotal) / (float64(s.EstimatedRTT) / float64(time.Second))
	c.bwFilter.insert(c.round, bw)
}

func (c *Controller) updateFullBW(s AckSample) {
	if c.fullBWReached || s.AppLimited {
		return
	}
	if s.EstimatedRTT <= time.Duration(float64(c.minRTT)*1.25)+1 {
		return
	}
	bw := c.bwFilter.max()
	if bw > c.fullBW*fullBWGrowthThresh {
		c.fullBW = bw
		c.fullBWCount = 0
		return
	}
	c.fullBWCount++
	if c.fullBWCount >= fullBWRounds {
		c.fullBWReached = true
	}
}

func (c *Controller) advancePhase(s AckSample) {
	switch c.phase {
	case Startup:
		if c.fullBWReached {
			c.phase = Drain
			c.pacingGain = drainGain
			c.cwndGain = drainGain
		}
	case Drain:
		if float64(c.inflight) < c.BDP() {
			c.enterProbeBW(s.Timestamp, true)
		}
	case ProbeBW:
		c.maybeShiftCycle(s)
	case ProbeRTT:
		c.driveProbeRTT(s)
	}
}

func (c *Controller) enterProbeBW(now time.Time, randomStart bool) {
	c.phase = ProbeBW
	c.cwndGain = probeBWCwndGain
	if randomStart {
		c.rngState = internal.Prand32(c.rngState)
		c.cycleIndex = int(c.rngState % uint32(len(probeBWCycle)))
	}
	c.pacingGain = probeBWCycle[c.cycleIndex]
	c.cyclePhaseStart = now
}

func (c *Controller) maybeShiftCycle(s AckSample) {
	dwell := c.minRTT
	if dwell < probeBWCycleFloor {
		dwell = probeBWCycleFloor
	}
	elapsed := s.Timestamp.Sub(c.cyclePhaseStart)
	if elapsed < dwell {
		return
	}
	bdp := c.BDP()
	shift := false
	switch {
	case c.pacingGain > 1:
		shift = float64(c.inflight) >= bdp*c.pacingGain || s.Retried
	case c.pacingGain < 1:
		shift = float64(c.inflight) < bdp*c.pacingGain
	default:
		shift = true
	}
	if !shift {
		return
	}
	c.cycleIndex = (c.cycleIndex + 1) % len(probeBWCycle)
	c.pacingGain = probeBWCycle[c.cycleIndex]
	c.cyclePhaseStart = s.Timestamp
}

func (c *Controller) driveProbeRTT(s AckSample) {
	if c.inflight <= probeRTTInflightMu*c.MSS && c.timeToStopProbeRTT.IsZero() {
		c.timeToStopProbeRTT = s.Timestamp.Add(maxDuration(probeRTTDwell, s.EstimatedRTT))
	}
	if c.timeToStopProbeRTT.IsZero() || s.Timestamp.Before(c.timeToStopProbeRTT) {
		return
	}
	if c.cwnd < c.priorCwnd {
		c.cwnd = c.priorCwnd
	}
	if c.fullBWReached {
		c.enterProbeBW(s.Timestamp, true)
	} else {
		c.phase = Startup
		c.pacingGain = startupGain
		c.cwndGain = startupGain
		c.cyclePhaseStart = s.Timestamp
	}
}

func (c *Controller) updateCwnd(s AckSample) {
	expected := c.BDP() * c.cwndGain
	if c.fullBWReached {
		if float64(c.cwnd) > expected {
			c.cwnd = uint32(expected)
		}
	} else {
		c.cwnd = uint32(expected)
	}
	c.cwnd += s.AckedTotal
	if c.phase == ProbeRTT && c.cwnd > 4*c.MSS {
		c.cwnd = 4 * c.MSS
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}
