package router

import (
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/ctcpr/arp"
	"github.com/soypat/ctcpr/ethernet"
	"github.com/soypat/ctcpr/internal"
	"github.com/soypat/ctcpr/ipv4"
	"github.com/soypat/ctcpr/ipv4/icmpv4"
	"github.com/soypat/ctcpr/metrics"
)

// Substrate is the external collaborator that physically transmits a
// complete link-layer frame on a named interface. Its implementation is out
// of scope for this module.
type Substrate interface {
	Send(iface string, frame []byte) error
}

var (
	errNoInterface = errors.New("router: no matching interface")
	errNoRoute     = errors.New("router: no route and no default")
)

// Router is the forwarding-plane engine: one instance owns a set of
// interfaces, a routing table, an ARP cache and pending-request queue. It is
// driven exclusively by [Router.HandleFrame] (the receive path) and
// [Router.Sweep] (the 1-second ARP-pending timer); the caller must
// serialize these two so they never run concurrently, matching the
// single-threaded-per-engine model this system assumes.
type Router struct {
	Interfaces []Interface
	Table      Table
	Cache      *arp.Cache
	Pending    *arp.PendingQueue
	Substrate  Substrate
	Logger     *slog.Logger

	ident uint16 // IPv4 identification counter for generated ICMP datagrams.
}

// New returns a Router ready to handle frames, with a fresh ARP cache and
// pending-request queue.
func New(ifaces []Interface, table Table, substrate Substrate, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		Interfaces: ifaces,
		Table:      table,
		Cache:      arp.NewCache(),
		Pending:    arp.NewPendingQueue(),
		Substrate:  substrate,
		Logger:     logger,
	}
}

func (r *Router) ifaceByName(name string) (Interface, bool) {
	for _, ifc := range r.Interfaces {
		if ifc.Name == name {
			return ifc, true
		}
	}
	return Interface{}, false
}

func (r *Router) ifaceByIP(ip [4]byte) (Interface, bool) {
	for _, ifc := range r.Interfaces {
		if ifc.IP == ip {
			return ifc, true
		}
	}
	return Interface{}, false
}

// HandleFrame classifies and processes one received link-layer frame per
// the fixed order: ARP, then IPv4, else drop. recvIface is the name of the
// interface the frame arrived on.
func (r *Router) HandleFrame(recvIface string, frame []byte, now time.Time) error {
	switch {
	case len(frame) >= 42 && etherType(frame) == ethernet.TypeARP:
		return r.handleARP(recvIface, frame, now)
	case len(frame) >= 14 && etherType(frame) == ethernet.TypeIPv4:
		return r.handleIPv4(recvIface, frame, now)
	default:
		metrics.PacketsDropped.WithLabelValues("unclassified").Inc()
		r.Logger.Debug("router: dropping unclassified frame", "len", len(frame))
		return nil
	}
}

func etherType(frame []byte) ethernet.Type {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return 0
	}
	return efrm.EtherTypeOrSize()
}

func (r *Router) send(iface string, frame []byte) {
	if err := r.Substrate.Send(iface, frame); err != nil {
		r.Logger.Warn("router: send failed", "iface", iface, "err", err)
	}
}

//
// ARP path.
//

func (r *Router) handleARP(recvIface string, frame []byte, now time.Time) error {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return err
	}
	afrm, err := arp.NewFrame(efrm.Payload())
	if err != nil {
		return err
	}
	if err := afrm.ValidateSize(); err != nil {
		metrics.PacketsDropped.WithLabelValues("short_arp").Inc()
		r.Logger.Debug("router: short ARP packet", "err", err)
		return nil
	}

	senderHW, senderIP4 := afrm.Sender4()
	_, targetIP4 := afrm.Target4()

	switch afrm.Operation() {
	case arp.OpRequest:
		ifc, ok := r.ifaceByIP(*targetIP4)
		if !ok {
			return nil // not for us.
		}
		r.replyARP(recvIface, ifc, frame, efrm, afrm)

	case arp.OpReply:
		r.Cache.Insert(*senderIP4, *senderHW, now)
		frames, hadPending := r.Pending.Resolve(*senderIP4)
		if !hadPending {
			return nil
		}
		for _, qf := range frames {
			qefrm, err := ethernet.NewFrame(qf.Buffer)
			if err != nil {
				continue
			}
			*qefrm.DestinationHardwareAddr() = *senderHW
			metrics.PacketsForwarded.WithLabelValues(qf.Iface).Inc()
			r.send(qf.Iface, qf.Buffer)
		}
	}
	return nil
}

func (r *Router) replyARP(recvIface string, ifc Interface, frame []byte, efrm ethernet.Frame, afrm arp.Frame) {
	*efrm.DestinationHardwareAddr() = *efrm.SourceHardwareAddr()
	*efrm.SourceHardwareAddr() = ifc.HW
	afrm.SetOperation(arp.OpReply)
	afrm.SwapTargetSender()
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	senderHW, senderIP := afrm.Sender4()
	*senderHW = ifc.HW
	*senderIP = ifc.IP
	r.send(recvIface, frame)
}

//
// IPv4 path.
//

func (r *Router) handleIPv4(recvIface string, frame []byte, now time.Time) error {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		return err
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("short_ipv4").Inc()
		r.Logger.Debug("router: short IPv4 packet")
		return nil
	}
	if err := ifrm.ValidateExceptCRC(); err != nil {
		metrics.PacketsDropped.WithLabelValues("invalid_ipv4_header").Inc()
		r.Logger.Debug("router: invalid IPv4 header", "err", err)
		return nil
	}
	// Per the reference implementation's documented defect, the checksum
	// outcome is logged but never used to drop the packet.
	if ifrm.CalculateHeaderCRC() != ifrm.CRC() {
		r.Logger.Debug("router: IPv4 checksum mismatch, forwarding anyway")
	}

	dst := *ifrm.DestinationAddr()
	if _, local := r.ifaceByIP(dst); local {
		r.terminateLocally(recvIface, efrm, ifrm, now)
		return nil
	}
	return r.forward(recvIface, efrm, ifrm, now)
}

func (r *Router) terminateLocally(recvIface string, efrm ethernet.Frame, ifrm ipv4.Frame, now time.Time) {
	switch ifrm.Protocol() {
	case ipv4.ProtoICMP:
		payload := ifrm.Payload()
		if len(payload) < 8 {
			return
		}
		icfrm, err := icmpv4.NewFrame(payload)
		if err != nil {
			return
		}
		if icfrm.Type() == icmpv4.TypeEcho && icfrm.Code() == 0 {
			r.echoReply(recvIface, efrm, ifrm, icfrm)
		}
	case ipv4.ProtoTCP, ipv4.ProtoUDP:
		r.sendICMPUnreachable(recvIface, efrm, ifrm, icmpv4.CodePortUnreachable, now)
	}
}

func (r *Router) echoReply(recvIface string, efrm ethernet.Frame, ifrm ipv4.Frame, icfrm icmpv4.Frame) {
	dstHW, srcHW := *efrm.DestinationHardwareAddr(), *efrm.SourceHardwareAddr()
	*efrm.DestinationHardwareAddr() = srcHW
	*efrm.SourceHardwareAddr() = dstHW

	src, dst := *ifrm.SourceAddr(), *ifrm.DestinationAddr()
	*ifrm.SourceAddr() = dst
	*ifrm.DestinationAddr() = src
	ifrm.SetTTL(255)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	icfrm.SetType(icmpv4.TypeEchoReply)
	icfrm.SetCode(0)
	icfrm.SetCRC(0)
	var crc ipv4.CRC791
	icfrm.CRCWrite(&crc)
	icfrm.SetCRC(crc.Sum16())

	metrics.ICMPGenerated.WithLabelValues("echo_reply").Inc()
	r.send(recvIface, efrm.RawData())
}

// sendICMPUnreachable builds and transmits an ICMP Destination Unreachable
// of the given code back toward the sender of ifrm, per §6's extended
// type-3 layout: offending IP header plus first 8 payload bytes.
func (r *Router) sendICMPUnreachable(recvIface string, efrm ethernet.Frame, ifrm ipv4.Frame, code icmpv4.CodeDestinationUnreachable, now time.Time) {
	r.sendICMPError(recvIface, efrm, ifrm, icmpv4.TypeDestinationUnreachable, uint8(code), now)
}

// sendICMPError is the shared builder for every type-3/type-11 ICMP error
// generated by the forwarding and local-termination paths.
func (r *Router) sendICMPError(recvIface string, efrm ethernet.Frame, ifrm ipv4.Frame, typ icmpv4.Type, code uint8, now time.Time) {
	ifc, ok := r.ifaceByName(recvIface)
	if !ok {
		return
	}
	origHdr := ifrm.RawData()[:ifrm.HeaderLength()]
	payload := ifrm.Payload()
	extra := 8
	if len(payload) < extra {
		extra = len(payload)
	}

	const ethHdr, ipHdr, icmpHdr = 14, 20, 8
	buf := make([]byte, ethHdr+ipHdr+icmpHdr+len(origHdr)+extra)

	outEfrm, _ := ethernet.NewFrame(buf)
	*outEfrm.DestinationHardwareAddr() = *efrm.SourceHardwareAddr()
	*outEfrm.SourceHardwareAddr() = ifc.HW
	outEfrm.SetEtherType(ethernet.TypeIPv4)

	outIfrm, _ := ipv4.NewFrame(outEfrm.Payload())
	outIfrm.ClearHeader()
	outIfrm.SetVersionAndIHL(4, 5)
	outIfrm.SetTotalLength(uint16(ipHdr + icmpHdr + len(origHdr) + extra))
	r.ident++
	outIfrm.SetID(r.ident)
	outIfrm.SetTTL(64)
	outIfrm.SetProtocol(ipv4.ProtoICMP)
	*outIfrm.SourceAddr() = ifc.IP
	*outIfrm.DestinationAddr() = *ifrm.SourceAddr()
	outIfrm.SetCRC(0)
	outIfrm.SetCRC(outIfrm.CalculateHeaderCRC())

	outIcfrm, _ := icmpv4.NewFrame(outIfrm.Payload())
	outIcfrm.SetType(typ)
	outIcfrm.SetCode(code)
	body := outIfrm.Payload()[icmpHdr:]
	copy(body, origHdr)
	copy(body[len(origHdr):], payload[:extra])
	outIcfrm.SetCRC(0)
	var crc ipv4.CRC791
	outIcfrm.CRCWrite(&crc)
	outIcfrm.SetCRC(crc.Sum16())

	metrics.ICMPGenerated.WithLabelValues(icmpTypeLabel(typ)).Inc()
	r.send(recvIface, buf)
}

func icmpTypeLabel(t icmpv4.Type) string {
	switch t {
	case icmpv4.TypeDestinationUnreachable:
		return "destination_unreachable"
	case icmpv4.TypeTimeExceeded:
		return "time_exceeded"
	default:
		return "other"
	}
}

//
// Forwarding path.
//

func (r *Router) forward(recvIface string, efrm ethernet.Frame, ifrm ipv4.Frame, now time.Time) error {
	route, ok := r.Table.Lookup(*ifrm.DestinationAddr())
	if !ok {
		metrics.PacketsDropped.WithLabelValues("no_route").Inc()
		r.sendICMPError(recvIface, efrm, ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeNetUnreachable), now)
		return errNoRoute
	}
	egress, ok := r.ifaceByName(route.Iface)
	if !ok {
		return errNoInterface
	}

	ttl := ifrm.TTL()
	if ttl <= 1 {
		metrics.PacketsDropped.WithLabelValues("ttl_expired").Inc()
		r.sendICMPError(recvIface, efrm, ifrm, icmpv4.TypeTimeExceeded, 0, now)
		return nil
	}
	ifrm.SetTTL(ttl - 1)
	ifrm.SetCRC(0)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	nextHop := route.Gateway
	if internal.IsZeroed(nextHop) {
		nextHop = *ifrm.DestinationAddr() // directly-connected destination.
	}

	*efrm.SourceHardwareAddr() = egress.HW
	if hw, hit := r.Cache.Lookup(nextHop, now); hit {
		metrics.ARPCacheHits.Inc()
		*efrm.DestinationHardwareAddr() = hw
		metrics.PacketsForwarded.WithLabelValues(egress.Name).Inc()
		r.send(egress.Name, efrm.RawData())
		return nil
	}
	metrics.ARPCacheMisses.Inc()

	isNew := r.Pending.Enqueue(nextHop, arpQueuedFrame(egress.Name, recvIface, efrm.RawData()), now)
	if isNew {
		r.broadcastARPRequest(egress, nextHop)
	}
	return nil
}

func arpQueuedFrame(iface, recvIface string, buf []byte) arp.QueuedFrame {
	return arp.QueuedFrame{Iface: iface, RecvIface: recvIface, Buffer: buf}
}

// broadcastARPRequest transmits an ARP who-has for target on ifc, with a
// broadcast Ethernet destination, per §4.1.
func (r *Router) broadcastARPRequest(ifc Interface, target [4]byte) {
	buf := make([]byte, 14+28)
	efrm, _ := ethernet.NewFrame(buf)
	*efrm.DestinationHardwareAddr() = ethernet.BroadcastAddr()
	*efrm.SourceHardwareAddr() = ifc.HW
	efrm.SetEtherType(ethernet.TypeARP)

	afrm, _ := arp.NewFrame(efrm.Payload())
	afrm.SetHardware(1, 6)
	afrm.SetProtocol(ethernet.TypeIPv4, 4)
	afrm.SetOperation(arp.OpRequest)
	senderHW, senderIP := afrm.Sender4()
	*senderHW = ifc.HW
	*senderIP = ifc.IP
	_, targetIP := afrm.Target4()
	*targetIP = target

	metrics.ARPRequestsSent.Inc()
	r.send(ifc.Name, buf)
}

//
// ARP-pending sweeper.
//

// Sweep drives the ARP-pending retransmission/expiry timer. The caller must
// invoke this on a fixed 1-second period ([arp.RetryInterval]); HandleFrame
// and Sweep must never run concurrently.
func (r *Router) Sweep(now time.Time) {
	res := r.Pending.Sweep(now)
	for _, retry := range res.Retry {
		route, ok := r.routeForGateway(retry.IP)
		if !ok {
			continue
		}
		ifc, ok := r.ifaceByName(route.Iface)
		if !ok {
			continue
		}
		r.broadcastARPRequest(ifc, retry.IP)
	}
	for _, exp := range res.Expired {
		metrics.ARPPendingExpired.Inc()
		r.emitHostUnreachableForExpired(exp, now)
	}
}

func (r *Router) routeForGateway(gw [4]byte) (RouteEntry, bool) {
	for _, e := range r.Table.Entries {
		if e.Gateway == gw {
			return e, true
		}
	}
	return RouteEntry{}, false
}

func (r *Router) emitHostUnreachableForExpired(exp arp.Expired, now time.Time) {
	for _, qf := range exp.Frames {
		efrm, err := ethernet.NewFrame(qf.Buffer)
		if err != nil {
			continue
		}
		ifrm, err := ipv4.NewFrame(efrm.Payload())
		if err != nil {
			continue
		}
		r.sendICMPError(qf.RecvIface, efrm, ifrm, icmpv4.TypeDestinationUnreachable, uint8(icmpv4.CodeHostUnreachable), now)
	}
}
