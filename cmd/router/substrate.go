package main

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/soypat/ctcpr/internal"
	"github.com/soypat/ctcpr/router"
)

// rxEvent is one link-layer frame lifted off a TAP device, destined for the
// single-threaded event loop driving [router.Router.HandleFrame].
type rxEvent struct {
	iface string
	frame []byte
}

// tapSubstrate implements [router.Substrate] over one TAP device per
// configured interface.
type tapSubstrate struct {
	taps map[string]*internal.Tap
}

func newTapSubstrate() *tapSubstrate {
	return &tapSubstrate{taps: make(map[string]*internal.Tap)}
}

// AddInterface brings up a TAP device named after ifc.Name and forces its
// hardware address to ifc.HW.
func (s *tapSubstrate) AddInterface(ifc router.Interface) error {
	tap, err := internal.NewTap(ifc.Name, netip.Prefix{})
	if err != nil {
		return fmt.Errorf("creating tap device: %w", err)
	}
	if err := tap.SetHardwareAddress6(ifc.HW); err != nil {
		tap.Close()
		return fmt.Errorf("assigning hardware address: %w", err)
	}
	s.taps[ifc.Name] = tap
	return nil
}

func (s *tapSubstrate) Send(iface string, frame []byte) error {
	tap, ok := s.taps[iface]
	if !ok {
		return fmt.Errorf("cmd/router: no such interface %q", iface)
	}
	_, err := tap.Write(frame)
	return err
}

func (s *tapSubstrate) Close() {
	for _, tap := range s.taps {
		tap.Close()
	}
}

// readLoop blocks reading frames off iface's TAP device, forwarding each to
// rx for serialized processing on the main event loop.
func (s *tapSubstrate) readLoop(iface string, rx chan<- rxEvent, logger *slog.Logger) {
	tap := s.taps[iface]
	buf := make([]byte, 65536)
	for {
		n, err := tap.Read(buf)
		if err != nil {
			logger.Warn("cmd/router: tap read failed, interface stopped", "iface", iface, "err", err)
			return
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		rx <- rxEvent{iface: iface, frame: frame}
	}
}
