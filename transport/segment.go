// Package transport implements cTCP: a reliable byte-stream protocol
// carried over an unreliable datagram substrate, deliberately simpler than
// RFC 9293 TCP (no SYN handshake, no options, no SACK). See [Connection]
// for the per-connection state machine and [Segment] for the wire format.
package transport

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/ctcpr/ipv4"
)

// HeaderLen is the fixed size of a cTCP segment header; payload follows.
const HeaderLen = 16

// Flag bits carried in the segment's flags octet.
const (
	FlagACK uint8 = 0x10
	FlagFIN uint8 = 0x01
)

var errShort = errors.New("transport: segment shorter than header")

// Segment is a borrowed-buffer view over a cTCP segment: 16-byte header
// (sequence, acknowledgement, length, flags, receive-window, checksum)
// followed by payload. See [NewSegment].
type Segment struct {
	buf []byte
}

// NewSegment wraps buf as a Segment. An error is returned if buf is shorter
// than [HeaderLen]; callers must still bound reads to [Segment.Len] before
// touching [Segment.Payload] to avoid panics on truncated input.
func NewSegment(buf []byte) (Segment, error) {
	if len(buf) < HeaderLen {
		return Segment{}, errShort
	}
	return Segment{buf: buf}, nil
}

// RawData returns the underlying buffer the Segment was constructed with.
func (s Segment) RawData() []byte { return s.buf }

func (s Segment) Seq() uint32        { return binary.BigEndian.Uint32(s.buf[0:4]) }
func (s Segment) SetSeq(v uint32)    { binary.BigEndian.PutUint32(s.buf[0:4], v) }
func (s Segment) Ack() uint32        { return binary.BigEndian.Uint32(s.buf[4:8]) }
func (s Segment) SetAck(v uint32)    { binary.BigEndian.PutUint32(s.buf[4:8], v) }
func (s Segment) Len() uint16        { return binary.BigEndian.Uint16(s.buf[8:10]) }
func (s Segment) SetLen(v uint16)    { binary.BigEndian.PutUint16(s.buf[8:10], v) }
func (s Segment) Flags() uint8       { return s.buf[10] }
func (s Segment) SetFlags(v uint8)   { s.buf[10] = v }
func (s Segment) HasACK() bool       { return s.Flags()&FlagACK != 0 }
func (s Segment) HasFIN() bool       { return s.Flags()&FlagFIN != 0 }
func (s Segment) RecvWindow() uint16 { return binary.BigEndian.Uint16(s.buf[12:14]) }
func (s Segment) SetRecvWindow(v uint16) {
	binary.BigEndian.PutUint16(s.buf[12:14], v)
}
func (s Segment) CRC() uint16     { return binary.BigEndian.Uint16(s.buf[14:16]) }
func (s Segment) SetCRC(v uint16) { binary.BigEndian.PutUint16(s.buf[14:16], v) }

// Payload returns the bytes following the header, up to [Segment.Len].
// Callers must have validated Len against the buffer's actual size first.
func (s Segment) Payload() []byte { return s.buf[HeaderLen:s.Len()] }

// CalculateChecksum computes the one's-complement checksum over the whole
// segment (header + payload, Len bytes total), treating the checksum field
// itself as zero, as required before transmission and to validate on
// receipt.
func (s Segment) CalculateChecksum() uint16 {
	saved := s.CRC()
	s.SetCRC(0)
	sum := ipv4.Checksum(s.buf[:s.Len()])
	s.SetCRC(saved)
	return sum
}

// ValidateChecksum reports whether the segment's checksum field matches a
// freshly computed checksum over its declared length, per §4.2's receive
// validation rule: the one's-complement sum over segment.len bytes is 0xFFFF.
// Unlike [Segment.CalculateChecksum], this sums the stored checksum field
// as-is: one's-complement arithmetic makes the sum of a correctly-checksummed
// buffer, checksum field included, equal to 0xFFFF, so [ipv4.Checksum],
// which returns the complement of that sum, yields 0.
func (s Segment) ValidateChecksum() bool {
	return ipv4.Checksum(s.buf[:s.Len()]) == 0
}
