// Package wire implements the on-the-wire datagram framing: the fixed
// 16-byte header prepended to every cluster datagram, and the message
// bodies carried by the control, membership, and service-group protocols
// layered on top of it.
//
// All multi-byte integers are little-endian on the wire.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size, in bytes, of the datagram header.
const HeaderSize = 16

// ControlPort is reserved for control messages (ACK, LISTENREQ, ...).
const ControlPort = 0

// HighProtectedPort is the highest port number reserved for the cluster's
// own protocols (membership, barrier, service groups). Sends on ports
// above it are "user ports": callers block until the cluster is quorate
// and not mid-transition, unless FlagDontWait is set.
const HighProtectedPort = 10

// Flags is the bitmask carried in the header's flags byte.
type Flags uint8

const (
	// FlagNoAck suppresses the ACK/dedup machinery for this datagram.
	FlagNoAck Flags = 1 << iota
	// FlagReplyExp marks that the sender expects an ACK in reply.
	FlagReplyExp
	// FlagMulticast marks the datagram as addressed to all members.
	FlagMulticast
	// FlagQueue asks the framing layer to queue the send rather than
	// transmit inline; the transport does not act on this bit.
	FlagQueue
	// FlagBcastSelf asks for a multicast to be looped back to the
	// sender's own receive path; the transport does not act on this bit.
	FlagBcastSelf
	// FlagDontWait requests EAGAIN instead of blocking when the send
	// path would otherwise suspend.
	FlagDontWait
	// FlagAllInt transmits through every endpoint in the set instead of
	// just the current one; endpoints carry no receive-only role, so none
	// is skipped. No sender in this tree sets it.
	FlagAllInt
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Header is the fixed framing header prepended to every outbound payload
// and parsed from every inbound one.
type Header struct {
	Port    uint8
	Flags   Flags
	Cluster uint16
	Seq     uint16
	Ack     uint16
	SrcID   int32
	TgtID   int32 // 0 means multicast
}

// Encode writes the header to a fixed 16-byte buffer.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Port
	buf[1] = byte(h.Flags)
	binary.LittleEndian.PutUint16(buf[2:4], h.Cluster)
	binary.LittleEndian.PutUint16(buf[4:6], h.Seq)
	binary.LittleEndian.PutUint16(buf[6:8], h.Ack)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.SrcID))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.TgtID))
	return buf
}

// DecodeHeader parses a header from the front of buf, returning the header
// and the remaining payload bytes.
func DecodeHeader(buf []byte) (*Header, []byte, error) {
	if len(buf) < HeaderSize {
		return nil, nil, fmt.Errorf("wire: short datagram: %d bytes < %d header bytes", len(buf), HeaderSize)
	}
	h := &Header{
		Port:    buf[0],
		Flags:   Flags(buf[1]),
		Cluster: binary.LittleEndian.Uint16(buf[2:4]),
		Seq:     binary.LittleEndian.Uint16(buf[4:6]),
		Ack:     binary.LittleEndian.Uint16(buf[6:8]),
		SrcID:   int32(binary.LittleEndian.Uint32(buf[8:12])),
		TgtID:   int32(binary.LittleEndian.Uint32(buf[12:16])),
	}
	return h, buf[HeaderSize:], nil
}

// SeqBefore reports whether a comes strictly before b in 16-bit wrap-aware
// sequence space (half the space ahead counts as "before", the other half
// as "after" — the usual TCP-style comparison).
func SeqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}

// byteWriter is a tiny helper used by the membership/sg message encoders to
// avoid repeating bytes.Buffer + binary.Write boilerplate at each call site.
type byteWriter struct {
	buf bytes.Buffer
}

func (w *byteWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *byteWriter) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *byteWriter) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *byteWriter) bytes(b []byte) { w.buf.Write(b) }
func (w *byteWriter) cstring(s string, maxLen int) {
	b := []byte(s)
	if len(b) > maxLen-1 {
		b = b[:maxLen-1]
	}
	w.buf.Write(b)
	w.buf.WriteByte(0)
}

type byteReader struct {
	buf []byte
	off int
}

func newByteReader(buf []byte) *byteReader { return &byteReader{buf: buf} }

func (r *byteReader) u8() (uint8, error) {
	if r.off+1 > len(r.buf) {
		return 0, fmt.Errorf("wire: truncated u8")
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if r.off+2 > len(r.buf) {
		return 0, fmt.Errorf("wire: truncated u16")
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off : r.off+2])
	r.off += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("wire: truncated u32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *byteReader) bytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, fmt.Errorf("wire: truncated bytes (want %d, have %d)", n, len(r.buf)-r.off)
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

func (r *byteReader) cstring(maxLen int) (string, error) {
	end := r.off
	limit := r.off + maxLen
	if limit > len(r.buf) {
		limit = len(r.buf)
	}
	for end < limit && r.buf[end] != 0 {
		end++
	}
	if end >= len(r.buf) {
		return "", fmt.Errorf("wire: unterminated string")
	}
	s := string(r.buf[r.off:end])
	r.off = end + 1
	return s, nil
}

func (r *byteReader) remaining() []byte {
	return r.buf[r.off:]
}
