// Package frame implements the framed-message wire format spoken by the shade
// controllers (the RFC 6455 base framing, without extensions).
package frame

import (
	"encoding/binary"
)

// Opcode classifies a frame.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// header bits and length markers
const (
	finBit     = 0x80
	maskBit    = 0x80
	opcodeMask = 0x0F
	lenMask    = 0x7F

	len16Marker = 126
	len64Marker = 127

	maskKeySize = 4
)

// Frame is one decoded message.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// IsControl reports whether op is a control opcode (close, ping, pong).
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Decode extracts the first complete frame from buf.
//
// It returns the frame, the number of bytes it occupied, and ok=true. When buf
// does not yet hold a complete frame it returns ok=false and n=0; the caller
// should append more bytes and call again. buf is never modified: a masked
// payload is unmasked into a fresh slice.
func Decode(buf []byte) (f Frame, n int, ok bool) {
	if len(buf) < 2 {
		return Frame{}, 0, false
	}

	b0, b1 := buf[0], buf[1]
	masked := b1&maskBit != 0
	offset := 2

	var length uint64
	switch l := b1 & lenMask; l {
	case len16Marker:
		if len(buf) < offset+2 {
			return Frame{}, 0, false
		}
		length = uint64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case len64Marker:
		if len(buf) < offset+8 {
			return Frame{}, 0, false
		}
		length = binary.BigEndian.Uint64(buf[offset:])
		offset += 8
	default:
		length = uint64(l)
	}

	var key [maskKeySize]byte
	if masked {
		if len(buf) < offset+maskKeySize {
			return Frame{}, 0, false
		}
		copy(key[:], buf[offset:offset+maskKeySize])
		offset += maskKeySize
	}

	// compare in uint64 so a hostile 64-bit length cannot overflow int
	if uint64(len(buf)-offset) < length {
		return Frame{}, 0, false
	}
	end := offset + int(length)

	payload := make([]byte, length)
	copy(payload, buf[offset:end])
	if masked {
		applyMask(payload, key)
	}

	return Frame{
		Fin:     b0&finBit != 0,
		Opcode:  Opcode(b0 & opcodeMask),
		Payload: payload,
	}, end, true
}

// Encode serializes payload as a single unmasked, final frame using the
// smallest length encoding that fits.
func Encode(op Opcode, payload []byte) []byte {
	n := len(payload)

	var out []byte
	switch {
	case n < len16Marker:
		out = make([]byte, 2, 2+n)
		out[1] = byte(n)
	case n < 1<<16:
		out = make([]byte, 4, 4+n)
		out[1] = len16Marker
		binary.BigEndian.PutUint16(out[2:], uint16(n))
	default:
		out = make([]byte, 10, 10+n)
		out[1] = len64Marker
		binary.BigEndian.PutUint64(out[2:], uint64(n))
	}
	out[0] = finBit | byte(op)&opcodeMask

	return append(out, payload...)
}

// applyMask XORs p in place with the key, cycling every four bytes.
func applyMask(p []byte, key [maskKeySize]byte) {
	for i := range p {
		p[i] ^= key[i%maskKeySize]
	}
}
