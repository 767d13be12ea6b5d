// Package frame implements the typed, length-prefixed wire records that
// carry everything between client and server: preamble negotiation,
// challenge-response auth, PTY input/output, window-resize events,
// session identifiers, and close signals.
//
// Frame layout:
//
//	byte 0:   tag (bits 0..6) | length-is-2-bytes flag (bit 7)
//	byte 1..: length, 1 or 2 bytes, little-endian
//	byte ...: payload, exactly `length` bytes
//
// The length field is transmitted little-endian. This is a sender-native
// choice, not a wire guarantee: a client and server built from different
// byte-order assumptions will not interoperate, and this implementation
// does not attempt to detect that.
package frame

import "fmt"

// Tag identifies the kind of record a frame carries.
type Tag uint8

const (
	Preamble Tag = iota
	Auth
	None
	Close
	Regular
	Winch
	SessID
)

func (t Tag) String() string {
	switch t {
	case Preamble:
		return "PREAMBLE"
	case Auth:
		return "AUTH"
	case None:
		return "NONE"
	case Close:
		return "CLOSE"
	case Regular:
		return "REGULAR"
	case Winch:
		return "WINCH"
	case SessID:
		return "SESSID"
	default:
		return fmt.Sprintf("TAG(%d)", uint8(t))
	}
}

// MaxPayload is the largest payload a single frame can carry.
const MaxPayload = 65535

const lenExtBit = 0x80

// Encode appends the wire encoding of (tag, payload) to dst and returns
// the extended slice. Payloads longer than MaxPayload are rejected.
func Encode(dst []byte, tag Tag, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("frame: payload length %d exceeds max %d", len(payload), MaxPayload)
	}
	if uint8(tag)&lenExtBit != 0 {
		return nil, fmt.Errorf("frame: tag %d out of range", tag)
	}
	if len(payload) <= 255 {
		dst = append(dst, uint8(tag), uint8(len(payload)))
	} else {
		n := len(payload)
		dst = append(dst, uint8(tag)|lenExtBit, uint8(n), uint8(n>>8))
	}
	return append(dst, payload...), nil
}

// HeaderLen returns the size of the length field (1 or 2 bytes) implied
// by the first header byte, i.e. the number of bytes still needed to
// read the length field after the tag byte.
func HeaderLen(first byte) int {
	if first&lenExtBit != 0 {
		return 2
	}
	return 1
}

// DecodeTag splits the tag and length-extension flag out of the first
// header byte.
func DecodeTag(first byte) Tag {
	return Tag(first &^ lenExtBit)
}

// DecodeLength reconstructs the payload length from the length field
// bytes (1 or 2 of them, per HeaderLen), little-endian.
func DecodeLength(lenBytes []byte) int {
	if len(lenBytes) == 1 {
		return int(lenBytes[0])
	}
	return int(lenBytes[0]) | int(lenBytes[1])<<8
}
