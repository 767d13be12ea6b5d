// Package auth implements the preamble exchange and the cookie-based
// challenge-response that run on every newly accepted connection
// before any payload frame.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"fmt"
	"os"

	"ptyrelay/internal/frame"
)

// ProtocolVersion is embedded in the preamble magic. Bumping it breaks
// compatibility with peers built from a different version, by design.
const ProtocolVersion = 3

// magic is the 8-byte preamble: a 4-byte tag, 3 reserved zero bytes, and
// the protocol version.
var magic = [8]byte{'P', 'T', 'Y', 'R', 0, 0, 0, ProtocolVersion}

const nonceLen = 16
const digestLen = sha1.Size // 20

// MinCookieLen and MaxCookieLen bound the cookie file.
const (
	MinCookieLen = 64
	MaxCookieLen = 1024
)

// LoadCookie reads a cookie file. It is read once at startup; the
// contents are never logged. An out-of-bounds size is rejected before
// any socket operation is attempted.
func LoadCookie(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read cookie file: %w", err)
	}
	if len(data) < MinCookieLen || len(data) > MaxCookieLen {
		return nil, fmt.Errorf("auth: cookie file must be %d-%d bytes, got %d", MinCookieLen, MaxCookieLen, len(data))
	}
	return data, nil
}

// badFrame reports whether a received frame fails to match what was
// expected: a wrong tag or a wrong length each rejects on its own,
// never requiring both.
func badFrame(gotTag frame.Tag, wantTag frame.Tag, gotLen, wantLen int) bool {
	return gotTag != wantTag || gotLen != wantLen
}

// NegotiateServer runs the server side of preamble + auth negotiation.
// cookie may be nil, meaning the server serves unauthenticated.
func NegotiateServer(fd int, cookie []byte) error {
	if err := frame.WriteFrame(fd, frame.Preamble, magic[:]); err != nil {
		return fmt.Errorf("auth: write preamble: %w", err)
	}
	buf := make([]byte, frame.MaxPayload)
	tag, payload, err := frame.ReadFrame(fd, buf)
	if err != nil {
		return fmt.Errorf("auth: read preamble echo: %w", err)
	}
	if badFrame(tag, frame.Preamble, len(payload), len(magic)) || string(payload) != string(magic[:]) {
		return fmt.Errorf("auth: preamble mismatch")
	}

	if len(cookie) == 0 {
		return frame.WriteFrame(fd, frame.None, nil)
	}

	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("auth: generate nonce: %w", err)
	}
	if err := frame.WriteFrame(fd, frame.Auth, nonce); err != nil {
		return fmt.Errorf("auth: write nonce: %w", err)
	}

	tag, payload, err = frame.ReadFrame(fd, buf)
	if err != nil {
		return fmt.Errorf("auth: read answer: %w", err)
	}
	want := digest(nonce, cookie)
	if badFrame(tag, frame.Auth, len(payload), digestLen) || string(payload) != string(want) {
		frame.WriteFrame(fd, frame.Close, nil)
		return fmt.Errorf("auth: digest mismatch")
	}
	return frame.WriteFrame(fd, frame.None, nil)
}

// NegotiateClient runs the client side of preamble + auth negotiation.
// cookie may be nil; a client that holds one but finds the server
// serving unauthenticated warns and proceeds.
func NegotiateClient(fd int, cookie []byte) error {
	buf := make([]byte, frame.MaxPayload)
	tag, payload, err := frame.ReadFrame(fd, buf)
	if err != nil {
		return fmt.Errorf("auth: read preamble: %w", err)
	}
	if badFrame(tag, frame.Preamble, len(payload), len(magic)) || string(payload) != string(magic[:]) {
		return fmt.Errorf("auth: preamble mismatch (protocol version skew?)")
	}
	if err := frame.WriteFrame(fd, frame.Preamble, payload); err != nil {
		return fmt.Errorf("auth: echo preamble: %w", err)
	}

	tag, payload, err = frame.ReadFrame(fd, buf)
	if err != nil {
		return fmt.Errorf("auth: read auth/none: %w", err)
	}
	switch tag {
	case frame.None:
		if len(cookie) > 0 {
			fmt.Fprintln(os.Stderr, "ptyrelay: warning: server has no cookie; proceeding unauthenticated")
		}
		return nil
	case frame.Auth:
		if len(payload) != nonceLen {
			return fmt.Errorf("auth: bad nonce length %d", len(payload))
		}
		answer := digest(payload, cookie)
		if err := frame.WriteFrame(fd, frame.Auth, answer); err != nil {
			return fmt.Errorf("auth: write answer: %w", err)
		}
		tag, _, err = frame.ReadFrame(fd, buf)
		if err != nil {
			return fmt.Errorf("auth: read auth result: %w", err)
		}
		if tag != frame.None {
			return fmt.Errorf("auth: rejected by server")
		}
		return nil
	default:
		return fmt.Errorf("auth: unexpected frame tag %s during negotiation", tag)
	}
}

func digest(nonce, cookie []byte) []byte {
	h := sha1.New()
	h.Write(nonce)
	h.Write(cookie)
	return h.Sum(nil)
}
