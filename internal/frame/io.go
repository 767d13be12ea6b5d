package frame

import (
	"fmt"

	"ptyrelay/internal/netio"
)

// WriteFrame encodes and fully writes one frame to fd. It fails only if
// the entire frame could not be delivered.
func WriteFrame(fd int, tag Tag, payload []byte) error {
	buf, err := Encode(make([]byte, 0, 3+len(payload)), tag, payload)
	if err != nil {
		return err
	}
	return netio.WriteAll(fd, buf)
}

// ReadFrame blocks (with readiness-wait) until a complete frame is
// available on fd, or the transport signals EOF/error. buf must have
// capacity for at least MaxPayload bytes; ReadFrame reuses it for the
// payload and returns a slice of it.
func ReadFrame(fd int, buf []byte) (tag Tag, payload []byte, err error) {
	if cap(buf) < MaxPayload {
		return 0, nil, fmt.Errorf("frame: read buffer too small (%d < %d)", cap(buf), MaxPayload)
	}

	var header [3]byte
	if err := netio.ReadAll(fd, header[:1]); err != nil {
		return 0, nil, err
	}
	tag = DecodeTag(header[0])
	hlen := HeaderLen(header[0])
	if err := netio.ReadAll(fd, header[1:1+hlen]); err != nil {
		return 0, nil, err
	}
	n := DecodeLength(header[1 : 1+hlen])

	payload = buf[:n]
	if n > 0 {
		if err := netio.ReadAll(fd, payload); err != nil {
			return 0, nil, err
		}
	}
	return tag, payload, nil
}
