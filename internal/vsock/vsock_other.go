//go:build !linux

package vsock

import (
	"fmt"
	"net"
)

// Plain VSOCK without the multiplexer is supported only on Linux; other
// platforms reach VSOCK endpoints through DialMux.

func Dial(cid, port uint32) (net.Conn, error) {
	return nil, fmt.Errorf("vsock: direct VSOCK is Linux-only; use the Unix-socket multiplexer (-u with -v)")
}

func Listen(port uint32) (net.Listener, error) {
	return nil, fmt.Errorf("vsock: direct VSOCK is Linux-only")
}
