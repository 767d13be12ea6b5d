// Package handoff implements the per-session control channel: a
// connected sequenced-packet socket pair used to pass a reconnected client's
// file descriptor from the supervisor to the worker that owns the
// session. Endpoint 0 stays with the supervisor; endpoint 1 is
// inherited by the worker across its self-exec (see internal/server)
// and is never touched by the supervisor again.
package handoff

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// Endpoint is one side of a handoff socket pair.
type Endpoint struct {
	fd int
}

// Pair creates a connected SOCK_SEQPACKET AF_UNIX socket pair, both ends
// close-on-exec, and returns the two endpoints. Sequenced packets keep
// message boundaries like datagrams but, unlike SOCK_DGRAM, report a
// closed peer as a zero-length read.
func Pair() (a, b *Endpoint, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("handoff: socketpair: %w", err)
	}
	return &Endpoint{fd: fds[0]}, &Endpoint{fd: fds[1]}, nil
}

// FromFD wraps an already-open descriptor (used by the worker, which
// inherits its endpoint as a numbered fd across exec rather than
// calling Pair itself).
func FromFD(fd int) *Endpoint { return &Endpoint{fd: fd} }

// Fd returns the underlying descriptor.
func (e *Endpoint) Fd() int { return e.fd }

// File wraps the endpoint as an *os.File for passing across exec via
// exec.Cmd.ExtraFiles. The returned File and the Endpoint share the
// descriptor; closing one closes both.
func (e *Endpoint) File() *os.File {
	return os.NewFile(uintptr(e.fd), "handoff")
}

// Close closes the endpoint.
func (e *Endpoint) Close() error {
	return unix.Close(e.fd)
}

// SendFD sends fd to the peer endpoint as ancillary data, along with a
// single dummy payload byte so the message is never empty.
func (e *Endpoint) SendFD(fd int) error {
	rights := unix.UnixRights(fd)
	return unix.Sendmsg(e.fd, []byte{0}, rights, nil, 0)
}

// RecvFD blocks until an ancillary-data message carrying one descriptor
// arrives, and returns that descriptor. A peer that closed its end is
// reported as io.EOF so the worker can stop watching the endpoint
// instead of spinning on a permanently-readable dead socket.
func (e *Endpoint) RecvFD() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := unix.Recvmsg(e.fd, buf, oob, 0)
	if err != nil {
		return -1, fmt.Errorf("handoff: recvmsg: %w", err)
	}
	if n == 0 && oobn == 0 {
		return -1, io.EOF
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("handoff: parse control message: %w", err)
	}
	if len(msgs) == 0 {
		return -1, fmt.Errorf("handoff: no control message received")
	}
	fds, err := unix.ParseUnixRights(&msgs[0])
	if err != nil {
		return -1, fmt.Errorf("handoff: parse unix rights: %w", err)
	}
	if len(fds) == 0 {
		return -1, fmt.Errorf("handoff: no descriptor in control message")
	}
	return fds[0], nil
}
