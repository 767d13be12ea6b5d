// Package netio provides full-buffer read/write helpers for
// non-blocking file descriptors. EINTR is retried transparently;
// EAGAIN waits for readiness (via poll on the single fd) and retries.
// These helpers are not thread-safe — callers must serialize use per
// descriptor, same as the underlying fd.
package netio

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by ReadAll when the peer closed its end cleanly
// (a zero-byte read) while the caller expected data.
var ErrClosed = errors.New("netio: peer closed connection")

// Conn is a non-blocking file descriptor with full-buffer read/write.
type Conn struct {
	fd int
}

// New wraps an already-open, already-non-blocking descriptor.
func New(fd int) *Conn { return &Conn{fd: fd} }

// Fd returns the underlying descriptor.
func (c *Conn) Fd() int { return c.fd }

// Close closes the underlying descriptor.
func (c *Conn) Close() error { return unix.Close(c.fd) }

// SetNonblock sets or clears O_NONBLOCK on fd.
func SetNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// WaitReadable blocks until fd is readable or an error/hangup occurs.
func WaitReadable(fd int) error { return waitFD(fd, unix.POLLIN) }

// WaitWritable blocks until fd is writable or an error/hangup occurs.
func WaitWritable(fd int) error { return waitFD(fd, unix.POLLOUT) }

func waitFD(fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n > 0 {
			if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
				return fmt.Errorf("netio: poll error on fd %d", fd)
			}
			return nil
		}
	}
}

// WaitReadableTimeout is like WaitReadable but gives up after d,
// returning unix.EAGAIN on timeout. No caller in this module uses it:
// the client's reconnect backoff is a plain sleep, and the event loops
// use the N-way ready.Poller instead of single-fd waits.
func WaitReadableTimeout(fd int, d time.Duration) error {
	ms := int(d.Milliseconds())
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return unix.EAGAIN
		}
		return nil
	}
}

// ReadAll reads exactly len(buf) bytes, retrying on EINTR/EAGAIN.
// A zero-byte read before buf is full is reported as ErrClosed.
func ReadAll(fd int, buf []byte) error {
	got := 0
	for got < len(buf) {
		n, err := unix.Read(fd, buf[got:])
		if n > 0 {
			got += n
			continue
		}
		if err == nil || n == 0 {
			return ErrClosed
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := WaitReadable(fd); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
	return nil
}

// WriteAll writes every byte of buf, retrying on EINTR/EAGAIN.
func WriteAll(fd int, buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, err := unix.Write(fd, buf[sent:])
		if n > 0 {
			sent += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := WaitWritable(fd); werr != nil {
				return werr
			}
			continue
		}
		if err == nil {
			return fmt.Errorf("netio: short write with no error")
		}
		return err
	}
	return nil
}

// DupFD extracts a private, non-blocking file descriptor from a net.Conn
// (TCP, Unix, or anything else backed by *os.File-style raw syscalls).
// The descriptor is an independent dup of the conn's underlying socket:
// the caller owns it and must close it itself; closing the original conn
// afterwards (as callers of DupFD should, since the conn is no longer
// needed once its fd has been lifted out) does not affect the dup.
// Transport construction — what kind of conn this is — is out of scope
// per the wire protocol's design; this is the one seam where a stream
// built by net.Dial/net.Listen crosses into the frame/netio fd world.
func DupFD(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, fmt.Errorf("netio: %T does not expose a raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("netio: SyscallConn: %w", err)
	}
	var fd int
	var dupErr error
	if err := raw.Control(func(sockfd uintptr) {
		fd, dupErr = unix.Dup(int(sockfd))
	}); err != nil {
		return -1, fmt.Errorf("netio: raw control: %w", err)
	}
	if dupErr != nil {
		return -1, fmt.Errorf("netio: dup: %w", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netio: set non-blocking: %w", err)
	}
	return fd, nil
}

// Read performs a single, possibly-partial read, waiting for readiness
// (as often as EAGAIN recurs) until at least one byte arrives. A
// zero-byte read is reported as ErrClosed. Used by the client for
// stdin, where "peer closed" must be told apart from "nothing yet".
func Read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			return 0, ErrClosed
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if werr := WaitReadable(fd); werr != nil {
				return 0, werr
			}
			continue
		}
		return 0, err
	}
}
