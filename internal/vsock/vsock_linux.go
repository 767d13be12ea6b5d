//go:build linux

package vsock

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Conn is a connected AF_VSOCK stream socket. The standard net package
// has no VSOCK network name and net.FileConn does not recognize the
// address family, so this is a thin net.Conn over the raw descriptor —
// just enough surface for the frame layer, which immediately lifts the
// fd back out via its syscall.Conn anyway.
type Conn struct {
	f      *os.File
	local  *Addr
	remote *Addr
}

func (c *Conn) Read(p []byte) (int, error)  { return c.f.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.f.Write(p) }
func (c *Conn) Close() error                { return c.f.Close() }
func (c *Conn) LocalAddr() net.Addr         { return c.local }
func (c *Conn) RemoteAddr() net.Addr        { return c.remote }

// SyscallConn exposes the raw descriptor, the same seam *net.TCPConn
// and *net.UnixConn provide.
func (c *Conn) SyscallConn() (syscall.RawConn, error) { return c.f.SyscallConn() }

// Deadlines are unsupported: the relay core never sets them (all its
// waiting goes through the readiness primitive).
func (c *Conn) SetDeadline(time.Time) error      { return errDeadline }
func (c *Conn) SetReadDeadline(time.Time) error  { return errDeadline }
func (c *Conn) SetWriteDeadline(time.Time) error { return errDeadline }

var errDeadline = fmt.Errorf("vsock: deadlines not supported")

// Dial connects to (cid, port) over AF_VSOCK.
func Dial(cid, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock: socket: %w", err)
	}
	sa := &unix.SockaddrVM{CID: cid, Port: port}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock: connect cid %d port %d: %w", cid, port, err)
	}
	return &Conn{
		f:      os.NewFile(uintptr(fd), "vsock"),
		local:  &Addr{CID: unix.VMADDR_CID_ANY},
		remote: &Addr{CID: cid, Port: port},
	}, nil
}

// Listener accepts AF_VSOCK stream connections.
type Listener struct {
	f    *os.File
	addr *Addr
}

// Listen binds to port on any local CID and starts listening.
func Listen(port uint32) (net.Listener, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock: socket: %w", err)
	}
	sa := &unix.SockaddrVM{CID: unix.VMADDR_CID_ANY, Port: port}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock: bind port %d: %w", port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("vsock: listen: %w", err)
	}
	return &Listener{
		f:    os.NewFile(uintptr(fd), "vsock-listener"),
		addr: &Addr{CID: unix.VMADDR_CID_ANY, Port: port},
	}, nil
}

const listenBacklog = 8

func (l *Listener) Accept() (net.Conn, error) {
	for {
		fd, sa, err := unix.Accept4(int(l.f.Fd()), unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("vsock: accept: %w", err)
		}
		remote := &Addr{}
		if vm, ok := sa.(*unix.SockaddrVM); ok {
			remote.CID, remote.Port = vm.CID, vm.Port
		}
		return &Conn{
			f:      os.NewFile(uintptr(fd), "vsock"),
			local:  l.addr,
			remote: remote,
		}, nil
	}
}

func (l *Listener) Close() error { return l.f.Close() }

func (l *Listener) Addr() net.Addr { return l.addr }
