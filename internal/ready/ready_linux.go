//go:build linux

package ready

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux implementation, backed by a single epoll
// instance in level-triggered mode (the default) — level-triggering
// keeps the worker/client loops simple: a descriptor that still has
// data buffered keeps reporting ready without any re-arm bookkeeping.
type epollPoller struct {
	epfd  int
	order []int // slot index -> fd currently watched, -1 when the slot is idle
}

// New creates a Poller watching the given descriptors.
func New(watches []Watch) (Poller, error) {
	if err := checkSize(len(watches)); err != nil {
		return nil, err
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	p := &epollPoller{epfd: epfd, order: make([]int, len(watches))}
	for i := range p.order {
		p.order[i] = -1
	}
	for i, w := range watches {
		if err := p.Change(i, w.Fd, w.Mode); err != nil {
			unix.Close(epfd)
			return nil, err
		}
	}
	return p, nil
}

func epollEvents(m Mode) uint32 {
	var ev uint32
	if m&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if m&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Change re-registers unconditionally (MOD falling back to ADD) rather
// than trusting its own bookkeeping: a closed descriptor leaves epoll
// silently, and its number is routinely reused by the very next socket
// the caller swaps in, so "same fd as last time" proves nothing about
// registration state.
func (p *epollPoller) Change(i int, fd int, mode Mode) error {
	if i < 0 {
		return fmt.Errorf("ready: negative slot %d", i)
	}
	if err := checkSize(i + 1); err != nil {
		return err
	}
	for len(p.order) <= i {
		p.order = append(p.order, -1)
	}
	old := p.order[i]
	if old >= 0 && old != fd {
		// Best-effort: if old was closed it is already gone from epoll.
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, old, nil)
	}
	p.order[i] = fd
	if fd < 0 {
		return nil
	}
	ev := &unix.EpollEvent{Events: epollEvents(mode), Fd: int32(fd)}
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	}
	return err
}

func (p *epollPoller) Resize(n int) error {
	if err := checkSize(n); err != nil {
		return err
	}
	for i := n; i < len(p.order); i++ {
		if fd := p.order[i]; fd >= 0 {
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
	}
	for len(p.order) < n {
		p.order = append(p.order, -1)
	}
	p.order = p.order[:n]
	return nil
}

func (p *epollPoller) Wait() ([]Event, error) {
	var raw [MaxFDs]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		e := raw[i]
		out = append(out, Event{
			Fd:       int(e.Fd),
			Readable: e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Err:      e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return out, nil
}

func (p *epollPoller) Close() error {
	return unix.Close(p.epfd)
}
