//go:build !linux

package ready

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pollPoller is the portable fallback: one poll(2) call per Wait over
// a small, rebuilt-each-time pollfd slice.
type pollPoller struct {
	watches []Watch
}

// New creates a Poller watching the given descriptors.
func New(watches []Watch) (Poller, error) {
	if err := checkSize(len(watches)); err != nil {
		return nil, err
	}
	w := make([]Watch, len(watches))
	copy(w, watches)
	return &pollPoller{watches: w}, nil
}

func (p *pollPoller) Change(i int, fd int, mode Mode) error {
	if i < 0 {
		return fmt.Errorf("ready: negative slot %d", i)
	}
	if err := checkSize(i + 1); err != nil {
		return err
	}
	for len(p.watches) <= i {
		p.watches = append(p.watches, Watch{Fd: -1})
	}
	p.watches[i] = Watch{Fd: fd, Mode: mode}
	return nil
}

func (p *pollPoller) Resize(n int) error {
	if err := checkSize(n); err != nil {
		return err
	}
	for len(p.watches) < n {
		p.watches = append(p.watches, Watch{Fd: -1})
	}
	p.watches = p.watches[:n]
	return nil
}

func pollEvents(m Mode) int16 {
	var ev int16
	if m&Read != 0 {
		ev |= unix.POLLIN
	}
	if m&Write != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (p *pollPoller) Wait() ([]Event, error) {
	fds := make([]unix.PollFd, 0, len(p.watches))
	idx := make([]int, 0, len(p.watches))
	for i, w := range p.watches {
		if w.Fd < 0 {
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(w.Fd), Events: pollEvents(w.Mode)})
		idx = append(idx, i)
	}
	if len(fds) == 0 {
		return nil, nil
	}
	n, err := unix.Poll(fds, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]Event, 0, n)
	for _, pf := range fds {
		if pf.Revents == 0 {
			continue
		}
		out = append(out, Event{
			Fd:       int(pf.Fd),
			Readable: pf.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0,
			Writable: pf.Revents&unix.POLLOUT != 0,
			Err:      pf.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
		})
	}
	return out, nil
}

func (p *pollPoller) Close() error { return nil }
