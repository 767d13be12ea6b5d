package client

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// signalWatcher turns interrupt/terminate/hangup/window-change delivery
// into two flags, halt and winch, observed by the main loop between
// readiness waits. Go can't register a C-style async-signal-safe
// handler directly — signal.Notify instead delivers through a channel
// read by a dedicated goroutine — but that goroutine does no I/O
// beyond setting the flags and nudging a self-pipe.
//
// The self-pipe is what lets the flags be observed promptly: the main
// loop's readiness wait watches the pipe's read end alongside the
// transport and stdin, so a signal wakes it immediately instead of
// waiting for the next unrelated I/O event.
type signalWatcher struct {
	halt  int32
	winch int32
	ch    chan os.Signal
	r, w  *os.File
}

func newSignalWatcher() *signalWatcher {
	// A self-pipe failure is not fatal to correctness — signals just
	// won't be observed until the next ordinary I/O event — so Run keeps
	// going without one rather than erroring out.
	r, w, err := os.Pipe()
	if err != nil {
		r, w = nil, nil
	} else {
		unix.SetNonblock(int(r.Fd()), true)
	}
	sw := &signalWatcher{
		ch: make(chan os.Signal, 8),
		r:  r,
		w:  w,
	}
	signal.Notify(sw.ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGWINCH)
	go sw.loop()
	return sw
}

func (sw *signalWatcher) loop() {
	for sig := range sw.ch {
		switch sig {
		case syscall.SIGWINCH:
			atomic.StoreInt32(&sw.winch, 1)
		default:
			atomic.StoreInt32(&sw.halt, 1)
		}
		if sw.w != nil {
			sw.w.Write([]byte{0})
		}
	}
}

// readFD returns the self-pipe's read end, or -1 when no pipe could be
// created; the readiness poller skips negative descriptors.
func (sw *signalWatcher) readFD() int {
	if sw.r == nil {
		return -1
	}
	return int(sw.r.Fd())
}

func (sw *signalWatcher) halted() bool { return atomic.LoadInt32(&sw.halt) != 0 }

func (sw *signalWatcher) wantsWinch() bool {
	return atomic.CompareAndSwapInt32(&sw.winch, 1, 0)
}

// drain empties the self-pipe after a wakeup so it doesn't immediately
// re-signal readiness. Reads the raw fd directly (bypassing os.File's
// Read, which would hand the non-blocking fd to the Go runtime's own
// netpoller integration) so EAGAIN surfaces as "nothing left" instead of
// parking the goroutine.
func (sw *signalWatcher) drain() {
	var b [64]byte
	fd := sw.readFD()
	if fd < 0 {
		return
	}
	for {
		n, err := unix.Read(fd, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (sw *signalWatcher) stop() {
	signal.Stop(sw.ch)
	close(sw.ch)
	if sw.r != nil {
		sw.r.Close()
	}
	if sw.w != nil {
		sw.w.Close()
	}
}
