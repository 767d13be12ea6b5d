// Package termios puts a controlling terminal into raw mode and
// restores it, and gets/sets the PTY window size, through the
// golang.org/x/sys/unix ioctl wrappers (which carry the per-GOOS
// Termios layout without hand-maintained ioctl request numbers).
package termios

import "golang.org/x/sys/unix"

// State is a terminal's saved attributes, captured before entering raw
// mode so it can be restored on any exit path.
type State struct {
	termios unix.Termios
}

// Get captures the current attributes of fd.
func Get(fd int) (*State, error) {
	t, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		return nil, err
	}
	return &State{termios: *t}, nil
}

// Restore re-applies a previously captured State to fd. Best-effort:
// callers invoke this on every exit path (clean, signal, error) and
// cannot usefully react to a failure at that point.
func Restore(fd int, s *State) error {
	t := s.termios
	return unix.IoctlSetTermios(fd, ioctlSetTermios, &t)
}

// SetRaw puts fd into raw mode (disables echo, canonical mode, signal
// generation, extended input processing, break interrupts, CR-to-NL
// translation, parity checking, bit stripping and flow control; 8-bit
// chars, no parity; VMIN=1/VTIME=0) and returns the prior state so the
// caller can restore it later.
func SetRaw(fd int) (*State, error) {
	orig, err := Get(fd)
	if err != nil {
		return nil, err
	}
	raw := orig.termios

	raw.Iflag &^= unix.BRKINT | unix.ICRNL | unix.INPCK | unix.ISTRIP | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &raw); err != nil {
		return nil, err
	}
	return orig, nil
}

// Winsize mirrors the kernel struct winsize: rows/cols plus pixel
// dimensions most programs ignore.
type Winsize = unix.Winsize

// GetWinsize reads the window size of fd.
func GetWinsize(fd int) (*Winsize, error) {
	return unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
}

// SetWinsize applies a window size to fd.
func SetWinsize(fd int, ws *Winsize) error {
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws)
}
