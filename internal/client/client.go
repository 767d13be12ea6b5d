// Package client implements the client side of the relay: it connects,
// negotiates, puts the controlling terminal into raw mode, installs
// signal handlers, and runs the multiplex loop that reflects the
// server-side session to the user — reconnecting transparently when a
// persistent session was granted.
package client

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"ptyrelay/internal/auth"
	"ptyrelay/internal/frame"
	"ptyrelay/internal/netio"
	"ptyrelay/internal/ready"
	"ptyrelay/internal/termios"
)

// ctrlZ is the byte a raw-mode terminal no longer intercepts once ISIG
// is off; the client watches for it itself to keep shell job control
// working.
const ctrlZ = 0x1a

// Config configures one client run.
type Config struct {
	// Dial establishes a fresh transport connection. Called once at
	// startup and again on every reconnect attempt.
	Dial func() (net.Conn, error)
	// Cookie authenticates to the server when non-empty.
	Cookie []byte
}

// Run connects, negotiates, enters raw mode, and runs the client event
// loop until the remote side closes, the user signals halt, or an
// unrecoverable (non-persistent) transport error occurs.
func Run(cfg Config) error {
	t, err := newTransport(cfg)
	if err != nil {
		return err
	}
	defer t.closeFinal()

	stdinFD := int(os.Stdin.Fd())
	if err := netio.SetNonblock(stdinFD, true); err != nil {
		return fmt.Errorf("client: set stdin non-blocking: %w", err)
	}
	if err := netio.SetNonblock(int(os.Stdout.Fd()), true); err != nil {
		return fmt.Errorf("client: set stdout non-blocking: %w", err)
	}

	orig, err := termios.SetRaw(stdinFD)
	if err != nil {
		return fmt.Errorf("client: set raw mode: %w", err)
	}
	defer termios.Restore(stdinFD, orig)

	sig := newSignalWatcher()
	defer sig.stop()

	if err := syncWinsize(t); err != nil {
		log.Printf("ptyrelay: client: initial winsize: %v", err)
	}

	d := &driver{t: t, sig: sig, stdinFD: stdinFD, stdoutFD: int(os.Stdout.Fd()), orig: orig}
	return d.mainLoop()
}

// suspend pauses the client for shell job control: restore the
// terminal, signal ourselves with SIGTSTP reset to its default action,
// and pick back up in raw mode once the shell resumes us with SIGCONT.
func (d *driver) suspend() {
	termios.Restore(d.stdinFD, d.orig)

	signal.Reset(syscall.SIGTSTP)
	syscall.Kill(0, syscall.SIGTSTP)
	// execution resumes here after SIGCONT (e.g. "fg")

	if _, err := termios.SetRaw(d.stdinFD); err != nil {
		log.Printf("ptyrelay: client: setRaw after resume: %v", err)
	}
	if err := syncWinsize(d.t); err != nil {
		log.Printf("ptyrelay: client: winsize after resume: %v", err)
	}
}

func syncWinsize(t *transport) error {
	ws, err := termios.GetWinsize(int(os.Stdin.Fd()))
	if err != nil {
		return err
	}
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint16(payload[0:2], ws.Row)
	binary.LittleEndian.PutUint16(payload[2:4], ws.Col)
	return t.WriteFrame(frame.Winch, payload)
}

// driver holds the state the main loop and suspend() share: restoring and
// re-entering raw mode on a job-control suspend needs the saved terminal
// state and the current transport, neither of which a free function can
// close over without just becoming this struct anyway.
type driver struct {
	t        *transport
	sig      *signalWatcher
	stdinFD  int
	stdoutFD int
	orig     *termios.State
}

func (d *driver) mainLoop() error {
	poller, err := ready.New([]ready.Watch{
		{Fd: d.t.fd, Mode: ready.Read},
		{Fd: d.stdinFD, Mode: ready.Read},
		{Fd: d.sig.readFD(), Mode: ready.Read},
	})
	if err != nil {
		return fmt.Errorf("client: readiness primitive: %w", err)
	}
	defer poller.Close()

	buf := make([]byte, frame.MaxPayload)
	stdinBuf := make([]byte, frame.MaxPayload)
	for {
		if d.sig.halted() {
			d.t.WriteFrame(frame.Close, nil)
			return nil
		}
		if d.sig.wantsWinch() {
			if err := syncWinsize(d.t); err != nil {
				log.Printf("ptyrelay: client: winsize: %v", err)
			}
		}

		poller.Change(0, d.t.fd, ready.Read)
		poller.Change(1, d.stdinFD, ready.Read)
		poller.Change(2, d.sig.readFD(), ready.Read)

		events, err := poller.Wait()
		if err != nil {
			return fmt.Errorf("client: poll: %w", err)
		}
		for _, ev := range events {
			switch ev.Fd {
			case d.t.fd:
				tag, payload, err := d.t.ReadFrame(buf)
				if err != nil {
					return fmt.Errorf("client: read frame: %w", err)
				}
				switch tag {
				case frame.Regular:
					if err := netio.WriteAll(d.stdoutFD, payload); err != nil {
						return fmt.Errorf("client: write stdout: %w", err)
					}
				case frame.Close:
					return nil
				case frame.None:
				default:
					log.Printf("ptyrelay: client: unexpected frame tag %s", tag)
				}
			case d.stdinFD:
				n, err := netio.Read(d.stdinFD, stdinBuf)
				if err != nil || n == 0 {
					d.t.WriteFrame(frame.Close, nil)
					return nil
				}
				if err := d.forwardStdin(stdinBuf[:n]); err != nil {
					return err
				}
			case d.sig.readFD():
				d.sig.drain()
			}
		}
	}
}

// forwardStdin sends keystrokes to the server, splitting on Ctrl-Z to
// trigger suspend() instead of forwarding it. Run already requires stdin
// to be a real terminal (SetRaw fails otherwise), so job control is
// always meaningful here.
func (d *driver) forwardStdin(data []byte) error {
	for len(data) > 0 {
		idx := bytes.IndexByte(data, ctrlZ)
		if idx == -1 {
			return d.t.WriteFrame(frame.Regular, data)
		}
		if idx > 0 {
			if err := d.t.WriteFrame(frame.Regular, data[:idx]); err != nil {
				return err
			}
		}
		d.suspend()
		data = data[idx+1:]
	}
	return nil
}

// transport wraps the current connection fd and re-runs negotiation
// plus the SESSID resume handshake on failure, as long as a session ID
// was granted at the initial connection. Without a session ID,
// failures propagate unchanged.
type transport struct {
	fd         int
	sessionID  uint64
	persistent bool
	cfg        Config
}

func newTransport(cfg Config) (*transport, error) {
	t := &transport{cfg: cfg}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *transport) connect() error {
	conn, err := t.cfg.Dial()
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}
	fd, err := netio.DupFD(conn)
	conn.Close()
	if err != nil {
		return fmt.Errorf("client: extract fd: %w", err)
	}

	if err := auth.NegotiateClient(fd, t.cfg.Cookie); err != nil {
		unix.Close(fd)
		return fmt.Errorf("client: negotiate: %w", err)
	}

	var reqPayload []byte
	if t.sessionID != 0 {
		reqPayload = make([]byte, 8)
		binary.LittleEndian.PutUint64(reqPayload, t.sessionID)
	}
	if err := frame.WriteFrame(fd, frame.SessID, reqPayload); err != nil {
		unix.Close(fd)
		return fmt.Errorf("client: send session request: %w", err)
	}

	if t.sessionID == 0 {
		buf := make([]byte, frame.MaxPayload)
		tag, payload, err := frame.ReadFrame(fd, buf)
		if err != nil {
			unix.Close(fd)
			return fmt.Errorf("client: read session id: %w", err)
		}
		if tag == frame.SessID && len(payload) == 8 {
			t.sessionID = binary.LittleEndian.Uint64(payload)
			t.persistent = true
		}
	}

	t.fd = fd
	return nil
}

// reconnect retries connect with a 1-second backoff, forever: a held
// session ID means the worker is still waiting for us.
func (t *transport) reconnect() error {
	for {
		err := t.connect()
		if err == nil {
			return nil
		}
		log.Printf("ptyrelay: client: reconnect failed: %v", err)
		time.Sleep(time.Second)
	}
}

func (t *transport) ReadFrame(buf []byte) (frame.Tag, []byte, error) {
	tag, payload, err := frame.ReadFrame(t.fd, buf)
	if err == nil {
		return tag, payload, nil
	}
	if !t.persistent {
		return 0, nil, err
	}
	unix.Close(t.fd)
	if rerr := t.reconnect(); rerr != nil {
		return 0, nil, rerr
	}
	return t.ReadFrame(buf)
}

func (t *transport) WriteFrame(tag frame.Tag, payload []byte) error {
	err := frame.WriteFrame(t.fd, tag, payload)
	if err == nil {
		return nil
	}
	if !t.persistent {
		return err
	}
	unix.Close(t.fd)
	if rerr := t.reconnect(); rerr != nil {
		return rerr
	}
	return t.WriteFrame(tag, payload)
}

func (t *transport) closeFinal() {
	if t.fd > 0 {
		unix.Close(t.fd)
	}
}
