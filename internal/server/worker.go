package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"ptyrelay/internal/frame"
	"ptyrelay/internal/handoff"
	"ptyrelay/internal/netio"
	"ptyrelay/internal/ptyio"
	"ptyrelay/internal/ready"
	"ptyrelay/internal/termios"
)

// RunWorker is the entry point for a self-exec'd worker process. It is
// called from cmd/ptyrelay's hidden --worker mode after that mode has
// pulled the inherited descriptors and env-carried configuration back
// out; see supervisor.go's package doc for why this is a process rather
// than a goroutine.
func RunWorker(connFD, handoffFD int, sessionID uint64, persist bool, launch []string) error {
	// The inherited descriptors lost their close-on-exec flag when the
	// supervisor dup'd them across; re-mark them so the launched program
	// doesn't inherit the transport or the handoff endpoint.
	unix.CloseOnExec(connFD)
	unix.CloseOnExec(handoffFD)
	if err := netio.SetNonblock(connFD, true); err != nil {
		return fmt.Errorf("worker: set client fd non-blocking: %w", err)
	}

	pair, err := ptyio.Open()
	if err != nil {
		return fmt.Errorf("worker: open pty: %w", err)
	}

	cmd, err := startChild(pair, launch)
	if err != nil {
		pair.Close()
		return fmt.Errorf("worker: start child: %w", err)
	}
	pair.Slave.Close()
	pair.Slave = nil

	if persist {
		var idPayload [8]byte
		binary.LittleEndian.PutUint64(idPayload[:], sessionID)
		if err := frame.WriteFrame(connFD, frame.SessID, idPayload[:]); err != nil {
			log.Printf("ptyrelay: worker: write session id: %v", err)
		}
	} else {
		frame.WriteFrame(connFD, frame.SessID, nil)
	}

	w := &worker{
		clientFD:  connFD,
		pendingFD: -1,
		master:    pair.Master,
		handoff:   handoff.FromFD(handoffFD),
		persist:   persist,
		replay:    newReplayBuffer(DefaultReplayCapacity),
	}
	loopErr := w.run()

	childDone := make(chan error, 1)
	go func() { childDone <- cmd.Wait() }()
	select {
	case <-childDone:
	default:
		cmd.Process.Kill()
		<-childDone
	}
	return loopErr
}

// startChild execs launch onto the PTY slave, making the child a
// session leader with the slave as its controlling terminal. The slave
// is duped onto stdin/stdout/stderr and passed again via ExtraFiles so
// SysProcAttr.Ctty has a stable descriptor index to name.
func startChild(pair *ptyio.Pair, launch []string) (*exec.Cmd, error) {
	if len(launch) == 0 {
		return nil, fmt.Errorf("no launch program configured")
	}
	cmd := exec.Command(launch[0], launch[1:]...)
	cmd.Stdin = pair.Slave
	cmd.Stdout = pair.Slave
	cmd.Stderr = pair.Slave
	cmd.ExtraFiles = []*os.File{pair.Slave}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    3,
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// worker holds one session's live state.
type worker struct {
	clientFD    int // -1 means detached
	pendingFD   int // -1 means none pending
	master      *os.File
	handoff     *handoff.Endpoint
	handoffDead bool // supervisor closed its end; no more reattachments can arrive
	persist     bool
	replay      *replayBuffer
	stop        bool
	err         error
}

const (
	slotClient = 0
	slotMaster = 1
	slotHoff   = 2
)

func (w *worker) run() error {
	poller, err := ready.New([]ready.Watch{
		{Fd: w.clientFD, Mode: ready.Read},
		{Fd: -1, Mode: ready.Read},
		{Fd: int(w.handoff.Fd()), Mode: ready.Read},
	})
	if err != nil {
		return fmt.Errorf("worker: readiness primitive: %w", err)
	}
	defer poller.Close()

	buf := make([]byte, frame.MaxPayload)
	for !w.stop {
		if w.handoffDead && w.clientFD < 0 {
			// Detached with no way to ever receive a new client.
			break
		}
		poller.Change(slotClient, w.clientFD, ready.Read)
		if w.replay.Free() > 0 {
			poller.Change(slotMaster, int(w.master.Fd()), ready.Read)
		} else {
			poller.Change(slotMaster, -1, ready.Read)
		}
		if w.handoffDead {
			poller.Change(slotHoff, -1, ready.Read)
		} else {
			poller.Change(slotHoff, int(w.handoff.Fd()), ready.Read)
		}

		events, err := poller.Wait()
		if err != nil {
			return fmt.Errorf("worker: poll: %w", err)
		}

		// Classify first, then handle client input before PTY output: a
		// dying client can report readable in the same batch as the PTY,
		// and handling the PTY first would swap in a pending fd (often
		// reusing the dead fd's number) that the stale client event would
		// then be misattributed to.
		curClient := w.clientFD
		var clientReady, masterReady, hoffReady bool
		for _, ev := range events {
			switch ev.Fd {
			case curClient:
				clientReady = curClient >= 0
			case int(w.master.Fd()):
				masterReady = true
			case int(w.handoff.Fd()):
				hoffReady = true
			}
		}
		if clientReady && !w.stop && w.clientFD == curClient {
			w.onClientReadable(buf)
		}
		if masterReady && !w.stop {
			w.onMasterReadable()
		}
		if hoffReady && !w.stop && !w.handoffDead {
			w.onHandoffReadable()
		}
	}

	if w.clientFD >= 0 {
		frame.WriteFrame(w.clientFD, frame.Close, nil)
		unix.Close(w.clientFD)
	}
	if w.pendingFD >= 0 {
		unix.Close(w.pendingFD)
	}
	w.master.Close()
	w.handoff.Close()
	return w.err
}

func (w *worker) onClientReadable(buf []byte) {
	tag, payload, err := frame.ReadFrame(w.clientFD, buf)
	if err != nil {
		w.clientLost(err)
		return
	}
	switch tag {
	case frame.Regular:
		if err := netio.WriteAll(int(w.master.Fd()), payload); err != nil {
			w.stop = true
			w.err = fmt.Errorf("worker: write to pty: %w", err)
		}
	case frame.Winch:
		if len(payload) != 4 {
			log.Printf("ptyrelay: worker: malformed WINCH payload (%d bytes)", len(payload))
			return
		}
		ws := &termios.Winsize{
			Row: binary.LittleEndian.Uint16(payload[0:2]),
			Col: binary.LittleEndian.Uint16(payload[2:4]),
		}
		if err := termios.SetWinsize(int(w.master.Fd()), ws); err != nil {
			log.Printf("ptyrelay: worker: set winsize: %v", err)
		}
	case frame.Close:
		w.stop = true
	case frame.None:
		// ignore
	default:
		log.Printf("ptyrelay: worker: unexpected frame tag %s", tag)
	}
}

// masterReadSize caps a single PTY read; the replay buffer's free
// space caps it further so a full buffer never accepts a byte it can't
// hold.
const masterReadSize = 65536

func (w *worker) onMasterReadable() {
	n := w.replay.Free()
	if n == 0 {
		w.drain()
		return
	}
	if n > masterReadSize {
		n = masterReadSize
	}
	tmp := make([]byte, n)
	n, err := unix.Read(int(w.master.Fd()), tmp)
	if n > 0 {
		w.replay.Append(tmp[:n])
	}
	if err == nil && n == 0 {
		w.stop = true
	} else if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK && err != unix.EINTR {
		// On Linux a PTY master whose last slave closed reads EIO, not 0.
		w.stop = true
	}
	w.drain()
}

// drain forwards replayed bytes to the current client, in order, until
// the buffer empties or the client fails. A failure here is routed
// through clientLost so a pending handoff FD (or detachment, if
// persistent) can take over without losing the unsent tail.
func (w *worker) drain() {
	for w.clientFD >= 0 && w.replay.Len() > 0 {
		n := w.replay.Len()
		if n > frame.MaxPayload {
			n = frame.MaxPayload
		}
		chunk := w.replay.Peek(n)
		if err := frame.WriteFrame(w.clientFD, frame.Regular, chunk); err != nil {
			w.clientLost(err)
			continue
		}
		w.replay.Discard(n)
	}
}

func (w *worker) onHandoffReadable() {
	fd, err := w.handoff.RecvFD()
	if err != nil {
		if err == io.EOF {
			w.handoffDead = true
			return
		}
		log.Printf("ptyrelay: worker: handoff recv: %v", err)
		return
	}
	if err := netio.SetNonblock(fd, true); err != nil {
		log.Printf("ptyrelay: worker: handoff fd non-blocking: %v", err)
		unix.Close(fd)
		return
	}
	if w.clientFD < 0 {
		w.clientFD = fd
		w.drain()
		return
	}
	if w.pendingFD >= 0 {
		unix.Close(w.pendingFD) // a second handoff before the first was claimed; keep the newest
	}
	w.pendingFD = fd
}

// clientLost handles a failed or vanished client connection: promote a
// pending handoff FD if one exists (retrying once more if that also
// fails), else detach (persistent) or give up (non-persistent).
func (w *worker) clientLost(cause error) {
	for {
		if w.clientFD >= 0 {
			unix.Close(w.clientFD)
			w.clientFD = -1
		}
		if w.pendingFD < 0 {
			break
		}
		w.clientFD = w.pendingFD
		w.pendingFD = -1
		w.drain()
		if w.clientFD >= 0 {
			return // the promoted fd survived the drain
		}
		// The drain's own failure path ran clientLost again and emptied
		// the pending slot; loop in case another handoff raced in.
	}

	if w.persist {
		return // detached; keep buffering until a handoff arrives
	}
	if !w.stop {
		w.stop = true
		w.err = fmt.Errorf("worker: client lost and no persistence: %w", cause)
	}
}

// workerLaunchFromEnv decodes the JSON-encoded argv the supervisor
// passed via PTYRELAY_WORKER_LAUNCH.
func workerLaunchFromEnv(s string) ([]string, error) {
	var launch []string
	if err := json.Unmarshal([]byte(s), &launch); err != nil {
		return nil, fmt.Errorf("worker: decode launch argv: %w", err)
	}
	return launch, nil
}

// WorkerLaunchFromEnv is the exported form WorkerConfigFromEnv uses.
func WorkerLaunchFromEnv(s string) ([]string, error) { return workerLaunchFromEnv(s) }
