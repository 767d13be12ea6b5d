// Package server implements the supervisor and worker halves of the
// relay's server side: accepting connections, negotiating, and running
// one PTY-backed worker per session with persistent-session
// reattachment.
//
// A worker is a real OS process, not a goroutine. Go cannot safely
// fork(2) a multi-threaded runtime and keep running Go code in the
// child without an immediate exec — the scheduler and GC threads do
// not survive a bare fork. The substitute is a self-exec: the
// supervisor re-invokes its own binary in a hidden worker mode,
// handing the accepted connection and the session's handoff endpoint
// across as inherited descriptors via exec.Cmd.ExtraFiles. The result
// is still one new OS process per session, tracked by PID, just built
// from exec.Cmd instead of a raw fork(2) syscall.
package server

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"ptyrelay/internal/auth"
	"ptyrelay/internal/frame"
	"ptyrelay/internal/handoff"
	"ptyrelay/internal/netio"
	"ptyrelay/internal/session"
)

// envWorkerLaunch and friends name the environment variables used to
// carry a new worker's configuration across self-exec. They are env
// vars rather than argv because the supervisor's own argv (-s, -h, -c,
// ...) is not worker configuration and a worker should not have to
// re-parse it.
const (
	envWorkerMarker   = "PTYRELAY_WORKER"
	envWorkerSession  = "PTYRELAY_WORKER_SESSION"
	envWorkerPersist  = "PTYRELAY_WORKER_PERSIST"
	envWorkerLaunch   = "PTYRELAY_WORKER_LAUNCH"
	workerArg         = "--worker"
	workerConnFDIndex = 3 // fd 3: accepted client connection
	workerHOFFDIndex  = 4 // fd 4: worker-side handoff endpoint
)

// Config configures the supervisor.
type Config struct {
	// Launch is argv for the program started inside each session's PTY.
	Launch []string
	// Cookie gates access when non-empty; nil serves unauthenticated.
	Cookie []byte
	// Persist enables session registry, reattachment, and replay
	// buffering. When false the supervisor neither assigns session IDs
	// nor accepts resume requests.
	Persist bool
}

// Supervisor accepts connections, negotiates, and spawns workers.
type Supervisor struct {
	cfg      Config
	registry *session.Registry
	execPath string
	// liveCount is a semaphore holding one token per live worker, taken
	// in both modes; with persistence on, the registry's own bound is the
	// same number.
	liveCount chan struct{}
}

// NewSupervisor resolves the running binary's path (needed to re-exec
// workers) and builds an empty registry.
func NewSupervisor(cfg Config) (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("server: resolve own executable: %w", err)
	}
	return &Supervisor{
		cfg:       cfg,
		registry:  session.NewRegistry(),
		execPath:  exe,
		liveCount: make(chan struct{}, session.MaxSessions),
	}, nil
}

// Serve accepts connections from ln until it returns a permanent error.
// Per-connection negotiation runs in its own goroutine so one slow or
// hostile peer can't stall accept() for everyone else — the actual
// session work happens in a spawned worker process, not in this
// goroutine.
func (s *Supervisor) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("server: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Supervisor) handleConn(conn net.Conn) {
	fd, err := netio.DupFD(conn)
	conn.Close()
	if err != nil {
		log.Printf("ptyrelay: accept: %v", err)
		return
	}

	if err := auth.NegotiateServer(fd, s.cfg.Cookie); err != nil {
		log.Printf("ptyrelay: negotiate: %v", err)
		unix.Close(fd)
		return
	}

	buf := make([]byte, frame.MaxPayload)
	tag, payload, err := frame.ReadFrame(fd, buf)
	if err != nil {
		log.Printf("ptyrelay: read session request: %v", err)
		unix.Close(fd)
		return
	}
	if tag != frame.SessID {
		log.Printf("ptyrelay: expected SESSID, got %s", tag)
		frame.WriteFrame(fd, frame.Close, nil)
		unix.Close(fd)
		return
	}

	switch len(payload) {
	case 0:
		s.newSession(fd)
	case 8:
		id := binary.LittleEndian.Uint64(payload)
		s.resumeSession(fd, id)
	default:
		log.Printf("ptyrelay: malformed SESSID payload (%d bytes)", len(payload))
		frame.WriteFrame(fd, frame.Close, nil)
		unix.Close(fd)
	}
}

// resumeSession hands the reconnected client's fd to the still-running
// worker that owns id, via that session's handoff endpoint. The worker
// itself decides whether to adopt it immediately or stash it pending.
func (s *Supervisor) resumeSession(fd int, id uint64) {
	if !s.cfg.Persist {
		frame.WriteFrame(fd, frame.Close, nil)
		unix.Close(fd)
		return
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		frame.WriteFrame(fd, frame.Close, nil)
		unix.Close(fd)
		return
	}
	if err := sess.Handoff.SendFD(fd); err != nil {
		log.Printf("ptyrelay: handoff send for session %d: %v", id, err)
	}
	unix.Close(fd)
}

// newSession allocates a session (if persistence is on) and spawns a
// worker via self-exec. The worker itself writes the SESSID response
// to the client once it is up, not the supervisor.
func (s *Supervisor) newSession(fd int) {
	var id uint64
	var sess *session.Session
	if s.cfg.Persist {
		select {
		case s.liveCount <- struct{}{}:
		default:
			log.Printf("ptyrelay: session registry full, refusing connection")
			frame.WriteFrame(fd, frame.Close, nil)
			unix.Close(fd)
			return
		}
		var err error
		sess, err = s.registry.New()
		if err != nil {
			<-s.liveCount
			log.Printf("ptyrelay: allocate session: %v", err)
			frame.WriteFrame(fd, frame.Close, nil)
			unix.Close(fd)
			return
		}
		id = sess.ID
	} else {
		select {
		case s.liveCount <- struct{}{}:
		default:
			log.Printf("ptyrelay: worker concurrency cap reached, refusing connection")
			frame.WriteFrame(fd, frame.Close, nil)
			unix.Close(fd)
			return
		}
	}

	// The worker's event loop always watches a handoff endpoint, whether
	// or not persistence is enabled — a non-persistent worker never
	// receives a descriptor on it, since the supervisor refuses resume
	// requests up front and closes its own end, which the worker sees as
	// EOF. Allocating it unconditionally keeps the
	// worker's fd layout (conn=3, handoff=4) fixed either way.
	hoffA, hoffB, err := handoff.Pair()
	if err != nil {
		if s.cfg.Persist {
			s.registry.Delete(id)
		}
		<-s.liveCount
		log.Printf("ptyrelay: handoff pair: %v", err)
		frame.WriteFrame(fd, frame.Close, nil)
		unix.Close(fd)
		return
	}
	if s.cfg.Persist {
		sess.Handoff = hoffA
	} else {
		hoffA.Close() // supervisor has no use for its end outside persistence
	}

	cmd, err := s.spawnWorker(fd, hoffB, id)
	if err != nil {
		if s.cfg.Persist {
			s.registry.Delete(id)
		}
		<-s.liveCount
		log.Printf("ptyrelay: spawn worker: %v", err)
		return
	}
	if s.cfg.Persist {
		s.registry.BindPID(sess, cmd.Process.Pid)
	}

	go func() {
		cmd.Wait()
		<-s.liveCount
		if s.cfg.Persist {
			s.registry.Delete(id) // worker exit releases the session record
		}
	}()
}

// spawnWorker forks the worker process and then closes the supervisor's
// own copies of the fds it just handed across — exec.Cmd.ExtraFiles
// dups them into the child, so the parent's copies (connFile, the
// handoff wrapper) must be closed here regardless of success, or they
// leak for the supervisor's entire lifetime.
func (s *Supervisor) spawnWorker(connFD int, hoff *handoff.Endpoint, sessionID uint64) (*exec.Cmd, error) {
	launch, err := json.Marshal(s.cfg.Launch)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(s.execPath, workerArg)
	connFile := os.NewFile(uintptr(connFD), "conn")
	hoffFile := hoff.File()
	defer connFile.Close()
	defer hoffFile.Close()

	cmd.ExtraFiles = []*os.File{connFile, hoffFile}
	cmd.Stdin = nil
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		envWorkerMarker+"=1",
		envWorkerSession+"="+fmt.Sprint(sessionID),
		envWorkerPersist+"="+boolEnv(s.cfg.Persist),
		envWorkerLaunch+"="+string(launch),
	)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

