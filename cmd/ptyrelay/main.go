// Command ptyrelay forwards an interactive PTY session over a stream
// transport: run with -s to act as the server that allocates the PTY
// and launches a program inside it, or with no -s to act as the client
// that reflects that session to the local terminal.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"ptyrelay/internal/auth"
	"ptyrelay/internal/client"
	"ptyrelay/internal/server"
	"ptyrelay/internal/vsock"
)

func main() {
	redirectLog()

	if len(os.Args) > 1 && os.Args[1] == server.WorkerArg {
		if err := runWorker(); err != nil {
			log.Printf("ptyrelay: worker: %v", err)
			os.Exit(1)
		}
		return
	}

	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "ptyrelay: %v\n", err)
		os.Exit(1)
	}
}

// redirectLog sends all log.* output to a file, never to the terminal
// this process may be driving in raw mode.
func redirectLog() {
	logPath := os.Getenv("PTYRELAY_LOG")
	if logPath == "" {
		logPath = filepath.Join(os.TempDir(), fmt.Sprintf("ptyrelay-%d.log", os.Getpid()))
	}
	if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
		log.SetOutput(f)
	}
}

type flags struct {
	serverProgram string
	host4         string
	host6         string
	unixPath      string
	vsockCID      string
	port          int
	cookiePath    string
	persist       bool
}

func parseFlags(args []string) (*flags, error) {
	fs := flag.NewFlagSet("ptyrelay", flag.ContinueOnError)
	f := &flags{}
	fs.StringVar(&f.serverProgram, "s", "", "server mode: program to launch inside the PTY")
	fs.StringVar(&f.host4, "h", "", "connect/listen on IPv4 TCP host")
	fs.StringVar(&f.host6, "6", "", "connect/listen on IPv6 TCP host")
	fs.StringVar(&f.unixPath, "u", "", "connect/listen on a Unix-domain socket path")
	fs.StringVar(&f.vsockCID, "v", "", "VSOCK CID; with -u, connect through a VSOCK multiplexer UDS")
	fs.IntVar(&f.port, "p", 6969, "TCP port")
	fs.StringVar(&f.cookiePath, "c", "", "cookie file path")
	fs.BoolVar(&f.persist, "persist", true, "enable persistent-session reattachment (server only)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}

	var cookie []byte
	if f.cookiePath != "" {
		cookie, err = auth.LoadCookie(f.cookiePath)
		if err != nil {
			return err
		}
	}

	if f.serverProgram != "" {
		return runServer(f, cookie)
	}
	return runClient(f, cookie)
}

func runServer(f *flags, cookie []byte) error {
	if len(cookie) == 0 {
		log.Printf("ptyrelay: warning: no cookie configured, serving unauthenticated")
	}
	ln, err := listen(f)
	if err != nil {
		return err
	}
	defer ln.Close()

	sup, err := server.NewSupervisor(server.Config{
		Launch:  []string{f.serverProgram},
		Cookie:  cookie,
		Persist: f.persist,
	})
	if err != nil {
		return err
	}
	return sup.Serve(ln)
}

func runClient(f *flags, cookie []byte) error {
	dialFn := func() (net.Conn, error) { return dial(f) }
	return client.Run(client.Config{Dial: dialFn, Cookie: cookie})
}

func parseCID(s string) (uint32, error) {
	cid, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid VSOCK CID %q", s)
	}
	return uint32(cid), nil
}

func listen(f *flags) (net.Listener, error) {
	switch {
	case f.unixPath != "" && f.vsockCID != "":
		// The multiplexer lives on the host side; a server behind it just
		// listens on plain VSOCK (or the multiplexer's own UDS directly).
		return nil, fmt.Errorf("VSOCK multiplexer mode is client-only")
	case f.unixPath != "":
		return net.Listen("unix", f.unixPath)
	case f.vsockCID != "":
		if _, err := parseCID(f.vsockCID); err != nil {
			return nil, err
		}
		return vsock.Listen(uint32(f.port))
	case f.host6 != "":
		return net.Listen("tcp6", net.JoinHostPort(f.host6, strconv.Itoa(f.port)))
	default:
		host := f.host4
		if host == "" {
			host = "0.0.0.0"
		}
		return net.Listen("tcp4", net.JoinHostPort(host, strconv.Itoa(f.port)))
	}
}

func dial(f *flags) (net.Conn, error) {
	switch {
	case f.unixPath != "" && f.vsockCID != "":
		cid, err := parseCID(f.vsockCID)
		if err != nil {
			return nil, err
		}
		return vsock.DialMux(f.unixPath, cid, uint32(f.port))
	case f.unixPath != "":
		return net.Dial("unix", f.unixPath)
	case f.vsockCID != "":
		cid, err := parseCID(f.vsockCID)
		if err != nil {
			return nil, err
		}
		return vsock.Dial(cid, uint32(f.port))
	case f.host6 != "":
		return net.Dial("tcp6", net.JoinHostPort(f.host6, strconv.Itoa(f.port)))
	default:
		host := f.host4
		if host == "" {
			host = "127.0.0.1"
		}
		return net.Dial("tcp4", net.JoinHostPort(host, strconv.Itoa(f.port)))
	}
}

// runWorker is the entry point for a self-exec'd worker: see
// internal/server's package doc for why this exists instead of a
// fork(2) call.
func runWorker() error {
	sessionID, persist, launch, err := server.WorkerConfigFromEnv()
	if err != nil {
		return err
	}
	return server.RunWorker(server.WorkerConnFD, server.WorkerHandoffFD, sessionID, persist, launch)
}
