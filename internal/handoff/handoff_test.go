package handoff

import (
	"io"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSendRecvFD(t *testing.T) {
	a, b, err := Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	// Make a pipe, pass its read end through the handoff channel, and
	// check the received descriptor still reads what the write end wrote.
	var pipeFDs [2]int
	if err := unix.Pipe(pipeFDs[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(pipeFDs[1])

	if err := a.SendFD(pipeFDs[0]); err != nil {
		t.Fatalf("SendFD: %v", err)
	}
	unix.Close(pipeFDs[0])

	got, err := b.RecvFD()
	if err != nil {
		t.Fatalf("RecvFD: %v", err)
	}
	defer unix.Close(got)

	msg := []byte("through the wormhole")
	if _, err := unix.Write(pipeFDs[1], msg); err != nil {
		t.Fatalf("write original pipe: %v", err)
	}
	buf := make([]byte, len(msg))
	n, err := unix.Read(got, buf)
	if err != nil {
		t.Fatalf("read passed fd: %v", err)
	}
	if string(buf[:n]) != string(msg) {
		t.Fatalf("read %q through passed fd, want %q", buf[:n], msg)
	}
}

func TestRecvFDReportsEOFWhenPeerCloses(t *testing.T) {
	a, b, err := Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	defer b.Close()

	a.Close()
	if _, err := b.RecvFD(); err != io.EOF {
		t.Fatalf("RecvFD after peer close = %v, want io.EOF", err)
	}
}

func TestEndpointsAreCloseOnExec(t *testing.T) {
	a, b, err := Pair()
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	defer a.Close()
	defer b.Close()

	for _, e := range []*Endpoint{a, b} {
		flags, err := unix.FcntlInt(uintptr(e.Fd()), unix.F_GETFD, 0)
		if err != nil {
			t.Fatalf("F_GETFD: %v", err)
		}
		if flags&unix.FD_CLOEXEC == 0 {
			t.Error("handoff endpoint missing FD_CLOEXEC")
		}
	}
}
