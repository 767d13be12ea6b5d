package frame

import (
	"bytes"
	"testing"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatalf("set nonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestWriteReadFrameOverSocket(t *testing.T) {
	a, b := socketpair(t)

	payload := bytes.Repeat([]byte("x"), 300) // forces 2-byte length header
	if err := WriteFrame(a, Regular, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	buf := make([]byte, MaxPayload)
	tag, got, err := ReadFrame(b, buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if tag != Regular {
		t.Errorf("tag = %v, want Regular", tag)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestReadFrameZeroLengthSignal(t *testing.T) {
	a, b := socketpair(t)

	if err := WriteFrame(a, Close, nil); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	buf := make([]byte, MaxPayload)
	tag, payload, err := ReadFrame(b, buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if tag != Close || len(payload) != 0 {
		t.Errorf("got tag=%v len=%d, want Close/0", tag, len(payload))
	}
}

func TestReadFrameRejectsSmallBuffer(t *testing.T) {
	_, b := socketpair(t)
	_, _, err := ReadFrame(b, make([]byte, 10))
	if err == nil {
		t.Fatal("expected error for undersized read buffer")
	}
}

func TestReadFramePeerClosed(t *testing.T) {
	a, b := socketpair(t)
	unix.Close(a)

	buf := make([]byte, MaxPayload)
	_, _, err := ReadFrame(b, buf)
	if err == nil {
		t.Fatal("expected error reading from a closed peer")
	}
}
