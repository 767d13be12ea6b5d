package client

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"ptyrelay/internal/auth"
	"ptyrelay/internal/frame"
	"ptyrelay/internal/netio"
)

// fakeServer accepts one connection at a time, runs server-side
// negotiation, and hands the raw fd to fn. It stands in for the real
// supervisor so transport behavior can be tested without PTYs or
// forked workers.
type fakeServer struct {
	ln     net.Listener
	cookie []byte
}

func newFakeServer(t *testing.T, cookie []byte) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return &fakeServer{ln: ln, cookie: cookie}
}

func (s *fakeServer) addr() string { return s.ln.Addr().String() }

func (s *fakeServer) acceptOne(t *testing.T, fn func(fd int)) {
	t.Helper()
	go func() {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		fd, err := netio.DupFD(conn)
		conn.Close()
		if err != nil {
			return
		}
		if err := auth.NegotiateServer(fd, s.cookie); err != nil {
			return
		}
		fn(fd)
	}()
}

func dialConfig(s *fakeServer, cookie []byte) Config {
	return Config{
		Dial:   func() (net.Conn, error) { return net.Dial("tcp4", s.addr()) },
		Cookie: cookie,
	}
}

func TestTransportStoresGrantedSessionID(t *testing.T) {
	srv := newFakeServer(t, nil)
	const wantID uint64 = 0xdeadbeefcafe0001

	srv.acceptOne(t, func(fd int) {
		buf := make([]byte, frame.MaxPayload)
		tag, payload, err := frame.ReadFrame(fd, buf)
		if err != nil || tag != frame.SessID || len(payload) != 0 {
			t.Errorf("expected empty SESSID request, got tag=%v len=%d err=%v", tag, len(payload), err)
			return
		}
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], wantID)
		frame.WriteFrame(fd, frame.SessID, id[:])
	})

	tr, err := newTransport(dialConfig(srv, nil))
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	defer tr.closeFinal()

	if !tr.persistent {
		t.Fatal("transport should be marked persistent after a granted session ID")
	}
	if tr.sessionID != wantID {
		t.Fatalf("sessionID = %#x, want %#x", tr.sessionID, wantID)
	}
}

func TestTransportNonPersistentWhenServerDeclines(t *testing.T) {
	srv := newFakeServer(t, nil)
	srv.acceptOne(t, func(fd int) {
		buf := make([]byte, frame.MaxPayload)
		frame.ReadFrame(fd, buf)                // the empty SESSID request
		frame.WriteFrame(fd, frame.SessID, nil) // empty response: not supported
	})

	tr, err := newTransport(dialConfig(srv, nil))
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	defer tr.closeFinal()

	if tr.persistent {
		t.Fatal("transport must not be persistent when the server declines")
	}
	if tr.sessionID != 0 {
		t.Fatalf("sessionID = %#x, want 0", tr.sessionID)
	}
}

func TestTransportResendsSessionIDOnReconnect(t *testing.T) {
	srv := newFakeServer(t, nil)
	const wantID = 0x1122334455667788

	// First connection: grant a session ID, then cut the socket without
	// sending any payload frame.
	srv.acceptOne(t, func(fd int) {
		buf := make([]byte, frame.MaxPayload)
		frame.ReadFrame(fd, buf)
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], wantID)
		frame.WriteFrame(fd, frame.SessID, id[:])
		unix.Close(fd)
	})

	tr, err := newTransport(dialConfig(srv, nil))
	if err != nil {
		t.Fatalf("newTransport: %v", err)
	}
	defer tr.closeFinal()

	// Second connection: the resume request must echo the granted ID,
	// and the pending ReadFrame must complete against the new socket.
	resumed := make(chan uint64, 1)
	srv.acceptOne(t, func(fd int) {
		buf := make([]byte, frame.MaxPayload)
		tag, payload, err := frame.ReadFrame(fd, buf)
		if err != nil || tag != frame.SessID || len(payload) != 8 {
			t.Errorf("expected 8-byte SESSID resume, got tag=%v len=%d err=%v", tag, len(payload), err)
			return
		}
		resumed <- binary.LittleEndian.Uint64(payload)
		frame.WriteFrame(fd, frame.Regular, []byte("resumed"))
	})

	buf := make([]byte, frame.MaxPayload)
	tag, payload, err := tr.ReadFrame(buf)
	if err != nil {
		t.Fatalf("ReadFrame across reconnect: %v", err)
	}
	if tag != frame.Regular || string(payload) != "resumed" {
		t.Fatalf("got tag=%v payload=%q, want REGULAR \"resumed\"", tag, payload)
	}

	select {
	case id := <-resumed:
		if id != wantID {
			t.Fatalf("resume sent id %#x, want %#x", id, wantID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the resume request")
	}
}
