package auth

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"

	"ptyrelay/internal/frame"
)

func socketpair(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestNegotiateNoCookie(t *testing.T) {
	server, client := socketpair(t)
	done := make(chan error, 1)
	go func() { done <- NegotiateServer(server, nil) }()

	if err := NegotiateClient(client, nil); err != nil {
		t.Fatalf("NegotiateClient: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("NegotiateServer: %v", err)
	}
}

func TestNegotiateMatchingCookie(t *testing.T) {
	server, client := socketpair(t)
	cookie := make([]byte, MinCookieLen)
	for i := range cookie {
		cookie[i] = byte(i)
	}

	done := make(chan error, 1)
	go func() { done <- NegotiateServer(server, cookie) }()

	if err := NegotiateClient(client, cookie); err != nil {
		t.Fatalf("NegotiateClient: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("NegotiateServer: %v", err)
	}
}

func TestNegotiateMismatchedCookieClosesConnection(t *testing.T) {
	server, client := socketpair(t)
	serverCookie := make([]byte, MinCookieLen)
	clientCookie := make([]byte, MinCookieLen)
	copy(clientCookie, serverCookie)
	clientCookie[0] ^= 0xff // differ by one byte

	done := make(chan error, 1)
	go func() { done <- NegotiateServer(server, serverCookie) }()

	if err := NegotiateClient(client, clientCookie); err == nil {
		t.Fatal("expected NegotiateClient to fail on cookie mismatch")
	}
	if err := <-done; err == nil {
		t.Fatal("expected NegotiateServer to report the digest mismatch")
	}
}

func TestDigestIsSHA1OfNonceThenCookie(t *testing.T) {
	nonce := []byte("0123456789abcdef")
	cookie := []byte("supersecretcookievalue")

	h := sha1.New()
	h.Write(nonce)
	h.Write(cookie)
	want := h.Sum(nil)

	got := digest(nonce, cookie)
	if string(got) != string(want) {
		t.Fatal("digest does not match SHA1(nonce || cookie)")
	}
}

func TestLoadCookieBounds(t *testing.T) {
	dir := t.TempDir()

	tooSmall := filepath.Join(dir, "small")
	os.WriteFile(tooSmall, make([]byte, MinCookieLen-1), 0600)
	if _, err := LoadCookie(tooSmall); err == nil {
		t.Error("expected error for undersized cookie file")
	}

	tooBig := filepath.Join(dir, "big")
	os.WriteFile(tooBig, make([]byte, MaxCookieLen+1), 0600)
	if _, err := LoadCookie(tooBig); err == nil {
		t.Error("expected error for oversized cookie file")
	}

	justRight := filepath.Join(dir, "ok")
	os.WriteFile(justRight, make([]byte, MinCookieLen), 0600)
	data, err := LoadCookie(justRight)
	if err != nil {
		t.Fatalf("LoadCookie: %v", err)
	}
	if len(data) != MinCookieLen {
		t.Errorf("len = %d, want %d", len(data), MinCookieLen)
	}
}

func TestBadFrameUsesOR(t *testing.T) {
	// Reject on tag mismatch OR length mismatch, not AND.
	if !badFrame(frame.Auth, frame.SessID, 16, 16) {
		t.Error("tag mismatch alone must be rejected")
	}
	if !badFrame(frame.Auth, frame.Auth, 10, 16) {
		t.Error("length mismatch alone must be rejected")
	}
	if badFrame(frame.Auth, frame.Auth, 16, 16) {
		t.Error("matching tag and length must be accepted")
	}
}
