package frame

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		tag  Tag
		n    int
	}{
		{"empty", None, 0},
		{"one byte", Regular, 1},
		{"boundary 255", Regular, 255},
		{"boundary 256", Regular, 256},
		{"max payload", Regular, MaxPayload},
		{"winch", Winch, 4},
		{"sessid", SessID, 8},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload := make([]byte, c.n)
			for i := range payload {
				payload[i] = byte(i)
			}
			buf, err := Encode(nil, c.tag, payload)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			gotTag := DecodeTag(buf[0])
			hlen := HeaderLen(buf[0])
			gotLen := DecodeLength(buf[1 : 1+hlen])
			gotPayload := buf[1+hlen:]

			if gotTag != c.tag {
				t.Errorf("tag = %v, want %v", gotTag, c.tag)
			}
			if gotLen != c.n {
				t.Errorf("length = %d, want %d", gotLen, c.n)
			}
			if !bytes.Equal(gotPayload, payload) {
				t.Errorf("payload mismatch")
			}
		})
	}
}

func TestLengthBoundaryHeaderSize(t *testing.T) {
	cases := []struct {
		n        int
		wantHLen int
	}{
		{0, 1},
		{255, 1},
		{256, 2},
		{MaxPayload, 2},
	}
	for _, c := range cases {
		buf, err := Encode(nil, Regular, make([]byte, c.n))
		if err != nil {
			t.Fatalf("Encode(%d): %v", c.n, err)
		}
		if got := HeaderLen(buf[0]); got != c.wantHLen {
			t.Errorf("n=%d: HeaderLen = %d, want %d", c.n, got, c.wantHLen)
		}
		wantTotal := 1 + c.wantHLen + c.n
		if len(buf) != wantTotal {
			t.Errorf("n=%d: frame length = %d, want %d", c.n, len(buf), wantTotal)
		}
	}
}

func TestEncodeRejectsOversizePayload(t *testing.T) {
	_, err := Encode(nil, Regular, make([]byte, MaxPayload+1))
	if err == nil {
		t.Fatal("expected error for oversize payload")
	}
}

func TestEncodeRejectsHighBitTag(t *testing.T) {
	_, err := Encode(nil, Tag(0x80), nil)
	if err == nil {
		t.Fatal("expected error for tag with high bit set")
	}
}

func TestTagString(t *testing.T) {
	if Regular.String() != "REGULAR" {
		t.Errorf("Regular.String() = %q", Regular.String())
	}
	if Tag(99).String() == "" {
		t.Error("unknown tag should still stringify to something non-empty")
	}
}
