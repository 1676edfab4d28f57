package codec

import (
	"bytes"
	"testing"

	"firestige.xyz/uoe/internal/core"
)

func TestICMPEchoRoundTrip(t *testing.T) {
	want := ICMPEcho{
		Type:    ICMPEchoRequest,
		ID:      0x1234,
		Seq:     42,
		Payload: []byte("abcdefgh"),
	}
	got, err := DecodeICMPEcho(EncodeICMPEcho(want))
	if err != nil {
		t.Fatalf("DecodeICMPEcho failed: %v", err)
	}
	if got.Type != ICMPEchoRequest || got.ID != 0x1234 || got.Seq != 42 {
		t.Errorf("Header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("Payload mismatch: %q", got.Payload)
	}
}

func TestDecodeICMPEchoBadChecksum(t *testing.T) {
	pkt := EncodeICMPEcho(ICMPEcho{Type: ICMPEchoRequest, ID: 1, Seq: 1})
	pkt[2] ^= 0xFF
	if _, err := DecodeICMPEcho(pkt); err != core.ErrBadChecksum {
		t.Errorf("Expected ErrBadChecksum, got %v", err)
	}
}

func TestDecodeICMPEchoRejectsOtherTypes(t *testing.T) {
	pkt := EncodeICMPEcho(ICMPEcho{Type: 3}) // destination unreachable
	if _, err := DecodeICMPEcho(pkt); err != core.ErrMalformedICMP {
		t.Errorf("Expected ErrMalformedICMP, got %v", err)
	}
}

func TestDecodeICMPEchoShort(t *testing.T) {
	if _, err := DecodeICMPEcho(make([]byte, 7)); err != core.ErrFrameTooShort {
		t.Errorf("Expected ErrFrameTooShort, got %v", err)
	}
}

// A reply built from a request must verify and swap only the type.
func TestEchoReplyChecksum(t *testing.T) {
	req := ICMPEcho{Type: ICMPEchoRequest, ID: 7, Seq: 3, Payload: []byte{1, 2, 3, 4}}
	reply := req
	reply.Type = ICMPEchoReply

	got, err := DecodeICMPEcho(EncodeICMPEcho(reply))
	if err != nil {
		t.Fatalf("DecodeICMPEcho failed: %v", err)
	}
	if got.Type != ICMPEchoReply {
		t.Errorf("Expected type 0, got %d", got.Type)
	}
	if got.ID != req.ID || got.Seq != req.Seq {
		t.Errorf("Identifier must be preserved: %+v", got)
	}
}
