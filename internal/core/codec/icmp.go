package codec

import (
	"encoding/binary"

	"firestige.xyz/uoe/internal/core"
)

// ICMP echo message layout (RFC 792).
const (
	ICMPHeaderLen = 8

	ICMPEchoReply   uint8 = 0
	ICMPEchoRequest uint8 = 8
)

// ICMPEcho is an echo request or reply.
type ICMPEcho struct {
	Type    uint8
	Code    uint8
	ID      uint16
	Seq     uint16
	Payload []byte
}

// DecodeICMPEcho parses and checksums an ICMP message, accepting only the
// echo request/reply types the engine answers.
func DecodeICMPEcho(data []byte) (ICMPEcho, error) {
	if len(data) < ICMPHeaderLen {
		return ICMPEcho{}, core.ErrFrameTooShort
	}
	if InternetChecksum(data) != 0 {
		return ICMPEcho{}, core.ErrBadChecksum
	}

	m := ICMPEcho{
		Type: data[0],
		Code: data[1],
		ID:   binary.BigEndian.Uint16(data[4:6]),
		Seq:  binary.BigEndian.Uint16(data[6:8]),
	}
	if m.Type != ICMPEchoRequest && m.Type != ICMPEchoReply {
		return ICMPEcho{}, core.ErrMalformedICMP
	}

	m.Payload = data[ICMPHeaderLen:]
	return m, nil
}

// EncodeICMPEcho emits m with its checksum computed.
func EncodeICMPEcho(m ICMPEcho) []byte {
	msg := make([]byte, ICMPHeaderLen+len(m.Payload))

	msg[0] = m.Type
	msg[1] = m.Code
	binary.BigEndian.PutUint16(msg[4:6], m.ID)
	binary.BigEndian.PutUint16(msg[6:8], m.Seq)
	copy(msg[ICMPHeaderLen:], m.Payload)
	binary.BigEndian.PutUint16(msg[2:4], InternetChecksum(msg))

	return msg
}
