package codec

import (
	"encoding/binary"

	"firestige.xyz/uoe/internal/core"
)

// UDPHeaderLen is the fixed UDP header size.
const UDPHeaderLen = 8

// UDPHeader is a decoded UDP header.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
}

// DecodeUDP splits a UDP datagram and validates its length field against
// the bytes actually present. The checksum is verified only when non-zero;
// RFC 768 leaves it optional for IPv4.
func DecodeUDP(src, dst core.IPv4Addr, data []byte) (UDPHeader, []byte, error) {
	if len(data) < UDPHeaderLen {
		return UDPHeader{}, nil, core.ErrFrameTooShort
	}

	h := UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint16(data[4:6]),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
	}

	if int(h.Length) < UDPHeaderLen || int(h.Length) > len(data) {
		return UDPHeader{}, nil, core.ErrBadLength
	}
	if h.Checksum != 0 && udpChecksum(src, dst, data[:h.Length]) != 0 {
		return UDPHeader{}, nil, core.ErrBadChecksum
	}

	return h, data[UDPHeaderLen:h.Length], nil
}

// EncodeUDP builds one UDP datagram. When withChecksum is false the
// checksum field transmits as zero (unused); a computed checksum of zero
// transmits as 0xFFFF per RFC 768.
func EncodeUDP(src, dst core.IPv4Addr, srcPort, dstPort uint16, payload []byte, withChecksum bool) []byte {
	seg := make([]byte, UDPHeaderLen+len(payload))

	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[UDPHeaderLen:], payload)

	if withChecksum {
		cs := udpChecksum(src, dst, seg)
		if cs == 0 {
			cs = 0xFFFF
		}
		binary.BigEndian.PutUint16(seg[6:8], cs)
	}

	return seg
}

// udpChecksum computes the checksum over the IPv4 pseudo-header and the
// datagram. A datagram embedding a valid checksum sums to zero.
func udpChecksum(src, dst core.IPv4Addr, seg []byte) uint16 {
	sum := checksumAdd(0, src[:])
	sum = checksumAdd(sum, dst[:])
	sum += uint32(core.ProtoUDP)
	sum += uint32(len(seg))
	sum = checksumAdd(sum, seg)
	return checksumFold(sum)
}
