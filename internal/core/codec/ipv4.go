package codec

import (
	"encoding/binary"

	"firestige.xyz/uoe/internal/core"
)

// IPv4HeaderLen is the header size without options; the engine never
// emits options and rejects nothing for carrying them (IHL is honored).
const IPv4HeaderLen = 20

// IPv4Header carries the fields the engine reads and writes. Version is
// implicit (always 4), ToS always zero on TX.
type IPv4Header struct {
	TotalLen      uint16
	ID            uint16
	DontFragment  bool
	MoreFragments bool
	FragOffset    uint16 // in 8-byte units
	TTL           uint8
	Proto         uint8
	Src           core.IPv4Addr
	Dst           core.IPv4Addr
}

// DecodeIPv4 validates an IPv4 packet and splits it into header and
// payload. The payload is trimmed to the header's total length, so
// link-layer padding on minimum-size frames never reaches upper layers.
func DecodeIPv4(data []byte) (IPv4Header, []byte, error) {
	if len(data) < IPv4HeaderLen {
		return IPv4Header{}, nil, core.ErrFrameTooShort
	}
	if data[0]>>4 != 4 {
		return IPv4Header{}, nil, core.ErrNotIPv4
	}

	ihl := int(data[0]&0x0F) * 4
	if ihl < IPv4HeaderLen || len(data) < ihl {
		return IPv4Header{}, nil, core.ErrFrameTooShort
	}
	if InternetChecksum(data[:ihl]) != 0 {
		return IPv4Header{}, nil, core.ErrBadChecksum
	}

	h := IPv4Header{
		TotalLen: binary.BigEndian.Uint16(data[2:4]),
		ID:       binary.BigEndian.Uint16(data[4:6]),
		TTL:      data[8],
		Proto:    data[9],
	}
	ff := binary.BigEndian.Uint16(data[6:8])
	h.DontFragment = ff&0x4000 != 0
	h.MoreFragments = ff&0x2000 != 0
	h.FragOffset = ff & 0x1FFF
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])

	if int(h.TotalLen) < ihl || int(h.TotalLen) > len(data) {
		return IPv4Header{}, nil, core.ErrBadLength
	}

	return h, data[ihl:h.TotalLen], nil
}

// EncodeIPv4 builds a 20-byte header over payload, computing the total
// length and checksum. h.TotalLen is ignored.
func EncodeIPv4(h IPv4Header, payload []byte) []byte {
	pkt := make([]byte, IPv4HeaderLen+len(payload))

	pkt[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(pkt[2:4], uint16(IPv4HeaderLen+len(payload)))
	binary.BigEndian.PutUint16(pkt[4:6], h.ID)

	ff := h.FragOffset & 0x1FFF
	if h.DontFragment {
		ff |= 0x4000
	}
	if h.MoreFragments {
		ff |= 0x2000
	}
	binary.BigEndian.PutUint16(pkt[6:8], ff)

	pkt[8] = h.TTL
	pkt[9] = h.Proto
	copy(pkt[12:16], h.Src[:])
	copy(pkt[16:20], h.Dst[:])
	binary.BigEndian.PutUint16(pkt[10:12], InternetChecksum(pkt[:IPv4HeaderLen]))
	copy(pkt[IPv4HeaderLen:], payload)

	return pkt
}
