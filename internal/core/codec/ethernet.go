package codec

import (
	"encoding/binary"

	"firestige.xyz/uoe/internal/core"
)

// EthernetHeader is the 14-byte link-layer header. VLAN tags are not part
// of the engine's contract and are not parsed.
type EthernetHeader struct {
	Dst       core.MACAddr
	Src       core.MACAddr
	EtherType uint16
}

// DecodeEthernet splits a frame into its header and payload.
func DecodeEthernet(data []byte) (EthernetHeader, []byte, error) {
	if len(data) < core.EthernetHeaderLen {
		return EthernetHeader{}, nil, core.ErrFrameTooShort
	}

	var h EthernetHeader
	copy(h.Dst[:], data[0:6])
	copy(h.Src[:], data[6:12])
	h.EtherType = binary.BigEndian.Uint16(data[12:14])

	return h, data[core.EthernetHeaderLen:], nil
}

// EncodeEthernet prepends h to payload, padding the frame to the 60-byte
// minimum the link expects.
func EncodeEthernet(h EthernetHeader, payload []byte) []byte {
	n := core.EthernetHeaderLen + len(payload)
	if n < core.MinFrameLen {
		n = core.MinFrameLen
	}

	frame := make([]byte, n)
	copy(frame[0:6], h.Dst[:])
	copy(frame[6:12], h.Src[:])
	binary.BigEndian.PutUint16(frame[12:14], h.EtherType)
	copy(frame[core.EthernetHeaderLen:], payload)

	return frame
}
