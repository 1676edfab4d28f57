// Package core defines the engine's frame and address types with zero external dependencies.
package core

// Frame is one whole Ethernet frame moving through the pipeline.
// Stages exchange complete frames only; a frame is classified and
// transformed as a unit, never split mid-stream.
//
// Valid carries the MAC-layer CRC verdict on the PHY RX boundary. It is
// always true once a frame has passed the router's CRC filter.
type Frame struct {
	Data  []byte
	Valid bool
}

// Clone returns a deep copy, for paths that fan a frame out to more than
// one consumer.
func (f Frame) Clone() Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return Frame{Data: data, Valid: f.Valid}
}

// UDPMeta is the out-of-band control word travelling with a UDP payload on
// the application-side interface. On the hardware boundary this is the
// 80-bit user word: destination port, source port, payload size, peer IP.
type UDPMeta struct {
	DstPort uint16
	SrcPort uint16
	Size    uint16
	Addr    IPv4Addr // target IP on TX, source IP on RX
}

// Datagram is an application-side UDP message: payload plus control word.
type Datagram struct {
	Meta    UDPMeta
	Payload []byte
}

// Segment is an internet-layer message between the transport and IPv4
// stages. Dst is meaningful on TX, Src on RX.
type Segment struct {
	Src   IPv4Addr
	Dst   IPv4Addr
	Proto uint8
	Data  []byte
}

// RawDatagram is an application-side message on the raw Ethernet path.
// EtherType doubles as the 16-bit control word: it is written verbatim
// into the type field on TX.
type RawDatagram struct {
	EtherType uint16
	Data      []byte
}

// ARPEntry associates a resolved IP address with its MAC address.
type ARPEntry struct {
	IP  IPv4Addr
	MAC MACAddr
}
