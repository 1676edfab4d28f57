package core

// EtherType values and the IEEE 802.3 length/type boundary.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806

	// Type-field values of 1500 and below are 802.3 length fields; the
	// router hands those frames to the raw Ethernet path.
	MaxLengthEtherType uint16 = 1500
)

// IPv4 protocol numbers the router classifies on.
const (
	ProtoICMP uint8 = 1
	ProtoIGMP uint8 = 2
	ProtoTCP  uint8 = 6
	ProtoUDP  uint8 = 17
)

// UDP/TCP port classification boundaries.
const (
	// Ports 0-1023 belong to the external interface, not the offload path.
	MaxStandardPort uint16 = 0x03FF

	PortNBNSName     uint16 = 0x89
	PortNBNSDatagram uint16 = 0x8A
	PortNBNSSession  uint16 = 0x8B

	PortDHCPServer uint16 = 67
	PortDHCPClient uint16 = 68
)

// Frame geometry.
const (
	EthernetHeaderLen = 14
	MinFrameLen       = 60 // minimum Ethernet frame, FCS excluded
	MTU               = 1500
	FragmentChunk     = 1480 // largest IPv4 payload per fragment
)
