package codec

import (
	"encoding/binary"

	"firestige.xyz/uoe/internal/core"
)

// ARP body geometry, RFC 826 over Ethernet/IPv4 only.
const (
	ARPLen = 28

	arpHTypeEthernet = 1
	arpHLenEthernet  = 6
	arpPLenIPv4      = 4
)

// ARPOp is the ARP operation code.
type ARPOp uint16

const (
	ARPRequest ARPOp = 1
	ARPReply   ARPOp = 2
)

// ARPPacket is a decoded ARP body.
type ARPPacket struct {
	Op        ARPOp
	SenderMAC core.MACAddr
	SenderIP  core.IPv4Addr
	TargetMAC core.MACAddr
	TargetIP  core.IPv4Addr
}

// IsGratuitous reports whether p announces its own sender address
// (sender IP equals target IP).
func (p ARPPacket) IsGratuitous() bool {
	return p.SenderIP == p.TargetIP
}

// DecodeARP parses one ARP body. Packets with a hardware/protocol type or
// length other than Ethernet/IPv4, or an unknown operation, are rejected.
func DecodeARP(data []byte) (ARPPacket, error) {
	if len(data) < ARPLen {
		return ARPPacket{}, core.ErrFrameTooShort
	}

	if binary.BigEndian.Uint16(data[0:2]) != arpHTypeEthernet ||
		binary.BigEndian.Uint16(data[2:4]) != core.EtherTypeIPv4 ||
		data[4] != arpHLenEthernet || data[5] != arpPLenIPv4 {
		return ARPPacket{}, core.ErrMalformedARP
	}

	op := ARPOp(binary.BigEndian.Uint16(data[6:8]))
	if op != ARPRequest && op != ARPReply {
		return ARPPacket{}, core.ErrMalformedARP
	}

	p := ARPPacket{Op: op}
	copy(p.SenderMAC[:], data[8:14])
	copy(p.SenderIP[:], data[14:18])
	copy(p.TargetMAC[:], data[18:24])
	copy(p.TargetIP[:], data[24:28])

	return p, nil
}

// EncodeARP emits the 28-byte ARP body for p.
func EncodeARP(p ARPPacket) []byte {
	body := make([]byte, ARPLen)

	binary.BigEndian.PutUint16(body[0:2], arpHTypeEthernet)
	binary.BigEndian.PutUint16(body[2:4], core.EtherTypeIPv4)
	body[4] = arpHLenEthernet
	body[5] = arpPLenIPv4
	binary.BigEndian.PutUint16(body[6:8], uint16(p.Op))
	copy(body[8:14], p.SenderMAC[:])
	copy(body[14:18], p.SenderIP[:])
	copy(body[18:24], p.TargetMAC[:])
	copy(body[24:28], p.TargetIP[:])

	return body
}
