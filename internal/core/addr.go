package core

import (
	"encoding/binary"
	"fmt"
)

// MACAddr is a MAC-48 address in wire order.
type MACAddr [6]byte

var (
	// BroadcastMAC is ff:ff:ff:ff:ff:ff.
	BroadcastMAC = MACAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

	// ZeroMAC is the all-zero placeholder carried in the target field of
	// ARP requests.
	ZeroMAC MACAddr
)

// MACFromBytes copies the first six bytes of b into a MACAddr.
func MACFromBytes(b []byte) MACAddr {
	var m MACAddr
	copy(m[:], b)
	return m
}

func (m MACAddr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

// IsBroadcast reports whether m is the all-ones broadcast address.
func (m MACAddr) IsBroadcast() bool {
	return m == BroadcastMAC
}

// IsMulticast reports whether the I/G bit is set (group address).
func (m MACAddr) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// IsIPv4Multicast reports whether m carries the 01:00:5e IPv4 multicast
// prefix.
func (m MACAddr) IsIPv4Multicast() bool {
	return m[0] == 0x01 && m[1] == 0x00 && m[2] == 0x5E
}

// IsZero reports whether m is the all-zero address.
func (m MACAddr) IsZero() bool {
	return m == ZeroMAC
}

// MulticastMAC maps an IPv4 multicast group to its MAC-48 form: the
// 01:00:5e prefix followed by the low 23 bits of the group address.
func MulticastMAC(ip IPv4Addr) MACAddr {
	return MACAddr{0x01, 0x00, 0x5E, ip[1] & 0x7F, ip[2], ip[3]}
}

// IPv4Addr is an IPv4 address in wire order.
type IPv4Addr [4]byte

// IPv4FromBytes copies the first four bytes of b into an IPv4Addr.
func IPv4FromBytes(b []byte) IPv4Addr {
	var a IPv4Addr
	copy(a[:], b)
	return a
}

// IPv4FromUint32 converts a host-order register value to an address.
func IPv4FromUint32(v uint32) IPv4Addr {
	var a IPv4Addr
	binary.BigEndian.PutUint32(a[:], v)
	return a
}

func (a IPv4Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", a[0], a[1], a[2], a[3])
}

// Uint32 returns the address as a host-order register value.
func (a IPv4Addr) Uint32() uint32 {
	return binary.BigEndian.Uint32(a[:])
}

// IsZero reports whether a is 0.0.0.0.
func (a IPv4Addr) IsZero() bool {
	return a == IPv4Addr{}
}

// IsMulticast reports whether a is in 224.0.0.0/4.
func (a IPv4Addr) IsMulticast() bool {
	return a[0]&0xF0 == 0xE0
}

// IsBroadcast reports whether a is the limited broadcast 255.255.255.255.
func (a IPv4Addr) IsBroadcast() bool {
	return a == IPv4Addr{0xFF, 0xFF, 0xFF, 0xFF}
}
