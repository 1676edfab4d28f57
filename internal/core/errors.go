// Package core defines sentinel errors.
package core

import "errors"

var (
	// Codec errors
	ErrFrameTooShort = errors.New("uoe: frame too short")
	ErrMalformedARP  = errors.New("uoe: malformed arp packet")
	ErrMalformedDHCP = errors.New("uoe: malformed dhcp message")
	ErrMalformedICMP = errors.New("uoe: malformed icmp message")
	ErrNotIPv4       = errors.New("uoe: not an ipv4 packet")
	ErrBadChecksum   = errors.New("uoe: checksum mismatch")
	ErrBadLength     = errors.New("uoe: length field mismatch")

	// IPv4 reassembly errors
	ErrFragmentGap = errors.New("uoe: fragment offset out of sequence")

	// Address resolution errors
	ErrResolverBusy  = errors.New("uoe: arp resolver busy")
	ErrResolveFailed = errors.New("uoe: address resolution failed")

	// Register file errors
	ErrUnknownRegister = errors.New("uoe: unknown register offset")
	ErrReadOnly        = errors.New("uoe: register is read-only")

	// Lifecycle errors
	ErrEngineStopped = errors.New("uoe: engine stopped")
	ErrConfigInvalid = errors.New("uoe: invalid configuration")
)
