package codec

import (
	"encoding/binary"

	"firestige.xyz/uoe/internal/core"
)

// DHCP/BOOTP wire layout (RFC 2131).
const (
	DHCPHeaderLen = 240 // fixed BOOTP fields plus the magic cookie

	dhcpMagicCookie = 0x63825363

	DHCPOpRequest uint8 = 1
	DHCPOpReply   uint8 = 2
)

// DHCP message types carried in option 53.
const (
	DHCPDiscover uint8 = 1
	DHCPOffer    uint8 = 2
	DHCPRequest  uint8 = 3
	DHCPDecline  uint8 = 4
	DHCPAck      uint8 = 5
	DHCPNak      uint8 = 6
	DHCPRelease  uint8 = 7
)

// Option codes the client produces or consumes.
const (
	DHCPOptPad         uint8 = 0
	DHCPOptSubnetMask  uint8 = 1
	DHCPOptRouter      uint8 = 3
	DHCPOptRequestedIP uint8 = 50
	DHCPOptLeaseTime   uint8 = 51
	DHCPOptMessageType uint8 = 53
	DHCPOptServerID    uint8 = 54
	DHCPOptParamList   uint8 = 55
	DHCPOptRenewalT1   uint8 = 58
	DHCPOptRebindT2    uint8 = 59
	DHCPOptEnd         uint8 = 255
)

// DHCPOption is one tagged option.
type DHCPOption struct {
	Code uint8
	Data []byte
}

// DHCPMessage is a decoded DHCP message. Hardware type/length are fixed
// to Ethernet and not represented.
type DHCPMessage struct {
	Op     uint8
	XID    uint32
	Secs   uint16
	Flags  uint16
	CIAddr core.IPv4Addr
	YIAddr core.IPv4Addr
	SIAddr core.IPv4Addr
	GIAddr core.IPv4Addr
	CHAddr core.MACAddr

	Options []DHCPOption
}

// Option returns the data of the first option with the given code.
func (m *DHCPMessage) Option(code uint8) ([]byte, bool) {
	for _, opt := range m.Options {
		if opt.Code == code {
			return opt.Data, true
		}
	}
	return nil, false
}

// MessageType returns the option 53 value, or zero when absent.
func (m *DHCPMessage) MessageType() uint8 {
	if data, ok := m.Option(DHCPOptMessageType); ok && len(data) == 1 {
		return data[0]
	}
	return 0
}

// AddOption appends one option.
func (m *DHCPMessage) AddOption(code uint8, data ...byte) {
	m.Options = append(m.Options, DHCPOption{Code: code, Data: data})
}

// EncodeDHCP emits m as a BOOTP header, magic cookie, the options in
// order, and the end marker.
func EncodeDHCP(m DHCPMessage) []byte {
	n := DHCPHeaderLen + 1
	for _, opt := range m.Options {
		n += 2 + len(opt.Data)
	}

	buf := make([]byte, DHCPHeaderLen, n)
	buf[0] = m.Op
	buf[1] = 1 // htype: Ethernet
	buf[2] = 6 // hlen
	binary.BigEndian.PutUint32(buf[4:8], m.XID)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	copy(buf[12:16], m.CIAddr[:])
	copy(buf[16:20], m.YIAddr[:])
	copy(buf[20:24], m.SIAddr[:])
	copy(buf[24:28], m.GIAddr[:])
	copy(buf[28:34], m.CHAddr[:])
	binary.BigEndian.PutUint32(buf[236:240], dhcpMagicCookie)

	for _, opt := range m.Options {
		buf = append(buf, opt.Code, uint8(len(opt.Data)))
		buf = append(buf, opt.Data...)
	}
	buf = append(buf, DHCPOptEnd)

	return buf
}

// DecodeDHCP parses one DHCP message. Truncated headers, a missing magic
// cookie, and options running past the message end are rejected.
func DecodeDHCP(data []byte) (DHCPMessage, error) {
	if len(data) < DHCPHeaderLen {
		return DHCPMessage{}, core.ErrMalformedDHCP
	}
	if binary.BigEndian.Uint32(data[236:240]) != dhcpMagicCookie {
		return DHCPMessage{}, core.ErrMalformedDHCP
	}

	m := DHCPMessage{
		Op:    data[0],
		XID:   binary.BigEndian.Uint32(data[4:8]),
		Secs:  binary.BigEndian.Uint16(data[8:10]),
		Flags: binary.BigEndian.Uint16(data[10:12]),
	}
	copy(m.CIAddr[:], data[12:16])
	copy(m.YIAddr[:], data[16:20])
	copy(m.SIAddr[:], data[20:24])
	copy(m.GIAddr[:], data[24:28])
	copy(m.CHAddr[:], data[28:34])

	opts := data[DHCPHeaderLen:]
	for i := 0; i < len(opts); {
		code := opts[i]
		switch code {
		case DHCPOptPad:
			i++
			continue
		case DHCPOptEnd:
			return m, nil
		}
		if i+2 > len(opts) {
			return DHCPMessage{}, core.ErrMalformedDHCP
		}
		length := int(opts[i+1])
		if i+2+length > len(opts) {
			return DHCPMessage{}, core.ErrMalformedDHCP
		}
		m.Options = append(m.Options, DHCPOption{Code: code, Data: opts[i+2 : i+2+length]})
		i += 2 + length
	}

	return m, nil
}
