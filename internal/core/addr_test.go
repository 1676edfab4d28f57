package core

import "testing"

func TestMACAddrString(t *testing.T) {
	mac := MACAddr{0x00, 0x0A, 0x35, 0x01, 0x02, 0x03}
	if got := mac.String(); got != "00:0a:35:01:02:03" {
		t.Errorf("Expected 00:0a:35:01:02:03, got %s", got)
	}
}

func TestMACAddrClassification(t *testing.T) {
	if !BroadcastMAC.IsBroadcast() {
		t.Error("ff:ff:ff:ff:ff:ff must be broadcast")
	}
	if !BroadcastMAC.IsMulticast() {
		t.Error("Broadcast is a multicast address too")
	}
	mcast := MACAddr{0x01, 0x00, 0x5E, 0x01, 0x02, 0x03}
	if !mcast.IsMulticast() || !mcast.IsIPv4Multicast() {
		t.Errorf("%v must be IPv4 multicast", mcast)
	}
	if mcast.IsBroadcast() {
		t.Errorf("%v is not broadcast", mcast)
	}
	ucast := MACAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	if ucast.IsMulticast() || ucast.IsBroadcast() {
		t.Errorf("%v must be unicast", ucast)
	}
	if !ZeroMAC.IsZero() || ucast.IsZero() {
		t.Error("IsZero misclassified")
	}
}

// Only the low 23 bits of the group address map into the MAC.
func TestMulticastMAC(t *testing.T) {
	got := MulticastMAC(IPv4Addr{239, 129, 1, 2})
	want := MACAddr{0x01, 0x00, 0x5E, 0x01, 0x01, 0x02}
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}

	got = MulticastMAC(IPv4Addr{224, 0, 0, 251})
	want = MACAddr{0x01, 0x00, 0x5E, 0x00, 0x00, 0xFB}
	if got != want {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestIPv4AddrString(t *testing.T) {
	ip := IPv4Addr{192, 168, 1, 42}
	if got := ip.String(); got != "192.168.1.42" {
		t.Errorf("Expected 192.168.1.42, got %s", got)
	}
}

func TestIPv4AddrUint32(t *testing.T) {
	ip := IPv4Addr{0xC0, 0xA8, 0x01, 0x2A}
	if got := ip.Uint32(); got != 0xC0A8012A {
		t.Errorf("Expected 0xC0A8012A, got 0x%08X", got)
	}
	if IPv4FromUint32(0xC0A8012A) != ip {
		t.Error("Uint32 round trip failed")
	}
}

func TestIPv4AddrClassification(t *testing.T) {
	if !(IPv4Addr{224, 0, 0, 1}).IsMulticast() {
		t.Error("224.0.0.1 must be multicast")
	}
	if !(IPv4Addr{239, 255, 255, 255}).IsMulticast() {
		t.Error("239.255.255.255 must be multicast")
	}
	if (IPv4Addr{223, 0, 0, 1}).IsMulticast() || (IPv4Addr{240, 0, 0, 1}).IsMulticast() {
		t.Error("Multicast range is 224.0.0.0/4")
	}
	if !(IPv4Addr{255, 255, 255, 255}).IsBroadcast() {
		t.Error("255.255.255.255 must be broadcast")
	}
	if !(IPv4Addr{}).IsZero() {
		t.Error("0.0.0.0 must be zero")
	}
}

func TestFrameClone(t *testing.T) {
	f := Frame{Data: []byte{1, 2, 3}, Valid: true}
	c := f.Clone()
	c.Data[0] = 9
	if f.Data[0] != 1 {
		t.Error("Clone must not share the backing array")
	}
	if !c.Valid {
		t.Error("Clone must keep the CRC verdict")
	}
}
