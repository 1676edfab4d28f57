// Package regs models the engine's configuration and monitoring
// surface as a bank of 32-bit registers with latched interrupts. The
// word layout is a fixed external contract: host tooling addresses
// configuration, drop counters and the interrupt quadruplet by offset
// exactly as it would on the offload core.
package regs

import (
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/uoe/internal/core"
)

// Main register block offsets.
const (
	RegVersion       = 0x00
	RegLocalMACLSB   = 0x04
	RegLocalMACMSB   = 0x08
	RegLocalIP       = 0x0C
	RegRawDestMACLSB = 0x10
	RegRawDestMACMSB = 0x14
	RegTTL           = 0x18
	RegFiltering     = 0x1C
	RegMulticastIP1  = 0x20
	RegMulticastIP2  = 0x24
	RegMulticastIP3  = 0x28
	RegMulticastIP4  = 0x2C
	RegARPConfig     = 0x30
	RegARPSwReq      = 0x34
	RegConfigDone    = 0x38
	RegCntCRCFilter  = 0x40
	RegCntMACFilter  = 0x44
	RegCntExtDrop    = 0x48
	RegCntRawDrop    = 0x4C
	RegCntUDPDrop    = 0x50
	RegIRQStatus     = 0x54
	RegIRQEnable     = 0x58
	RegIRQClear      = 0x5C
	RegIRQSet        = 0x60
)

// Version reads back {debug:16, revision:8, version:8}.
const Version uint32 = 0x00000001

const (
	arpTimeoutMask    = 0x00000FFF
	arpTryingsShift   = 12
	arpTryingsMask    = 0x0000F000
	arpGratuitousBit  = 1 << 16
	arpRxFilterShift  = 17
	arpRxFilterMask   = 0x00060000
	arpIPConflictBit  = 1 << 19
	arpTableClearBit  = 1 << 20
	arpConfigStored   = arpTimeoutMask | arpTryingsMask | arpRxFilterMask | arpIPConflictBit
	multicastAddrMask = 0x0FFFFFFF
	multicastEnable   = 1 << 28
)

// ARPFilterMode selects which inbound ARP frames the controller
// inspects.
type ARPFilterMode uint8

const (
	ARPFilterUnicast     ARPFilterMode = 0 // target IP must match the local IP
	ARPFilterBroadcast   ARPFilterMode = 1 // local IP or the subnet broadcast
	ARPFilterNone        ARPFilterMode = 2
	ARPFilterStaticTable ARPFilterMode = 3 // no dynamic learning
)

// FilterConfig mirrors the filtering control register. A true field
// activates dropping for that destination class; all-false passes
// every frame through.
type FilterConfig struct {
	Broadcast bool
	Multicast bool
	Unicast   bool
}

// ARPParams is the decoded ARP configuration register.
type ARPParams struct {
	Timeout        time.Duration
	Tryings        uint8
	FilterMode     ARPFilterMode
	TestIPConflict bool
}

// TriggerKind tags momentary register writes that start an action
// instead of storing state.
type TriggerKind uint8

const (
	TriggerGratuitous TriggerKind = iota
	TriggerTableClear
	TriggerResolve
)

type Trigger struct {
	Kind TriggerKind
	IP   core.IPv4Addr // TriggerResolve only
}

// File is the main register bank. Configuration words are guarded by
// a single writer lock, drop counters are lock-free, and trigger bits
// are delivered through a buffered channel instead of being latched.
type File struct {
	mu         sync.RWMutex
	localMAC   core.MACAddr
	localIP    core.IPv4Addr
	rawDestMAC core.MACAddr
	ttl        uint8
	filtering  uint32
	multicast  [4]uint32
	arpConfig  uint32
	arpSwReq   uint32
	configDone bool

	cntCRC atomic.Uint32
	cntMAC atomic.Uint32
	cntExt atomic.Uint32
	cntRaw atomic.Uint32
	cntUDP atomic.Uint32

	irq      *Bank
	triggers chan Trigger
	ready    chan struct{}
}

// NewFile returns a register bank at reset values. notify runs on
// each rising edge of an enabled interrupt and may be nil.
func NewFile(notify func(Interrupt)) *File {
	f := &File{
		rawDestMAC: core.BroadcastMAC,
		ttl:        64,
		triggers:   make(chan Trigger, 8),
		ready:      make(chan struct{}),
	}
	var wrap func(bit uint8)
	if notify != nil {
		wrap = func(bit uint8) { notify(Interrupt(bit)) }
	}
	f.irq = NewBank(uint8(irqCount), wrap)
	return f
}

// IRQ exposes the interrupt bank for the pipeline stages that raise
// status bits directly.
func (f *File) IRQ() *Bank { return f.irq }

// Triggers delivers momentary control writes (gratuitous request,
// table clear, software resolution) to the ARP controller.
func (f *File) Triggers() <-chan Trigger { return f.triggers }

// Ready is closed when the host sets the config-done flag.
func (f *File) Ready() <-chan struct{} { return f.ready }

// Read32 decodes a register read at the given byte offset.
func (f *File) Read32(addr uint32) (uint32, error) {
	switch addr {
	case RegVersion:
		return Version, nil
	case RegCntCRCFilter:
		return f.cntCRC.Load(), nil
	case RegCntMACFilter:
		return f.cntMAC.Load(), nil
	case RegCntExtDrop:
		return f.cntExt.Load(), nil
	case RegCntRawDrop:
		return f.cntRaw.Load(), nil
	case RegCntUDPDrop:
		return f.cntUDP.Load(), nil
	case RegIRQStatus:
		return f.irq.Status(), nil
	case RegIRQEnable:
		return f.irq.Enable(), nil
	case RegIRQClear, RegIRQSet:
		return 0, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	switch addr {
	case RegLocalMACLSB:
		return macLSB(f.localMAC), nil
	case RegLocalMACMSB:
		return macMSB(f.localMAC), nil
	case RegLocalIP:
		return f.localIP.Uint32(), nil
	case RegRawDestMACLSB:
		return macLSB(f.rawDestMAC), nil
	case RegRawDestMACMSB:
		return macMSB(f.rawDestMAC), nil
	case RegTTL:
		return uint32(f.ttl), nil
	case RegFiltering:
		return f.filtering, nil
	case RegMulticastIP1, RegMulticastIP2, RegMulticastIP3, RegMulticastIP4:
		return f.multicast[(addr-RegMulticastIP1)/4], nil
	case RegARPConfig:
		return f.arpConfig, nil
	case RegARPSwReq:
		return f.arpSwReq, nil
	case RegConfigDone:
		if f.configDone {
			return 1, nil
		}
		return 0, nil
	}
	return 0, core.ErrUnknownRegister
}

// Write32 decodes a register write at the given byte offset.
func (f *File) Write32(addr, val uint32) error {
	switch addr {
	case RegVersion, RegCntCRCFilter, RegCntMACFilter, RegCntExtDrop,
		RegCntRawDrop, RegCntUDPDrop, RegIRQStatus:
		return core.ErrReadOnly
	case RegIRQEnable:
		f.irq.SetEnable(val)
		return nil
	case RegIRQClear:
		f.irq.Clear(val)
		return nil
	case RegIRQSet:
		f.irq.Force(val)
		return nil
	case RegARPSwReq:
		f.mu.Lock()
		f.arpSwReq = val
		f.mu.Unlock()
		f.fire(Trigger{Kind: TriggerResolve, IP: core.IPv4FromUint32(val)})
		return nil
	case RegARPConfig:
		f.mu.Lock()
		f.arpConfig = val & arpConfigStored
		f.mu.Unlock()
		if val&arpGratuitousBit != 0 {
			f.fire(Trigger{Kind: TriggerGratuitous})
		}
		if val&arpTableClearBit != 0 {
			f.fire(Trigger{Kind: TriggerTableClear})
		}
		return nil
	case RegConfigDone:
		f.mu.Lock()
		done := val&1 != 0
		first := done && !f.configDone
		f.configDone = done
		f.mu.Unlock()
		if first {
			close(f.ready)
		}
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch addr {
	case RegLocalMACLSB:
		setMACLSB(&f.localMAC, val)
	case RegLocalMACMSB:
		setMACMSB(&f.localMAC, val)
	case RegLocalIP:
		f.localIP = core.IPv4FromUint32(val)
	case RegRawDestMACLSB:
		setMACLSB(&f.rawDestMAC, val)
	case RegRawDestMACMSB:
		setMACMSB(&f.rawDestMAC, val)
	case RegTTL:
		f.ttl = uint8(val)
	case RegFiltering:
		f.filtering = val & 0x7
	case RegMulticastIP1, RegMulticastIP2, RegMulticastIP3, RegMulticastIP4:
		f.multicast[(addr-RegMulticastIP1)/4] = val & (multicastAddrMask | multicastEnable)
	default:
		return core.ErrUnknownRegister
	}
	return nil
}

// fire queues a trigger without ever stalling the register bus.
func (f *File) fire(t Trigger) {
	select {
	case f.triggers <- t:
	default:
	}
}

// MACWords splits a MAC address into the MSB/LSB register pair the
// host writes: two high bytes in the MSB word, four low bytes in the
// LSB word.
func MACWords(mac core.MACAddr) (msb, lsb uint32) {
	return macMSB(mac), macLSB(mac)
}

func macLSB(mac core.MACAddr) uint32 {
	return uint32(mac[2])<<24 | uint32(mac[3])<<16 | uint32(mac[4])<<8 | uint32(mac[5])
}

func macMSB(mac core.MACAddr) uint32 {
	return uint32(mac[0])<<8 | uint32(mac[1])
}

func setMACLSB(mac *core.MACAddr, v uint32) {
	mac[2], mac[3], mac[4], mac[5] = byte(v>>24), byte(v>>16), byte(v>>8), byte(v)
}

func setMACMSB(mac *core.MACAddr, v uint32) {
	mac[0], mac[1] = byte(v>>8), byte(v)
}

// EncodeFiltering builds the filter control word: one bit per
// destination class, set to drop.
func EncodeFiltering(fc FilterConfig) uint32 {
	var v uint32
	if fc.Broadcast {
		v |= 0x1
	}
	if fc.Multicast {
		v |= 0x2
	}
	if fc.Unicast {
		v |= 0x4
	}
	return v
}

// EncodeARPConfig builds the stored part of the ARP configuration
// word: timeout in milliseconds, retry count, RX filter mode and the
// conflict probe switch. Momentary action bits are separate.
func EncodeARPConfig(p ARPParams) uint32 {
	v := uint32(p.Timeout/time.Millisecond) & arpTimeoutMask
	v |= uint32(p.Tryings) << arpTryingsShift & arpTryingsMask
	v |= uint32(p.FilterMode) << arpRxFilterShift & arpRxFilterMask
	if p.TestIPConflict {
		v |= arpIPConflictBit
	}
	return v
}

// MulticastWord builds an enabled multicast group register value from
// a group address.
func MulticastWord(group core.IPv4Addr) uint32 {
	return group.Uint32()&multicastAddrMask | multicastEnable
}

func (f *File) LocalMAC() core.MACAddr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.localMAC
}

func (f *File) LocalIP() core.IPv4Addr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.localIP
}

// SetLocalIP installs a dynamically obtained address, taking the same
// path a host write to the local IP register would.
func (f *File) SetLocalIP(ip core.IPv4Addr) {
	f.mu.Lock()
	f.localIP = ip
	f.mu.Unlock()
}

func (f *File) RawDestMAC() core.MACAddr {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rawDestMAC
}

func (f *File) TTL() uint8 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ttl
}

func (f *File) Filtering() FilterConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return FilterConfig{
		Broadcast: f.filtering&0x1 != 0,
		Multicast: f.filtering&0x2 != 0,
		Unicast:   f.filtering&0x4 != 0,
	}
}

// MulticastAllowed reports whether a destination MAC maps to one of
// the enabled multicast group registers. Groups are stored as the low
// 28 bits of the address; comparison happens at the MAC level, so the
// usual 32:1 group aliasing of IPv4 multicast applies.
func (f *File) MulticastAllowed(dst core.MACAddr) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, m := range f.multicast {
		if m&multicastEnable == 0 {
			continue
		}
		group := core.IPv4FromUint32(0xE0000000 | m&multicastAddrMask)
		if dst == core.MulticastMAC(group) {
			return true
		}
	}
	return false
}

func (f *File) ARPParams() ARPParams {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return ARPParams{
		Timeout:        time.Duration(f.arpConfig&arpTimeoutMask) * time.Millisecond,
		Tryings:        uint8((f.arpConfig & arpTryingsMask) >> arpTryingsShift),
		FilterMode:     ARPFilterMode((f.arpConfig & arpRxFilterMask) >> arpRxFilterShift),
		TestIPConflict: f.arpConfig&arpIPConflictBit != 0,
	}
}

func (f *File) ConfigDone() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.configDone
}

// Drop counters, one per classifier destination. They wrap at 2^32.

func (f *File) IncCRCFilter() { f.cntCRC.Add(1) }
func (f *File) IncMACFilter() { f.cntMAC.Add(1) }
func (f *File) IncExtDrop()   { f.cntExt.Add(1) }
func (f *File) IncRawDrop()   { f.cntRaw.Add(1) }
func (f *File) IncUDPDrop()   { f.cntUDP.Add(1) }

// Counters holds one reading of the drop counters.
type Counters struct {
	CRCFilter uint32
	MACFilter uint32
	ExtDrop   uint32
	RawDrop   uint32
	UDPDrop   uint32
}

// Counters reads all drop counters at once, for status reporting.
func (f *File) Counters() Counters {
	return Counters{
		CRCFilter: f.cntCRC.Load(),
		MACFilter: f.cntMAC.Load(),
		ExtDrop:   f.cntExt.Load(),
		RawDrop:   f.cntRaw.Load(),
		UDPDrop:   f.cntUDP.Load(),
	}
}
