package regs

import (
	"sync"
	"sync/atomic"

	"firestige.xyz/uoe/internal/core"
)

// Test register block offsets. The block sits behind its own base
// address and carries the integrated self-test controls: traffic
// generator, checker, loopback switches and the two rate meters.
const (
	RegGenChkControl   = 0x00
	RegGenConfig       = 0x04
	RegGenNbBytesLSB   = 0x08
	RegGenNbBytesMSB   = 0x0C
	RegGenDurationLSB  = 0x10
	RegGenDurationMSB  = 0x14
	RegChkConfig       = 0x18
	RegChkNbBytesLSB   = 0x1C
	RegChkNbBytesMSB   = 0x20
	RegChkDurationLSB  = 0x24
	RegChkDurationMSB  = 0x28
	RegLbGenUDPPort    = 0x2C
	RegLbGenDestIP     = 0x30
	RegChkUDPPort      = 0x34
	RegTestIRQStatus   = 0x38
	RegTestIRQEnable   = 0x3C
	RegTestIRQClear    = 0x40
	RegTestIRQSet      = 0x44
	RegTxMeterCtrl     = 0x48
	RegTxMeterExptLSB  = 0x4C
	RegTxMeterExptMSB  = 0x50
	RegTxMeterBytesLSB = 0x54
	RegTxMeterBytesMSB = 0x58
	RegTxMeterTimeLSB  = 0x5C
	RegTxMeterTimeMSB  = 0x60
	RegRxMeterCtrl     = 0x64
	RegRxMeterExptLSB  = 0x68
	RegRxMeterExptMSB  = 0x6C
	RegRxMeterBytesLSB = 0x70
	RegRxMeterBytesMSB = 0x74
	RegRxMeterTimeLSB  = 0x78
	RegRxMeterTimeMSB  = 0x7C
)

// TestInterrupt identifies one source bit in the test interrupt bank.
type TestInterrupt uint8

const (
	TestIRQGenDone TestInterrupt = iota
	TestIRQGenErrTimeout
	TestIRQChkDone
	TestIRQChkErrFrameSize
	TestIRQChkErrData
	TestIRQChkErrTimeout
	TestIRQMeterTxDone
	TestIRQMeterTxOverflow
	TestIRQMeterRxDone
	TestIRQMeterRxOverflow

	testIRQCount
)

// AllTestInterrupts is the enable mask covering every source in the
// test bank.
const AllTestInterrupts uint32 = 1<<testIRQCount - 1

var testIRQNames = [...]string{
	"gen_done",
	"gen_err_timeout",
	"chk_done",
	"chk_err_frame_size",
	"chk_err_data",
	"chk_err_timeout",
	"rate_meter_tx_done",
	"rate_meter_tx_overflow",
	"rate_meter_rx_done",
	"rate_meter_rx_overflow",
}

func (i TestInterrupt) String() string {
	if int(i) < len(testIRQNames) {
		return testIRQNames[i]
	}
	return "unknown"
}

// TestTrigger is a momentary control bit written by the host.
type TestTrigger uint8

const (
	TestTriggerGenStart TestTrigger = iota
	TestTriggerGenStop
	TestTriggerChkStart
	TestTriggerChkStop
	TestTriggerTxMeterInit
	TestTriggerRxMeterInit
)

// Control word bits. The loopback switches are stored state, rewritten
// on every control write; the start/stop bits are momentary.
const (
	CtlLoopbackMAC = 1 << 0
	CtlLoopbackUDP = 1 << 1
	CtlGenStart    = 1 << 2
	CtlGenStop     = 1 << 3
	CtlChkStart    = 1 << 4
	CtlChkStop     = 1 << 5
)

const (
	sizeTypeBit    = 1 << 0
	sizeStaticMask = 0x00FFFF00
	rateLimitMask  = 0xFF000000
)

// GenParams is the decoded generator or checker configuration word.
// RandomSize selects a per-frame random payload size in place of the
// static one; RateLimit of zero means unthrottled.
type GenParams struct {
	RandomSize bool
	StaticSize uint16
	RateLimit  uint8
}

func decodeGenConfig(v uint32) GenParams {
	return GenParams{
		RandomSize: v&sizeTypeBit != 0,
		StaticSize: uint16((v & sizeStaticMask) >> 8),
		RateLimit:  uint8((v & rateLimitMask) >> 24),
	}
}

// EncodeGenConfig builds a generator or checker configuration word.
func EncodeGenConfig(p GenParams) uint32 {
	v := uint32(p.StaticSize)<<8 | uint32(p.RateLimit)<<24
	if p.RandomSize {
		v |= sizeTypeBit
	}
	return v
}

type rateMeter struct {
	expected atomic.Uint64
	bytes    atomic.Uint64
	elapsed  atomic.Uint64
}

// TestBlock is the self-test register bank.
type TestBlock struct {
	mu        sync.RWMutex
	loopbacks uint32
	genConfig uint32
	chkConfig uint32
	lbPorts   uint32
	lbDestIP  uint32
	chkPort   uint32

	genTarget   atomic.Uint64
	genDuration atomic.Uint64
	chkExpected atomic.Uint64
	chkDuration atomic.Uint64

	txMeter rateMeter
	rxMeter rateMeter

	irq      *Bank
	triggers chan TestTrigger
}

// NewTestBlock returns the block at reset values. notify runs on each
// rising edge of an enabled interrupt and may be nil.
func NewTestBlock(notify func(TestInterrupt)) *TestBlock {
	b := &TestBlock{triggers: make(chan TestTrigger, 8)}
	var wrap func(bit uint8)
	if notify != nil {
		wrap = func(bit uint8) { notify(TestInterrupt(bit)) }
	}
	b.irq = NewBank(uint8(testIRQCount), wrap)
	return b
}

func (b *TestBlock) IRQ() *Bank { return b.irq }

// Triggers delivers start/stop and meter-init pulses to the self-test
// runner.
func (b *TestBlock) Triggers() <-chan TestTrigger { return b.triggers }

func (b *TestBlock) Read32(addr uint32) (uint32, error) {
	switch addr {
	case RegGenNbBytesLSB:
		return uint32(b.genTarget.Load()), nil
	case RegGenNbBytesMSB:
		return uint32(b.genTarget.Load() >> 32), nil
	case RegGenDurationLSB:
		return uint32(b.genDuration.Load()), nil
	case RegGenDurationMSB:
		return uint32(b.genDuration.Load() >> 32), nil
	case RegChkNbBytesLSB:
		return uint32(b.chkExpected.Load()), nil
	case RegChkNbBytesMSB:
		return uint32(b.chkExpected.Load() >> 32), nil
	case RegChkDurationLSB:
		return uint32(b.chkDuration.Load()), nil
	case RegChkDurationMSB:
		return uint32(b.chkDuration.Load() >> 32), nil
	case RegTestIRQStatus:
		return b.irq.Status(), nil
	case RegTestIRQEnable:
		return b.irq.Enable(), nil
	case RegTestIRQClear, RegTestIRQSet, RegTxMeterCtrl, RegRxMeterCtrl:
		return 0, nil
	case RegTxMeterExptLSB:
		return uint32(b.txMeter.expected.Load()), nil
	case RegTxMeterExptMSB:
		return uint32(b.txMeter.expected.Load() >> 32), nil
	case RegTxMeterBytesLSB:
		return uint32(b.txMeter.bytes.Load()), nil
	case RegTxMeterBytesMSB:
		return uint32(b.txMeter.bytes.Load() >> 32), nil
	case RegTxMeterTimeLSB:
		return uint32(b.txMeter.elapsed.Load()), nil
	case RegTxMeterTimeMSB:
		return uint32(b.txMeter.elapsed.Load() >> 32), nil
	case RegRxMeterExptLSB:
		return uint32(b.rxMeter.expected.Load()), nil
	case RegRxMeterExptMSB:
		return uint32(b.rxMeter.expected.Load() >> 32), nil
	case RegRxMeterBytesLSB:
		return uint32(b.rxMeter.bytes.Load()), nil
	case RegRxMeterBytesMSB:
		return uint32(b.rxMeter.bytes.Load() >> 32), nil
	case RegRxMeterTimeLSB:
		return uint32(b.rxMeter.elapsed.Load()), nil
	case RegRxMeterTimeMSB:
		return uint32(b.rxMeter.elapsed.Load() >> 32), nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	switch addr {
	case RegGenChkControl:
		return b.loopbacks, nil
	case RegGenConfig:
		return b.genConfig, nil
	case RegChkConfig:
		return b.chkConfig, nil
	case RegLbGenUDPPort:
		return b.lbPorts, nil
	case RegLbGenDestIP:
		return b.lbDestIP, nil
	case RegChkUDPPort:
		return b.chkPort, nil
	}
	return 0, core.ErrUnknownRegister
}

func (b *TestBlock) Write32(addr, val uint32) error {
	switch addr {
	case RegGenDurationLSB, RegGenDurationMSB, RegChkDurationLSB, RegChkDurationMSB,
		RegTxMeterBytesLSB, RegTxMeterBytesMSB, RegTxMeterTimeLSB, RegTxMeterTimeMSB,
		RegRxMeterBytesLSB, RegRxMeterBytesMSB, RegRxMeterTimeLSB, RegRxMeterTimeMSB,
		RegTestIRQStatus:
		return core.ErrReadOnly
	case RegTestIRQEnable:
		b.irq.SetEnable(val)
		return nil
	case RegTestIRQClear:
		b.irq.Clear(val)
		return nil
	case RegTestIRQSet:
		b.irq.Force(val)
		return nil
	case RegGenChkControl:
		b.mu.Lock()
		b.loopbacks = val & (CtlLoopbackMAC | CtlLoopbackUDP)
		b.mu.Unlock()
		b.pulse(val&CtlGenStart != 0, TestTriggerGenStart)
		b.pulse(val&CtlGenStop != 0, TestTriggerGenStop)
		b.pulse(val&CtlChkStart != 0, TestTriggerChkStart)
		b.pulse(val&CtlChkStop != 0, TestTriggerChkStop)
		return nil
	case RegGenNbBytesLSB:
		b.genTarget.Store(b.genTarget.Load()&^uint64(0xFFFFFFFF) | uint64(val))
		return nil
	case RegGenNbBytesMSB:
		b.genTarget.Store(b.genTarget.Load()&0xFFFFFFFF | uint64(val)<<32)
		return nil
	case RegChkNbBytesLSB:
		b.chkExpected.Store(b.chkExpected.Load()&^uint64(0xFFFFFFFF) | uint64(val))
		return nil
	case RegChkNbBytesMSB:
		b.chkExpected.Store(b.chkExpected.Load()&0xFFFFFFFF | uint64(val)<<32)
		return nil
	case RegTxMeterCtrl:
		if val&1 != 0 {
			b.txMeter.bytes.Store(0)
			b.txMeter.elapsed.Store(0)
			b.pulse(true, TestTriggerTxMeterInit)
		}
		return nil
	case RegRxMeterCtrl:
		if val&1 != 0 {
			b.rxMeter.bytes.Store(0)
			b.rxMeter.elapsed.Store(0)
			b.pulse(true, TestTriggerRxMeterInit)
		}
		return nil
	case RegTxMeterExptLSB:
		b.txMeter.expected.Store(b.txMeter.expected.Load()&^uint64(0xFFFFFFFF) | uint64(val))
		return nil
	case RegTxMeterExptMSB:
		b.txMeter.expected.Store(b.txMeter.expected.Load()&0xFFFFFFFF | uint64(val)<<32)
		return nil
	case RegRxMeterExptLSB:
		b.rxMeter.expected.Store(b.rxMeter.expected.Load()&^uint64(0xFFFFFFFF) | uint64(val))
		return nil
	case RegRxMeterExptMSB:
		b.rxMeter.expected.Store(b.rxMeter.expected.Load()&0xFFFFFFFF | uint64(val)<<32)
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch addr {
	case RegGenConfig:
		b.genConfig = val
	case RegChkConfig:
		b.chkConfig = val
	case RegLbGenUDPPort:
		b.lbPorts = val
	case RegLbGenDestIP:
		b.lbDestIP = val
	case RegChkUDPPort:
		b.chkPort = val & 0xFFFF
	default:
		return core.ErrUnknownRegister
	}
	return nil
}

func (b *TestBlock) pulse(on bool, t TestTrigger) {
	if !on {
		return
	}
	select {
	case b.triggers <- t:
	default:
	}
}

// LoopbackMAC reports whether the MAC-level loopback switch is on.
func (b *TestBlock) LoopbackMAC() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loopbacks&CtlLoopbackMAC != 0
}

// LoopbackUDP reports whether the UDP-level loopback switch is on.
func (b *TestBlock) LoopbackUDP() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.loopbacks&CtlLoopbackUDP != 0
}

func (b *TestBlock) GenParams() GenParams {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return decodeGenConfig(b.genConfig)
}

func (b *TestBlock) ChkParams() GenParams {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return decodeGenConfig(b.chkConfig)
}

// GenTarget is the number of bytes the generator must emit.
func (b *TestBlock) GenTarget() uint64 { return b.genTarget.Load() }

// ChkExpected is the number of payload bytes the checker waits for.
func (b *TestBlock) ChkExpected() uint64 { return b.chkExpected.Load() }

// GenEndpoint is the destination the generator sends to.
func (b *TestBlock) GenEndpoint() (ip core.IPv4Addr, srcPort, dstPort uint16) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return core.IPv4FromUint32(b.lbDestIP), uint16(b.lbPorts >> 16), uint16(b.lbPorts)
}

// ChkListeningPort is the UDP port the checker claims on RX.
func (b *TestBlock) ChkListeningPort() uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint16(b.chkPort)
}

// Result setters used by the self-test runner.

func (b *TestBlock) SetGenDuration(ns uint64) { b.genDuration.Store(ns) }
func (b *TestBlock) SetChkDuration(ns uint64) { b.chkDuration.Store(ns) }

func (b *TestBlock) AddTxMeterBytes(n uint64) uint64 { return b.txMeter.bytes.Add(n) }
func (b *TestBlock) AddRxMeterBytes(n uint64) uint64 { return b.rxMeter.bytes.Add(n) }
func (b *TestBlock) SetTxMeterTime(ns uint64)        { b.txMeter.elapsed.Store(ns) }
func (b *TestBlock) SetRxMeterTime(ns uint64)        { b.rxMeter.elapsed.Store(ns) }
func (b *TestBlock) TxMeterExpected() uint64         { return b.txMeter.expected.Load() }
func (b *TestBlock) RxMeterExpected() uint64         { return b.rxMeter.expected.Load() }
