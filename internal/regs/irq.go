package regs

import "sync"

// Interrupt identifies one source bit in the main interrupt bank.
type Interrupt uint8

const (
	IRQInitDone Interrupt = iota
	IRQARPTableClearDone
	IRQARPIPConflict
	IRQARPMACConflict
	IRQARPError
	IRQARPRxFifoOverflow
	IRQRouterDataRxFifoOverflow
	IRQRouterCRCRxFifoOverflow
	IRQIPv4RxFragOffsetError

	irqCount
)

// AllInterrupts is the enable mask covering every source in the main
// bank.
const AllInterrupts uint32 = 1<<irqCount - 1

var irqNames = [...]string{
	"init_done",
	"arp_table_clear_done",
	"arp_ip_conflict",
	"arp_mac_conflict",
	"arp_error",
	"arp_rx_fifo_overflow",
	"router_data_rx_fifo_overflow",
	"router_crc_rx_fifo_overflow",
	"ipv4_rx_frag_offset_error",
}

func (i Interrupt) String() string {
	if int(i) < len(irqNames) {
		return irqNames[i]
	}
	return "unknown"
}

// Bank is one status/enable/clear/set interrupt register quadruplet.
// Status latches every raised source regardless of the enable mask;
// the mask only gates notification. Clear is write-one-to-clear, set
// forces bits for host-side testing.
type Bank struct {
	mu     sync.Mutex
	mask   uint32
	status uint32
	enable uint32
	notify func(bit uint8)
}

// NewBank returns a bank holding width source bits. notify runs once
// per rising edge of an enabled bit and may be nil.
func NewBank(width uint8, notify func(bit uint8)) *Bank {
	return &Bank{mask: 1<<width - 1, notify: notify}
}

func (b *Bank) Raise(bit uint8) {
	b.force(1 << bit)
}

func (b *Bank) Status() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bank) Enable() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.enable
}

func (b *Bank) SetEnable(v uint32) {
	b.mu.Lock()
	b.enable = v & b.mask
	b.mu.Unlock()
}

// Clear drops the status bits set in v.
func (b *Bank) Clear(v uint32) {
	b.mu.Lock()
	b.status &^= v
	b.mu.Unlock()
}

// Force latches the bits set in v as if the sources had fired.
func (b *Bank) Force(v uint32) {
	b.force(v)
}

func (b *Bank) force(v uint32) {
	b.mu.Lock()
	rising := v & b.mask &^ b.status
	b.status |= v & b.mask
	fire := rising & b.enable
	notify := b.notify
	b.mu.Unlock()

	if notify == nil || fire == 0 {
		return
	}
	for bit := uint8(0); fire != 0; bit++ {
		if fire&1 != 0 {
			notify(bit)
		}
		fire >>= 1
	}
}
