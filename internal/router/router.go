// Package router classifies inbound Ethernet frames and fans them out to
// the engine's processing paths.
package router

import (
	"context"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// Destination is where a classified frame goes. Every frame lands on
// exactly one destination, except ARP frames which are copied to both
// the ARP subsystem and the external interface.
type Destination uint8

const (
	DestTrash Destination = iota
	DestRaw
	DestARP
	DestExternal
	DestMACShaping
)

var destNames = [...]string{"trash", "raw", "arp", "external", "mac_shaping"}

func (d Destination) String() string {
	if int(d) < len(destNames) {
		return destNames[d]
	}
	return "unknown"
}

// Reason records which rule of the classification table fired. Trashed
// frames are charged to a monitoring counter according to their reason.
type Reason uint8

const (
	ReasonLengthField Reason = iota
	ReasonARP
	ReasonICMP
	ReasonIGMP
	ReasonUDPStandardPort
	ReasonNBNS
	ReasonUDPApplication
	ReasonTCPStandardPort
	ReasonTCPHighPort
	ReasonUnknownProtocol
	ReasonUnknownEtherType
	ReasonFragment
)

var reasonNames = [...]string{
	"length_field",
	"arp",
	"icmp",
	"igmp",
	"udp_standard_port",
	"nbns",
	"udp_application",
	"tcp_standard_port",
	"tcp_high_port",
	"unknown_protocol",
	"unknown_ethertype",
	"fragment",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// Decision is the outcome of classifying one frame.
type Decision struct {
	Dest   Destination
	Reason Reason
}

// Header field offsets within a full Ethernet frame. The engine does not
// support IPv4 options, so transport fields sit at fixed positions.
const (
	offEtherType = 12
	offIPProto   = 23
	offFragInfo  = 20
	offDstPort   = 36
)

// fragOffsetMask extracts the fragment offset from the IPv4
// flags/offset word.
const fragOffsetMask = 0x1FFF

// at returns the byte at off, or zero when the frame ends earlier. Short
// frames are classified on their missing fields read as zero.
func at(data []byte, off int) byte {
	if off >= len(data) {
		return 0
	}
	return data[off]
}

func beU16(data []byte, off int) uint16 {
	return uint16(at(data, off))<<8 | uint16(at(data, off+1))
}

// Classify runs the fixed first-match routing table over one frame.
func Classify(data []byte) Decision {
	etherType := beU16(data, offEtherType)
	switch {
	case etherType <= core.MaxLengthEtherType:
		return Decision{DestRaw, ReasonLengthField}
	case etherType == core.EtherTypeARP:
		return Decision{DestARP, ReasonARP}
	case etherType == core.EtherTypeIPv4:
		return classifyIPv4(data)
	default:
		return Decision{DestTrash, ReasonUnknownEtherType}
	}
}

func classifyIPv4(data []byte) Decision {
	proto := at(data, offIPProto)

	// A continuation fragment carries no transport header, so the port
	// rules below would read payload bytes. Route it by protocol alone:
	// the reassembly stages sort it out.
	if beU16(data, offFragInfo)&fragOffsetMask != 0 {
		switch proto {
		case core.ProtoUDP:
			return Decision{DestMACShaping, ReasonFragment}
		case core.ProtoTCP:
			return Decision{DestExternal, ReasonFragment}
		}
	}

	switch proto {
	case core.ProtoICMP:
		return Decision{DestExternal, ReasonICMP}
	case core.ProtoIGMP:
		return Decision{DestExternal, ReasonIGMP}
	case core.ProtoUDP:
		port := beU16(data, offDstPort)
		switch {
		case port == core.PortNBNSName || port == core.PortNBNSDatagram || port == core.PortNBNSSession:
			return Decision{DestTrash, ReasonNBNS}
		case port <= core.MaxStandardPort:
			return Decision{DestExternal, ReasonUDPStandardPort}
		default:
			return Decision{DestMACShaping, ReasonUDPApplication}
		}
	case core.ProtoTCP:
		if beU16(data, offDstPort) <= core.MaxStandardPort {
			return Decision{DestExternal, ReasonTCPStandardPort}
		}
		return Decision{DestTrash, ReasonTCPHighPort}
	default:
		return Decision{DestTrash, ReasonUnknownProtocol}
	}
}

// Outputs are the router's destination queues. The router never blocks
// on them: inbound traffic cannot be backpressured onto the wire, so a
// full queue costs the frame and charges the interface's drop counter.
type Outputs struct {
	Raw        chan<- core.Frame
	ARP        chan<- core.Frame
	External   chan<- core.Frame
	MACShaping chan<- core.Frame
}

// Router consumes the link RX stream and routes each frame.
type Router struct {
	regs *regs.File
	in   <-chan core.Frame
	out  Outputs
	log  log.Logger
}

func New(rf *regs.File, in <-chan core.Frame, out Outputs) *Router {
	return &Router{
		regs: rf,
		in:   in,
		out:  out,
		log:  log.GetLogger().WithField("stage", "router"),
	}
}

// Run drains the input stream until ctx is cancelled or the stream is
// closed.
func (r *Router) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-r.in:
			if !ok {
				return
			}
			r.route(f)
		}
	}
}

func (r *Router) route(f core.Frame) {
	if !f.Valid {
		r.regs.IncCRCFilter()
		metrics.FramesDroppedTotal.WithLabelValues("crc").Inc()
		return
	}

	if r.filtered(f.Data) {
		r.regs.IncMACFilter()
		metrics.FramesDroppedTotal.WithLabelValues("mac_filter").Inc()
		return
	}

	dec := Classify(f.Data)
	if r.log.IsDebugEnabled() {
		r.log.Debugf("frame len=%d dest=%s reason=%s", len(f.Data), dec.Dest, dec.Reason)
	}

	switch dec.Dest {
	case DestRaw:
		r.deliver(r.out.Raw, f, DestRaw, r.regs.IncRawDrop)
	case DestARP:
		r.deliverARP(f)
	case DestExternal:
		r.deliver(r.out.External, f, DestExternal, r.regs.IncExtDrop)
	case DestMACShaping:
		r.deliver(r.out.MACShaping, f, DestMACShaping, r.regs.IncUDPDrop)
	default:
		r.trash(dec)
	}
}

// filtered applies the configured MAC destination filter. A set enable
// bit discards its traffic class; enabled multicast group addresses are
// exempt from the multicast filter, and the unicast filter keeps only
// frames addressed to the local MAC. Broadcast ARP frames always pass:
// resolution must keep working while the filter is up.
func (r *Router) filtered(data []byte) bool {
	dst := core.MACFromBytes(data)
	cfg := r.regs.Filtering()
	switch {
	case dst.IsBroadcast():
		return cfg.Broadcast && beU16(data, offEtherType) != core.EtherTypeARP
	case dst.IsMulticast():
		if !cfg.Multicast {
			return false
		}
		return !r.regs.MulticastAllowed(dst)
	default:
		if !cfg.Unicast {
			return false
		}
		return dst != r.regs.LocalMAC()
	}
}

func (r *Router) deliver(ch chan<- core.Frame, f core.Frame, dest Destination, onDrop func()) {
	select {
	case ch <- f:
		metrics.FramesRoutedTotal.WithLabelValues(dest.String()).Inc()
	default:
		onDrop()
		metrics.FramesDroppedTotal.WithLabelValues(dest.String() + "_queue_full").Inc()
		r.log.Warnf("%s queue full, frame dropped", dest)
	}
}

// deliverARP copies one ARP frame to both the ARP subsystem and the
// external interface. The two deliveries succeed or fail independently;
// a full ARP queue raises the overflow interrupt since the subsystem
// has no drop counter of its own.
func (r *Router) deliverARP(f core.Frame) {
	select {
	case r.out.ARP <- f.Clone():
		metrics.FramesRoutedTotal.WithLabelValues(DestARP.String()).Inc()
	default:
		r.regs.IRQ().Raise(uint8(regs.IRQARPRxFifoOverflow))
		metrics.FramesDroppedTotal.WithLabelValues(DestARP.String() + "_queue_full").Inc()
		r.log.Warnf("arp queue full, frame dropped")
	}

	r.deliver(r.out.External, f, DestExternal, r.regs.IncExtDrop)
}

// trash consumes a frame the table rejects. NBNS traffic is charged to
// the UDP interface counter, every other rejection to the external one.
func (r *Router) trash(dec Decision) {
	switch dec.Reason {
	case ReasonNBNS:
		r.regs.IncUDPDrop()
	default:
		r.regs.IncExtDrop()
	}
	metrics.FramesDroppedTotal.WithLabelValues(dec.Reason.String()).Inc()
}
