// Package ipv4 inserts and removes the internet-layer header. TX splits
// oversized payloads into fragments; RX validates, filters on the
// destination address and reassembles in-order fragment runs.
package ipv4

import (
	"context"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// Layer carries segments between the transport layer and MAC shaping.
type Layer struct {
	regs *regs.File

	txIn  <-chan core.Segment
	txOut chan<- []byte
	rxIn  <-chan []byte
	rxOut chan<- core.Segment

	ident uint16
	asm   assembly

	log log.Logger
}

type Queues struct {
	TXIn  <-chan core.Segment
	TXOut chan<- []byte
	RXIn  <-chan []byte
	RXOut chan<- core.Segment
}

func New(rf *regs.File, q Queues) *Layer {
	return &Layer{
		regs:  rf,
		txIn:  q.TXIn,
		txOut: q.TXOut,
		rxIn:  q.RXIn,
		rxOut: q.RXOut,
		log:   log.GetLogger().WithField("stage", "ipv4"),
	}
}

// RunTX encapsulates outbound segments.
func (l *Layer) RunTX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case seg, ok := <-l.txIn:
			if !ok {
				return
			}
			l.transmit(ctx, seg)
		}
	}
}

// transmit emits seg as one packet, or as a run of fragments when the
// payload exceeds what one frame can carry. All fragments share the
// datagram ID; offsets count 8-byte units.
func (l *Layer) transmit(ctx context.Context, seg core.Segment) {
	src := l.regs.LocalIP()
	ttl := l.regs.TTL()
	l.ident++
	id := l.ident

	data := seg.Data
	if len(data) <= core.FragmentChunk {
		l.emit(ctx, codec.EncodeIPv4(codec.IPv4Header{
			ID:    id,
			TTL:   ttl,
			Proto: seg.Proto,
			Src:   src,
			Dst:   seg.Dst,
		}, data))
		return
	}

	offset := uint16(0)
	for len(data) > 0 {
		chunk := data
		more := false
		if len(chunk) > core.FragmentChunk {
			chunk = chunk[:core.FragmentChunk]
			more = true
		}
		pkt := codec.EncodeIPv4(codec.IPv4Header{
			ID:            id,
			MoreFragments: more,
			FragOffset:    offset,
			TTL:           ttl,
			Proto:         seg.Proto,
			Src:           src,
			Dst:           seg.Dst,
		}, chunk)
		if !l.emit(ctx, pkt) {
			return
		}
		metrics.IPv4FragmentsTotal.WithLabelValues("tx").Inc()
		offset += uint16(len(chunk) / 8)
		data = data[len(chunk):]
	}
}

func (l *Layer) emit(ctx context.Context, pkt []byte) bool {
	select {
	case l.txOut <- pkt:
		return true
	case <-ctx.Done():
		return false
	}
}

// RunRX validates and strips inbound headers.
func (l *Layer) RunRX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-l.rxIn:
			if !ok {
				return
			}
			l.receive(ctx, pkt)
		}
	}
}

func (l *Layer) receive(ctx context.Context, pkt []byte) {
	h, payload, err := codec.DecodeIPv4(pkt)
	if err != nil {
		l.log.Debugf("dropping packet: %v", err)
		l.regs.IncUDPDrop()
		metrics.FramesDroppedTotal.WithLabelValues("ipv4_invalid").Inc()
		return
	}

	if !l.accepts(h.Dst) {
		l.regs.IncUDPDrop()
		metrics.FramesDroppedTotal.WithLabelValues("ipv4_dst_filtered").Inc()
		return
	}

	if h.MoreFragments || h.FragOffset > 0 {
		l.receiveFragment(ctx, h, payload)
		return
	}

	l.deliver(ctx, core.Segment{Src: h.Src, Dst: h.Dst, Proto: h.Proto, Data: payload})
}

// accepts implements the RX destination filter: the local address, the
// limited broadcast, and any multicast group enabled in the filter
// registers. A node still acquiring its address accepts broadcast only.
func (l *Layer) accepts(dst core.IPv4Addr) bool {
	if dst.IsBroadcast() {
		return true
	}
	if dst.IsMulticast() {
		return l.regs.MulticastAllowed(core.MulticastMAC(dst))
	}
	local := l.regs.LocalIP()
	return !local.IsZero() && dst == local
}

// assembly is the single in-flight fragment run. Fragments must arrive
// back to back and in order; anything else resets the run and raises
// the offset-error interrupt.
type assembly struct {
	active bool
	src    core.IPv4Addr
	dst    core.IPv4Addr
	id     uint16
	proto  uint8
	next   uint16 // expected offset, 8-byte units
	buf    []byte
}

func (l *Layer) receiveFragment(ctx context.Context, h codec.IPv4Header, payload []byte) {
	metrics.IPv4FragmentsTotal.WithLabelValues("rx").Inc()

	// Every fragment except the last must keep offsets 8-byte aligned.
	if h.MoreFragments && len(payload)%8 != 0 {
		l.fragmentError("fragment length %d not a multiple of 8", len(payload))
		return
	}

	if h.FragOffset == 0 {
		if l.asm.active {
			l.log.Debugf("fragment run from %s superseded by new run from %s", l.asm.src, h.Src)
		}
		l.asm = assembly{
			active: true,
			src:    h.Src,
			dst:    h.Dst,
			id:     h.ID,
			proto:  h.Proto,
			next:   uint16(len(payload) / 8),
			buf:    append([]byte(nil), payload...),
		}
		metrics.ReassemblyActiveFragments.Set(1)
		return
	}

	if !l.asm.active || l.asm.src != h.Src || l.asm.id != h.ID || l.asm.proto != h.Proto {
		l.fragmentError("fragment for unknown run from %s id %d", h.Src, h.ID)
		return
	}
	if h.FragOffset != l.asm.next {
		l.fragmentError("fragment offset %d, expected %d", h.FragOffset, l.asm.next)
		return
	}

	l.asm.buf = append(l.asm.buf, payload...)
	l.asm.next += uint16(len(payload) / 8)

	if !h.MoreFragments {
		seg := core.Segment{Src: l.asm.src, Dst: l.asm.dst, Proto: l.asm.proto, Data: l.asm.buf}
		l.resetAssembly()
		l.deliver(ctx, seg)
	}
}

func (l *Layer) fragmentError(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
	l.resetAssembly()
	l.regs.IRQ().Raise(uint8(regs.IRQIPv4RxFragOffsetError))
	l.regs.IncUDPDrop()
	metrics.FramesDroppedTotal.WithLabelValues("frag_offset").Inc()
}

func (l *Layer) resetAssembly() {
	l.asm = assembly{}
	metrics.ReassemblyActiveFragments.Set(0)
}

func (l *Layer) deliver(ctx context.Context, seg core.Segment) {
	select {
	case l.rxOut <- seg:
	case <-ctx.Done():
	}
}
