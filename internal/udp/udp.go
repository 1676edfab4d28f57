// Package udp converts between application datagrams and transport
// segments. The application never sees headers: ports, sizes and peer
// addresses travel in the out-of-band control word.
package udp

import (
	"context"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// Layer frames and deframes UDP datagrams.
type Layer struct {
	regs     *regs.File
	checksum bool

	txIn  <-chan core.Datagram
	txOut chan<- core.Segment
	rxIn  <-chan core.Segment
	rxOut chan<- core.Datagram

	log log.Logger
}

type Queues struct {
	TXIn  <-chan core.Datagram
	TXOut chan<- core.Segment
	RXIn  <-chan core.Segment
	RXOut chan<- core.Datagram
}

// New builds the layer. withChecksum selects whether outbound datagrams
// carry a computed checksum or transmit the field as zero.
func New(rf *regs.File, withChecksum bool, q Queues) *Layer {
	return &Layer{
		regs:     rf,
		checksum: withChecksum,
		txIn:     q.TXIn,
		txOut:    q.TXOut,
		rxIn:     q.RXIn,
		rxOut:    q.RXOut,
		log:      log.GetLogger().WithField("stage", "udp"),
	}
}

// RunTX encapsulates outbound datagrams.
func (l *Layer) RunTX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-l.txIn:
			if !ok {
				return
			}
			l.transmit(ctx, d)
		}
	}
}

// transmit frames one datagram. The control word's size field wins over
// the payload slice length when it asks for less; zero means "whole
// payload".
func (l *Layer) transmit(ctx context.Context, d core.Datagram) {
	payload := d.Payload
	if n := int(d.Meta.Size); n > 0 && n < len(payload) {
		payload = payload[:n]
	}

	data := codec.EncodeUDP(l.regs.LocalIP(), d.Meta.Addr, d.Meta.SrcPort, d.Meta.DstPort, payload, l.checksum)

	select {
	case l.txOut <- core.Segment{Dst: d.Meta.Addr, Proto: core.ProtoUDP, Data: data}:
		metrics.UDPDatagramsTotal.WithLabelValues("tx").Inc()
	case <-ctx.Done():
	}
}

// RunRX deframes inbound segments.
func (l *Layer) RunRX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case seg, ok := <-l.rxIn:
			if !ok {
				return
			}
			l.receive(ctx, seg)
		}
	}
}

func (l *Layer) receive(ctx context.Context, seg core.Segment) {
	h, payload, err := codec.DecodeUDP(seg.Src, seg.Dst, seg.Data)
	if err != nil {
		l.log.Debugf("dropping datagram from %s: %v", seg.Src, err)
		l.regs.IncUDPDrop()
		metrics.FramesDroppedTotal.WithLabelValues("udp_invalid").Inc()
		return
	}

	d := core.Datagram{
		Meta: core.UDPMeta{
			DstPort: h.DstPort,
			SrcPort: h.SrcPort,
			Size:    uint16(len(payload)),
			Addr:    seg.Src,
		},
		Payload: payload,
	}

	select {
	case l.rxOut <- d:
		metrics.UDPDatagramsTotal.WithLabelValues("rx").Inc()
	case <-ctx.Done():
	}
}
