// Package raw moves application messages over bare Ethernet frames,
// bypassing the IP stack. The 16-bit control word is written verbatim
// into the EtherType field, which length-style consumers read as the
// payload size.
package raw

import (
	"context"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// Path frames and deframes raw Ethernet traffic.
type Path struct {
	regs *regs.File

	txIn  <-chan core.RawDatagram
	txOut chan<- core.Frame
	rxIn  <-chan core.Frame
	rxOut chan<- core.RawDatagram

	log log.Logger
}

type Queues struct {
	TXIn  <-chan core.RawDatagram
	TXOut chan<- core.Frame
	RXIn  <-chan core.Frame
	RXOut chan<- core.RawDatagram
}

func New(rf *regs.File, q Queues) *Path {
	return &Path{
		regs:  rf,
		txIn:  q.TXIn,
		txOut: q.TXOut,
		rxIn:  q.RXIn,
		rxOut: q.RXOut,
		log:   log.GetLogger().WithField("stage", "raw"),
	}
}

// RunTX frames outbound messages toward the configured destination MAC.
func (p *Path) RunTX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-p.txIn:
			if !ok {
				return
			}
			frame := codec.EncodeEthernet(codec.EthernetHeader{
				Dst:       p.regs.RawDestMAC(),
				Src:       p.regs.LocalMAC(),
				EtherType: d.EtherType,
			}, d.Data)
			select {
			case p.txOut <- core.Frame{Data: frame, Valid: true}:
				metrics.RawFramesTotal.WithLabelValues("tx").Inc()
			case <-ctx.Done():
				return
			}
		}
	}
}

// RunRX strips the link header from inbound frames. When the type field
// holds a length it bounds the payload, so minimum-size padding never
// reaches the application.
func (p *Path) RunRX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-p.rxIn:
			if !ok {
				return
			}
			p.receive(ctx, f)
		}
	}
}

func (p *Path) receive(ctx context.Context, f core.Frame) {
	h, payload, err := codec.DecodeEthernet(f.Data)
	if err != nil {
		p.log.Debugf("dropping frame: %v", err)
		p.regs.IncRawDrop()
		metrics.FramesDroppedTotal.WithLabelValues("rx_runt").Inc()
		return
	}

	if n := int(h.EtherType); h.EtherType <= core.MaxLengthEtherType && n <= len(payload) {
		payload = payload[:n]
	}

	select {
	case p.rxOut <- core.RawDatagram{EtherType: h.EtherType, Data: payload}:
		metrics.RawFramesTotal.WithLabelValues("rx").Inc()
	case <-ctx.Done():
	}
}
