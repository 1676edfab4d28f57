// Package shaping is the MAC layer boundary: on TX it resolves the
// destination MAC and prepends the Ethernet header, on RX it strips it.
package shaping

import (
	"context"
	"time"

	"firestige.xyz/uoe/internal/arp"
	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// Resolver asks the network for an address pair. Satisfied by
// *arp.Controller.
type Resolver interface {
	Resolve(ctx context.Context, ip core.IPv4Addr) (core.MACAddr, error)
}

// busyRetryDelay spaces retries when the resolver's queue slot is taken
// by a software-triggered request.
const busyRetryDelay = 10 * time.Millisecond

// Shaper connects the IPv4 layer to the link. TX frames queue behind
// address resolution one at a time; a burst to different unresolved
// destinations serializes on the single outstanding request.
type Shaper struct {
	regs     *regs.File
	table    *arp.Table
	resolver Resolver

	txIn  <-chan []byte
	txOut chan<- core.Frame
	rxIn  <-chan core.Frame
	rxOut chan<- []byte

	log log.Logger
}

type Queues struct {
	TXIn  <-chan []byte
	TXOut chan<- core.Frame
	RXIn  <-chan core.Frame
	RXOut chan<- []byte
}

func New(rf *regs.File, table *arp.Table, resolver Resolver, q Queues) *Shaper {
	return &Shaper{
		regs:     rf,
		table:    table,
		resolver: resolver,
		txIn:     q.TXIn,
		txOut:    q.TXOut,
		rxIn:     q.RXIn,
		rxOut:    q.RXOut,
		log:      log.GetLogger().WithField("stage", "shaping"),
	}
}

// RunTX consumes IPv4 packets, resolves their destination MAC and
// emits complete frames.
func (s *Shaper) RunTX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-s.txIn:
			if !ok {
				return
			}
			s.transmit(ctx, pkt)
		}
	}
}

func (s *Shaper) transmit(ctx context.Context, pkt []byte) {
	if len(pkt) < codec.IPv4HeaderLen {
		s.regs.IncUDPDrop()
		metrics.FramesDroppedTotal.WithLabelValues("tx_runt").Inc()
		return
	}
	dst := core.IPv4FromBytes(pkt[16:20])

	mac, err := s.resolveMAC(ctx, dst)
	if err != nil {
		if err != context.Canceled && ctx.Err() == nil {
			s.log.Warnf("dropping frame to %s: %v", dst, err)
			s.regs.IncUDPDrop()
			metrics.FramesDroppedTotal.WithLabelValues("arp_failed").Inc()
		}
		return
	}

	frame := codec.EncodeEthernet(codec.EthernetHeader{
		Dst:       mac,
		Src:       s.regs.LocalMAC(),
		EtherType: core.EtherTypeIPv4,
	}, pkt)

	select {
	case s.txOut <- core.Frame{Data: frame, Valid: true}:
	case <-ctx.Done():
	}
}

// resolveMAC maps a destination IP to a MAC. Group and broadcast
// addresses translate algorithmically; unicast goes through the store
// and then, on a miss, through one wire resolution. A busy resolver is
// retried: software-triggered requests share its single slot.
func (s *Shaper) resolveMAC(ctx context.Context, dst core.IPv4Addr) (core.MACAddr, error) {
	switch {
	case dst.IsBroadcast():
		return core.BroadcastMAC, nil
	case dst.IsMulticast():
		return core.MulticastMAC(dst), nil
	}

	if mac, ok := s.table.Lookup(dst); ok {
		metrics.ARPResolutionsTotal.WithLabelValues("hit").Inc()
		return mac, nil
	}

	for {
		mac, err := s.resolver.Resolve(ctx, dst)
		if err == core.ErrResolverBusy {
			select {
			case <-ctx.Done():
				return core.MACAddr{}, ctx.Err()
			case <-time.After(busyRetryDelay):
				continue
			}
		}
		return mac, err
	}
}

// RunRX strips the Ethernet header from inbound frames and hands the
// IPv4 packet upward. The router already classified the frame, so the
// header carries no further information.
func (s *Shaper) RunRX(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.rxIn:
			if !ok {
				return
			}
			_, payload, err := codec.DecodeEthernet(f.Data)
			if err != nil {
				s.regs.IncUDPDrop()
				metrics.FramesDroppedTotal.WithLabelValues("rx_runt").Inc()
				continue
			}
			select {
			case s.rxOut <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}
