// Package icmp answers echo requests on behalf of the external
// interface. The responder is a tap: every frame continues to the
// external consumer, and pings addressed to the local IP additionally
// produce a reply on the IPv4 TX path.
package icmp

import (
	"context"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// Responder watches the external frame stream for echo requests.
type Responder struct {
	regs *regs.File

	in  <-chan core.Frame
	out chan<- core.Frame
	tx  chan<- core.Segment

	log log.Logger
}

func New(rf *regs.File, in <-chan core.Frame, out chan<- core.Frame, tx chan<- core.Segment) *Responder {
	return &Responder{
		regs: rf,
		in:   in,
		out:  out,
		tx:   tx,
		log:  log.GetLogger().WithField("stage", "icmp"),
	}
}

// Run forwards frames until ctx is cancelled, replying along the way.
func (r *Responder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-r.in:
			if !ok {
				return
			}
			select {
			case r.out <- f:
			case <-ctx.Done():
				return
			}
			r.inspect(ctx, f.Data)
		}
	}
}

// inspect answers one frame if it is an echo request for the local
// address. Anything that fails to parse is simply not answered; the
// external consumer already has the original.
func (r *Responder) inspect(ctx context.Context, data []byte) {
	eth, payload, err := codec.DecodeEthernet(data)
	if err != nil || eth.EtherType != core.EtherTypeIPv4 {
		return
	}
	ip, body, err := codec.DecodeIPv4(payload)
	if err != nil || ip.Proto != core.ProtoICMP {
		return
	}
	local := r.regs.LocalIP()
	if local.IsZero() || ip.Dst != local {
		return
	}
	echo, err := codec.DecodeICMPEcho(body)
	if err != nil || echo.Type != codec.ICMPEchoRequest {
		return
	}

	reply := codec.EncodeICMPEcho(codec.ICMPEcho{
		Type:    codec.ICMPEchoReply,
		ID:      echo.ID,
		Seq:     echo.Seq,
		Payload: echo.Payload,
	})

	select {
	case r.tx <- core.Segment{Dst: ip.Src, Proto: core.ProtoICMP, Data: reply}:
		metrics.ICMPEchoRepliesTotal.Inc()
		r.log.Debugf("echo reply to %s id=%d seq=%d", ip.Src, echo.ID, echo.Seq)
	case <-ctx.Done():
	}
}
