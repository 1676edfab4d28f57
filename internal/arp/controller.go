package arp

import (
	"context"
	"time"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

type result struct {
	mac core.MACAddr
	err error
}

// request is one pending resolution. done is nil for register-triggered
// requests, which have no caller waiting.
type request struct {
	ip   core.IPv4Addr
	done chan result
}

// Controller runs the resolution protocol: it answers requests for the
// local IP, learns sender pairs from inbound traffic, resolves target
// IPs on behalf of the MAC shaping stage, and announces the local
// address on startup.
//
// A single resolution is in flight at a time; one more may wait in the
// queue. Further callers are turned away with ErrResolverBusy.
type Controller struct {
	regs  *regs.File
	table *Table
	rx    <-chan core.Frame
	tx    chan<- core.Frame

	resolve  chan request
	announce chan struct{}
	initDone bool

	log log.Logger
}

// New wires a controller to the register file, the shared table, the
// router's ARP output and the link TX queue.
func New(rf *regs.File, table *Table, rx <-chan core.Frame, tx chan<- core.Frame) *Controller {
	return &Controller{
		regs:     rf,
		table:    table,
		rx:       rx,
		tx:       tx,
		resolve:  make(chan request, 1),
		announce: make(chan struct{}, 1),
		log:      log.GetLogger().WithField("stage", "arp"),
	}
}

// Resolve asks the network for ip's MAC address, blocking until the
// resolution round trip completes or fails. It returns ErrResolverBusy
// without blocking when the single-slot queue is already taken.
func (c *Controller) Resolve(ctx context.Context, ip core.IPv4Addr) (core.MACAddr, error) {
	req := request{ip: ip, done: make(chan result, 1)}
	select {
	case c.resolve <- req:
	default:
		metrics.ARPResolutionsTotal.WithLabelValues("busy").Inc()
		return core.MACAddr{}, core.ErrResolverBusy
	}

	select {
	case res := <-req.done:
		return res.mac, res.err
	case <-ctx.Done():
		return core.MACAddr{}, ctx.Err()
	}
}

// Announce schedules a gratuitous announcement round. The DHCP client
// calls it once a lease is bound; before that the controller has no
// address to defend and stays quiet.
func (c *Controller) Announce() {
	select {
	case c.announce <- struct{}{}:
	default:
	}
}

// Run executes the controller loop until ctx is cancelled or the RX
// stream closes. The controller idles until config-done, then a
// statically configured node announces itself; resolution requests
// queue up behind the announcement round.
func (c *Controller) Run(ctx context.Context) {
	select {
	case <-c.regs.Ready():
	case <-ctx.Done():
		return
	}
	if !c.regs.LocalIP().IsZero() {
		c.startupAnnounce(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.rx:
			if !ok {
				return
			}
			c.handleFrame(ctx, f)
		case req := <-c.resolve:
			c.runResolution(ctx, req)
		case trig := <-c.regs.Triggers():
			c.handleTrigger(ctx, trig)
		case <-c.announce:
			c.handleAnnounce(ctx)
		}
	}
}

// startupAnnounce sends the configured number of gratuitous requests,
// listening between them so a defender of the same address is noticed,
// then raises the init-done interrupt.
func (c *Controller) startupAnnounce(ctx context.Context) {
	params := c.regs.ARPParams()
	local := c.regs.LocalIP()
	c.log.Infof("announcing %s, %d gratuitous requests", local, params.Tryings)

	for i := uint8(0); i < params.Tryings; i++ {
		if !c.send(ctx, c.gratuitousFrame()) {
			return
		}
		if !c.pause(ctx, params.Timeout) {
			return
		}
	}

	c.regs.IRQ().Raise(uint8(regs.IRQInitDone))
	c.initDone = true
}

func (c *Controller) handleAnnounce(ctx context.Context) {
	if c.regs.LocalIP().IsZero() {
		return
	}
	if !c.initDone {
		c.startupAnnounce(ctx)
		return
	}
	c.send(ctx, c.gratuitousFrame())
}

// runResolution drives one request through up to Tryings wire round
// trips. RX traffic keeps flowing through handleFrame while waiting, so
// replies, conflicts and passive learning are never starved.
func (c *Controller) runResolution(ctx context.Context, req request) {
	if mac, ok := c.table.Lookup(req.ip); ok {
		metrics.ARPResolutionsTotal.WithLabelValues("hit").Inc()
		c.finish(req, result{mac: mac})
		return
	}

	params := c.regs.ARPParams()
	start := time.Now()

	for attempt := uint8(1); attempt <= params.Tryings; attempt++ {
		if !c.send(ctx, c.requestFrame(req.ip)) {
			c.finish(req, result{err: core.ErrEngineStopped})
			return
		}

		timer := time.NewTimer(params.Timeout)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				c.finish(req, result{err: core.ErrEngineStopped})
				return
			case f, ok := <-c.rx:
				if !ok {
					timer.Stop()
					c.finish(req, result{err: core.ErrEngineStopped})
					return
				}
				pkt, ok := c.handleFrame(ctx, f)
				if ok && pkt.Op == codec.ARPReply && pkt.SenderIP == req.ip {
					timer.Stop()
					metrics.ARPResolutionsTotal.WithLabelValues("network").Inc()
					metrics.ARPResolveSeconds.Observe(time.Since(start).Seconds())
					c.finish(req, result{mac: pkt.SenderMAC})
					return
				}
			case <-timer.C:
				break wait
			}
		}
		c.log.Debugf("no reply for %s, attempt %d/%d", req.ip, attempt, params.Tryings)
	}

	c.log.Warnf("resolution of %s failed after %d attempts", req.ip, params.Tryings)
	c.regs.IRQ().Raise(uint8(regs.IRQARPError))
	metrics.ARPResolutionsTotal.WithLabelValues("failed").Inc()
	c.finish(req, result{err: core.ErrResolveFailed})
}

func (c *Controller) finish(req request, res result) {
	if req.done != nil {
		req.done <- res
	}
}

// handleFrame decodes and processes one inbound ARP frame. It returns
// the packet so the resolution loop can match replies. Malformed and
// filtered packets are dropped silently.
func (c *Controller) handleFrame(ctx context.Context, f core.Frame) (codec.ARPPacket, bool) {
	_, payload, err := codec.DecodeEthernet(f.Data)
	if err != nil {
		return codec.ARPPacket{}, false
	}
	pkt, err := codec.DecodeARP(payload)
	if err != nil {
		c.log.Debugf("dropping arp frame: %v", err)
		return codec.ARPPacket{}, false
	}

	params := c.regs.ARPParams()
	if !c.accepts(pkt, params.FilterMode) {
		return codec.ARPPacket{}, false
	}

	c.inspect(ctx, pkt, params)
	return pkt, true
}

// accepts applies the RX target-IP filter.
func (c *Controller) accepts(pkt codec.ARPPacket, mode regs.ARPFilterMode) bool {
	switch mode {
	case regs.ARPFilterUnicast:
		return pkt.TargetIP == c.regs.LocalIP()
	case regs.ARPFilterBroadcast:
		return pkt.TargetIP == c.regs.LocalIP() || pkt.TargetIP.IsBroadcast()
	default:
		return true
	}
}

// inspect runs the conflict checks, passive learning and the reply path
// over one accepted packet.
func (c *Controller) inspect(ctx context.Context, pkt codec.ARPPacket, params regs.ARPParams) {
	local := c.regs.LocalIP()
	localMAC := c.regs.LocalMAC()

	if params.TestIPConflict && !local.IsZero() && pkt.SenderIP == local && pkt.SenderMAC != localMAC {
		c.log.Warnf("ip conflict: %s also claimed by %s", local, pkt.SenderMAC)
		c.regs.IRQ().Raise(uint8(regs.IRQARPIPConflict))
	}

	if !pkt.SenderIP.IsZero() && pkt.SenderIP != local {
		if prev, ok := c.table.Lookup(pkt.SenderIP); ok && prev != pkt.SenderMAC {
			c.log.Warnf("mac conflict for %s: had %s, got %s", pkt.SenderIP, prev, pkt.SenderMAC)
			c.regs.IRQ().Raise(uint8(regs.IRQARPMACConflict))
		}
		if params.FilterMode != regs.ARPFilterStaticTable {
			c.table.Learn(core.ARPEntry{IP: pkt.SenderIP, MAC: pkt.SenderMAC})
		}
	}

	if pkt.Op == codec.ARPRequest && !local.IsZero() && pkt.TargetIP == local && pkt.SenderMAC != localMAC {
		c.send(ctx, c.replyFrame(pkt))
	}
}

func (c *Controller) handleTrigger(ctx context.Context, trig regs.Trigger) {
	switch trig.Kind {
	case regs.TriggerGratuitous:
		if c.regs.LocalIP().IsZero() {
			c.log.Debugf("gratuitous request ignored, no local ip")
			return
		}
		c.send(ctx, c.gratuitousFrame())
	case regs.TriggerTableClear:
		c.table.Clear()
		c.regs.IRQ().Raise(uint8(regs.IRQARPTableClearDone))
	case regs.TriggerResolve:
		select {
		case c.resolve <- request{ip: trig.IP}:
		default:
			c.log.Warnf("software resolution of %s dropped, resolver busy", trig.IP)
		}
	}
}

// pause waits d while keeping the RX path serviced.
func (c *Controller) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case f, ok := <-c.rx:
			if !ok {
				return false
			}
			c.handleFrame(ctx, f)
		case <-timer.C:
			return true
		}
	}
}

func (c *Controller) send(ctx context.Context, frame []byte) bool {
	select {
	case c.tx <- core.Frame{Data: frame, Valid: true}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Controller) requestFrame(target core.IPv4Addr) []byte {
	body := codec.EncodeARP(codec.ARPPacket{
		Op:        codec.ARPRequest,
		SenderMAC: c.regs.LocalMAC(),
		SenderIP:  c.regs.LocalIP(),
		TargetIP:  target,
	})
	return codec.EncodeEthernet(codec.EthernetHeader{
		Dst:       core.BroadcastMAC,
		Src:       c.regs.LocalMAC(),
		EtherType: core.EtherTypeARP,
	}, body)
}

// gratuitousFrame announces the local pair: a broadcast request whose
// target IP is the local IP itself.
func (c *Controller) gratuitousFrame() []byte {
	body := codec.EncodeARP(codec.ARPPacket{
		Op:        codec.ARPRequest,
		SenderMAC: c.regs.LocalMAC(),
		SenderIP:  c.regs.LocalIP(),
		TargetIP:  c.regs.LocalIP(),
	})
	return codec.EncodeEthernet(codec.EthernetHeader{
		Dst:       core.BroadcastMAC,
		Src:       c.regs.LocalMAC(),
		EtherType: core.EtherTypeARP,
	}, body)
}

// replyFrame answers a request with a unicast reply to the requester.
func (c *Controller) replyFrame(req codec.ARPPacket) []byte {
	body := codec.EncodeARP(codec.ARPPacket{
		Op:        codec.ARPReply,
		SenderMAC: c.regs.LocalMAC(),
		SenderIP:  c.regs.LocalIP(),
		TargetMAC: req.SenderMAC,
		TargetIP:  req.SenderIP,
	})
	return codec.EncodeEthernet(codec.EthernetHeader{
		Dst:       req.SenderMAC,
		Src:       c.regs.LocalMAC(),
		EtherType: core.EtherTypeARP,
	}, body)
}
