// Package dhcp implements the address-acquisition client. It speaks
// through the engine's own UDP path, installs the leased address
// through the register file, and keeps the lease alive with the RFC
// 2131 renewal timers.
package dhcp

import (
	"context"
	"encoding/binary"
	"math/rand"
	"time"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/events"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// State is the client's position in the acquisition FSM.
type State uint8

const (
	StateInit State = iota
	StateSelecting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
)

var stateNames = map[State]string{
	StateInit:       "init",
	StateSelecting:  "selecting",
	StateRequesting: "requesting",
	StateBound:      "bound",
	StateRenewing:   "renewing",
	StateRebinding:  "rebinding",
}

func (s State) String() string { return stateNames[s] }

// Announcer lets the client trigger a gratuitous ARP round once an
// address is bound.
type Announcer interface {
	Announce()
}

const (
	defaultRetransmit = 4 * time.Second
	defaultLease      = time.Hour // ACK without option 51, should not happen

	serverPort = core.PortDHCPServer
	clientPort = core.PortDHCPClient
)

var broadcastIP = core.IPv4Addr{255, 255, 255, 255}

// Client drives address acquisition and lease maintenance.
type Client struct {
	regs *regs.File
	bus  events.Bus
	arp  Announcer

	tx chan<- core.Datagram
	rx <-chan core.Datagram

	retransmit time.Duration

	state   State
	xid     uint32
	started time.Time

	offered core.IPv4Addr
	server  core.IPv4Addr
	lease   lease

	log log.Logger
}

type lease struct {
	ip     core.IPv4Addr
	mask   core.IPv4Addr
	router core.IPv4Addr
	server core.IPv4Addr
	t1     time.Time
	t2     time.Time
	expiry time.Time
}

type Queues struct {
	TXOut chan<- core.Datagram
	RXIn  <-chan core.Datagram
}

func New(rf *regs.File, bus events.Bus, announcer Announcer, q Queues) *Client {
	return &Client{
		regs:       rf,
		bus:        bus,
		arp:        announcer,
		tx:         q.TXOut,
		rx:         q.RXIn,
		retransmit: defaultRetransmit,
		log:        log.GetLogger().WithField("stage", "dhcp"),
	}
}

// Run executes the FSM until ctx is cancelled. One timer carries the
// state's deadline: retransmission while waiting for a reply, T1 while
// bound, T2 and expiry while keeping the lease alive.
func (c *Client) Run(ctx context.Context) {
	timer := time.NewTimer(c.retransmit)
	defer timer.Stop()

	c.toSelecting(ctx, timer)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-c.rx:
			if !ok {
				return
			}
			c.handleMessage(ctx, timer, d)
		case <-timer.C:
			c.handleTimeout(ctx, timer)
		}
	}
}

// toSelecting restarts acquisition from scratch with a fresh
// transaction ID.
func (c *Client) toSelecting(ctx context.Context, timer *time.Timer) {
	c.state = StateSelecting
	c.xid = rand.Uint32()
	c.started = time.Now()
	c.offered = core.IPv4Addr{}
	c.server = core.IPv4Addr{}
	c.sendDiscover(ctx)
	c.publish()
	c.arm(timer, c.retransmit)
}

func (c *Client) handleTimeout(ctx context.Context, timer *time.Timer) {
	now := time.Now()
	switch c.state {
	case StateSelecting:
		c.sendDiscover(ctx)
		c.arm(timer, c.retransmit)
	case StateRequesting:
		c.sendRequest(ctx)
		c.arm(timer, c.retransmit)
	case StateBound:
		c.state = StateRenewing
		c.log.Infof("lease for %s reached T1, renewing with %s", c.lease.ip, c.lease.server)
		c.sendRenewal(ctx, c.lease.server)
		c.publish()
		c.arm(timer, c.retransmit)
	case StateRenewing:
		if now.After(c.lease.t2) {
			c.state = StateRebinding
			c.log.Warnf("lease for %s reached T2, rebinding", c.lease.ip)
			c.sendRenewal(ctx, broadcastIP)
			c.publish()
		} else {
			c.sendRenewal(ctx, c.lease.server)
		}
		c.arm(timer, c.retransmit)
	case StateRebinding:
		if now.After(c.lease.expiry) {
			c.expire(ctx, timer)
			return
		}
		c.sendRenewal(ctx, broadcastIP)
		c.arm(timer, c.retransmit)
	}
}

// expire releases the address and starts over.
func (c *Client) expire(ctx context.Context, timer *time.Timer) {
	c.log.Warnf("lease for %s expired", c.lease.ip)
	c.regs.SetLocalIP(core.IPv4Addr{})
	c.lease = lease{}
	metrics.DHCPLeaseExpirySeconds.Set(0)
	c.toSelecting(ctx, timer)
}

func (c *Client) handleMessage(ctx context.Context, timer *time.Timer, d core.Datagram) {
	m, err := codec.DecodeDHCP(d.Payload)
	if err != nil {
		c.log.Debugf("ignoring malformed message from %s: %v", d.Meta.Addr, err)
		return
	}
	if m.Op != codec.DHCPOpReply || m.XID != c.xid || m.CHAddr != c.regs.LocalMAC() {
		return
	}

	switch m.MessageType() {
	case codec.DHCPOffer:
		metrics.DHCPMessagesTotal.WithLabelValues("offer").Inc()
		if c.state != StateSelecting {
			return
		}
		c.offered = m.YIAddr
		c.server = serverID(&m)
		c.state = StateRequesting
		c.log.Infof("offered %s by %s", c.offered, c.server)
		c.sendRequest(ctx)
		c.publish()
		c.arm(timer, c.retransmit)

	case codec.DHCPAck:
		metrics.DHCPMessagesTotal.WithLabelValues("ack").Inc()
		switch c.state {
		case StateRequesting, StateRenewing, StateRebinding:
			c.bind(&m)
			c.arm(timer, time.Until(c.lease.t1))
		}

	case codec.DHCPNak:
		metrics.DHCPMessagesTotal.WithLabelValues("nak").Inc()
		switch c.state {
		case StateRequesting:
			c.log.Warnf("request for %s refused by %s", c.offered, c.server)
			c.toSelecting(ctx, timer)
		case StateRenewing, StateRebinding:
			c.log.Warnf("renewal of %s refused", c.lease.ip)
			c.regs.SetLocalIP(core.IPv4Addr{})
			c.lease = lease{}
			metrics.DHCPLeaseExpirySeconds.Set(0)
			c.toSelecting(ctx, timer)
		}
	}
}

// bind installs an acknowledged lease. The register file is the single
// funnel for the address; everything else lives in the lease record.
func (c *Client) bind(m *codec.DHCPMessage) {
	previous := c.lease.ip

	duration := optionDuration(m, codec.DHCPOptLeaseTime, defaultLease)
	t1 := optionDuration(m, codec.DHCPOptRenewalT1, duration/2)
	t2 := optionDuration(m, codec.DHCPOptRebindT2, duration*7/8)

	now := time.Now()
	c.lease = lease{
		ip:     m.YIAddr,
		mask:   optionAddr(m, codec.DHCPOptSubnetMask),
		router: optionAddr(m, codec.DHCPOptRouter),
		server: serverID(m),
		t1:     now.Add(t1),
		t2:     now.Add(t2),
		expiry: now.Add(duration),
	}
	c.state = StateBound

	c.regs.SetLocalIP(c.lease.ip)
	metrics.DHCPLeaseExpirySeconds.Set(duration.Seconds())

	c.log.WithField("ip", c.lease.ip.String()).Infof("bound, lease %s from %s", duration, c.lease.server)
	if c.lease.ip != previous {
		c.arp.Announce()
	}
	c.publish()
}

func (c *Client) publish() {
	ev := &events.Event{
		Topic: events.TopicLease,
		Key:   "dhcp",
		Payload: events.LeaseEvent{
			State:   c.state.String(),
			IP:      c.lease.ip,
			Mask:    c.lease.mask,
			Router:  c.lease.router,
			Server:  c.lease.server,
			Expires: c.lease.expiry,
		},
	}
	if err := c.bus.Publish(ev); err != nil {
		c.log.Debugf("lease event dropped: %v", err)
	}
}

// message builds the common BOOTP skeleton for a client transmission.
func (c *Client) message(mtype uint8) codec.DHCPMessage {
	secs := int(time.Since(c.started) / time.Second)
	if secs > 0xFFFF {
		secs = 0xFFFF
	}
	m := codec.DHCPMessage{
		Op:     codec.DHCPOpRequest,
		XID:    c.xid,
		Secs:   uint16(secs),
		CHAddr: c.regs.LocalMAC(),
	}
	m.AddOption(codec.DHCPOptMessageType, mtype)
	return m
}

func (c *Client) sendDiscover(ctx context.Context) {
	m := c.message(codec.DHCPDiscover)
	m.Flags = 0x8000 // no address yet, the reply must be broadcast
	m.AddOption(codec.DHCPOptParamList, codec.DHCPOptSubnetMask, codec.DHCPOptRouter)
	c.send(ctx, m, broadcastIP)
	metrics.DHCPMessagesTotal.WithLabelValues("discover").Inc()
}

func (c *Client) sendRequest(ctx context.Context) {
	m := c.message(codec.DHCPRequest)
	m.Flags = 0x8000
	m.AddOption(codec.DHCPOptRequestedIP, c.offered[0], c.offered[1], c.offered[2], c.offered[3])
	m.AddOption(codec.DHCPOptServerID, c.server[0], c.server[1], c.server[2], c.server[3])
	m.AddOption(codec.DHCPOptParamList, codec.DHCPOptSubnetMask, codec.DHCPOptRouter)
	c.send(ctx, m, broadcastIP)
	metrics.DHCPMessagesTotal.WithLabelValues("request").Inc()
}

// sendRenewal re-requests the bound address. The server identifier and
// requested-IP options stay out; the client proves possession through
// ciaddr instead.
func (c *Client) sendRenewal(ctx context.Context, to core.IPv4Addr) {
	m := c.message(codec.DHCPRequest)
	m.CIAddr = c.lease.ip
	c.send(ctx, m, to)
	metrics.DHCPMessagesTotal.WithLabelValues("request").Inc()
}

func (c *Client) send(ctx context.Context, m codec.DHCPMessage, to core.IPv4Addr) {
	d := core.Datagram{
		Meta:    core.UDPMeta{DstPort: serverPort, SrcPort: clientPort, Addr: to},
		Payload: codec.EncodeDHCP(m),
	}
	select {
	case c.tx <- d:
	case <-ctx.Done():
	}
}

func (c *Client) arm(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func serverID(m *codec.DHCPMessage) core.IPv4Addr {
	if addr := optionAddr(m, codec.DHCPOptServerID); !addr.IsZero() {
		return addr
	}
	return m.SIAddr
}

func optionAddr(m *codec.DHCPMessage, code uint8) core.IPv4Addr {
	if data, ok := m.Option(code); ok && len(data) == 4 {
		return core.IPv4FromBytes(data)
	}
	return core.IPv4Addr{}
}

func optionDuration(m *codec.DHCPMessage, code uint8, fallback time.Duration) time.Duration {
	if data, ok := m.Option(code); ok && len(data) == 4 {
		return time.Duration(binary.BigEndian.Uint32(data)) * time.Second
	}
	return fallback
}
