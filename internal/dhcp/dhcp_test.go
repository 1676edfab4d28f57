package dhcp

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/events"
	"firestige.xyz/uoe/internal/regs"
)

var (
	localMAC  = core.MACAddr{0x00, 0x0A, 0x35, 0x01, 0x02, 0x03}
	serverIP  = core.IPv4Addr{192, 168, 1, 254}
	leasedIP  = core.IPv4Addr{192, 168, 1, 23}
	broadcast = core.IPv4Addr{255, 255, 255, 255}
)

type fakeAnnouncer struct {
	calls atomic.Int32
}

func (f *fakeAnnouncer) Announce() { f.calls.Add(1) }

type fixture struct {
	rf  *regs.File
	ann *fakeAnnouncer
	tx  chan core.Datagram
	rx  chan core.Datagram

	mu     sync.Mutex
	states []string
}

func newFixture(t *testing.T, retransmit time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		rf:  regs.NewFile(nil),
		ann: &fakeAnnouncer{},
		tx:  make(chan core.Datagram, 32),
		rx:  make(chan core.Datagram, 32),
	}
	require.NoError(t, f.rf.Write32(regs.RegLocalMACMSB, 0x0000000A))
	require.NoError(t, f.rf.Write32(regs.RegLocalMACLSB, 0x35010203))

	bus := events.NewInMemoryBus(1, 64)
	bus.Subscribe(events.TopicLease, func(ev *events.Event) error {
		le := ev.Payload.(events.LeaseEvent)
		f.mu.Lock()
		f.states = append(f.states, le.State)
		f.mu.Unlock()
		return nil
	})

	c := New(f.rf, bus, f.ann, Queues{TXOut: f.tx, RXIn: f.rx})
	c.retransmit = retransmit

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		bus.Close()
	})
	return f
}

func (f *fixture) sawState(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.states {
		if s == name {
			return true
		}
	}
	return false
}

func recvMessage(t *testing.T, f *fixture) (core.UDPMeta, codec.DHCPMessage) {
	t.Helper()
	select {
	case d := <-f.tx:
		m, err := codec.DecodeDHCP(d.Payload)
		require.NoError(t, err)
		return d.Meta, m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client message")
		return core.UDPMeta{}, codec.DHCPMessage{}
	}
}

// waitMessage drains retransmissions until a message satisfies match.
func waitMessage(t *testing.T, f *fixture, match func(core.UDPMeta, codec.DHCPMessage) bool) (core.UDPMeta, codec.DHCPMessage) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case d := <-f.tx:
			m, err := codec.DecodeDHCP(d.Payload)
			require.NoError(t, err)
			if match(d.Meta, m) {
				return d.Meta, m
			}
		case <-deadline:
			t.Fatal("timed out waiting for matching client message")
		}
	}
}

func addrOption(code uint8, a core.IPv4Addr) codec.DHCPOption {
	return codec.DHCPOption{Code: code, Data: []byte{a[0], a[1], a[2], a[3]}}
}

func secondsOption(code uint8, s uint32) codec.DHCPOption {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, s)
	return codec.DHCPOption{Code: code, Data: data}
}

func reply(mtype uint8, xid uint32, ip core.IPv4Addr, opts ...codec.DHCPOption) core.Datagram {
	m := codec.DHCPMessage{Op: codec.DHCPOpReply, XID: xid, YIAddr: ip, CHAddr: localMAC}
	m.AddOption(codec.DHCPOptMessageType, mtype)
	m.Options = append(m.Options, addrOption(codec.DHCPOptServerID, serverIP))
	m.Options = append(m.Options, opts...)
	return core.Datagram{
		Meta:    core.UDPMeta{DstPort: core.PortDHCPClient, SrcPort: core.PortDHCPServer, Addr: serverIP},
		Payload: codec.EncodeDHCP(m),
	}
}

func TestAcquiresLease(t *testing.T) {
	f := newFixture(t, time.Second)

	meta, discover := recvMessage(t, f)
	assert.Equal(t, core.PortDHCPServer, meta.DstPort)
	assert.Equal(t, core.PortDHCPClient, meta.SrcPort)
	assert.Equal(t, broadcast, meta.Addr)
	assert.Equal(t, codec.DHCPOpRequest, discover.Op)
	assert.Equal(t, codec.DHCPDiscover, discover.MessageType())
	assert.Equal(t, uint16(0x8000), discover.Flags)
	assert.Equal(t, localMAC, discover.CHAddr)
	params, ok := discover.Option(codec.DHCPOptParamList)
	require.True(t, ok)
	assert.Equal(t, []byte{codec.DHCPOptSubnetMask, codec.DHCPOptRouter}, params)

	f.rx <- reply(codec.DHCPOffer, discover.XID, leasedIP)

	meta, request := recvMessage(t, f)
	assert.Equal(t, broadcast, meta.Addr)
	assert.Equal(t, codec.DHCPRequest, request.MessageType())
	requested, ok := request.Option(codec.DHCPOptRequestedIP)
	require.True(t, ok)
	assert.Equal(t, leasedIP[:], requested)
	server, ok := request.Option(codec.DHCPOptServerID)
	require.True(t, ok)
	assert.Equal(t, serverIP[:], server)

	f.rx <- reply(codec.DHCPAck, request.XID, leasedIP,
		addrOption(codec.DHCPOptSubnetMask, core.IPv4Addr{255, 255, 255, 0}),
		addrOption(codec.DHCPOptRouter, core.IPv4Addr{192, 168, 1, 1}),
		secondsOption(codec.DHCPOptLeaseTime, 3600),
	)

	require.Eventually(t, func() bool { return f.rf.LocalIP() == leasedIP },
		2*time.Second, 5*time.Millisecond, "leased address never installed")
	require.Eventually(t, func() bool { return f.ann.calls.Load() == 1 },
		2*time.Second, 5*time.Millisecond, "no gratuitous announcement")
	require.Eventually(t, func() bool { return f.sawState("bound") },
		2*time.Second, 5*time.Millisecond, "no bound lease event")
}

func TestRetransmitsDiscover(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	_, first := recvMessage(t, f)
	_, second := recvMessage(t, f)

	assert.Equal(t, codec.DHCPDiscover, first.MessageType())
	assert.Equal(t, codec.DHCPDiscover, second.MessageType())
	assert.Equal(t, first.XID, second.XID)
}

func TestIgnoresForeignTransaction(t *testing.T) {
	f := newFixture(t, 80*time.Millisecond)

	_, discover := recvMessage(t, f)
	f.rx <- reply(codec.DHCPOffer, discover.XID+1, leasedIP)

	// The offer must not advance the FSM: the next message is still a
	// retransmitted DISCOVER, never a REQUEST.
	_, next := recvMessage(t, f)
	assert.Equal(t, codec.DHCPDiscover, next.MessageType())
}

func TestNakRestartsAcquisition(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	_, discover := recvMessage(t, f)
	f.rx <- reply(codec.DHCPOffer, discover.XID, leasedIP)

	_, request := recvMessage(t, f)
	require.Equal(t, codec.DHCPRequest, request.MessageType())
	f.rx <- reply(codec.DHCPNak, request.XID, core.IPv4Addr{})

	waitMessage(t, f, func(_ core.UDPMeta, m codec.DHCPMessage) bool {
		return m.MessageType() == codec.DHCPDiscover
	})
	assert.True(t, f.rf.LocalIP().IsZero())
}

func TestRenewsAtT1(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	_, discover := recvMessage(t, f)
	f.rx <- reply(codec.DHCPOffer, discover.XID, leasedIP)
	_, request := recvMessage(t, f)
	f.rx <- reply(codec.DHCPAck, request.XID, leasedIP,
		secondsOption(codec.DHCPOptLeaseTime, 4),
		secondsOption(codec.DHCPOptRenewalT1, 1),
		secondsOption(codec.DHCPOptRebindT2, 3),
	)
	require.Eventually(t, func() bool { return f.rf.LocalIP() == leasedIP },
		2*time.Second, 5*time.Millisecond)

	// At T1 the client unicasts to the serving server, proving
	// possession through ciaddr instead of option 50.
	meta, renewal := waitMessage(t, f, func(meta core.UDPMeta, m codec.DHCPMessage) bool {
		return m.MessageType() == codec.DHCPRequest && !m.CIAddr.IsZero()
	})
	assert.Equal(t, serverIP, meta.Addr)
	assert.Equal(t, leasedIP, renewal.CIAddr)
	_, hasRequested := renewal.Option(codec.DHCPOptRequestedIP)
	assert.False(t, hasRequested)

	f.rx <- reply(codec.DHCPAck, renewal.XID, leasedIP,
		secondsOption(codec.DHCPOptLeaseTime, 4),
	)
	require.Eventually(t, func() bool { return f.sawState("renewing") },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, leasedIP, f.rf.LocalIP())
	// Only the first bind announces; the address did not change.
	assert.Equal(t, int32(1), f.ann.calls.Load())
}

func TestRebindsAndExpires(t *testing.T) {
	f := newFixture(t, 100*time.Millisecond)

	_, discover := recvMessage(t, f)
	f.rx <- reply(codec.DHCPOffer, discover.XID, leasedIP)
	_, request := recvMessage(t, f)
	f.rx <- reply(codec.DHCPAck, request.XID, leasedIP,
		secondsOption(codec.DHCPOptLeaseTime, 2),
	)
	require.Eventually(t, func() bool { return f.rf.LocalIP() == leasedIP },
		2*time.Second, 5*time.Millisecond)

	// T1 defaults to half the lease: unicast renewal attempts first.
	meta, _ := waitMessage(t, f, func(meta core.UDPMeta, m codec.DHCPMessage) bool {
		return m.MessageType() == codec.DHCPRequest && !m.CIAddr.IsZero()
	})
	assert.Equal(t, serverIP, meta.Addr)

	// T2 defaults to 7/8 of the lease: the request turns broadcast.
	waitMessage(t, f, func(meta core.UDPMeta, m codec.DHCPMessage) bool {
		return m.MessageType() == codec.DHCPRequest && !m.CIAddr.IsZero() && meta.Addr == broadcast
	})

	// Expiry releases the address and restarts acquisition.
	waitMessage(t, f, func(_ core.UDPMeta, m codec.DHCPMessage) bool {
		return m.MessageType() == codec.DHCPDiscover
	})
	require.Eventually(t, func() bool { return f.rf.LocalIP().IsZero() },
		2*time.Second, 5*time.Millisecond, "expired address never released")
	assert.True(t, f.sawState("rebinding"))
}
