package engine

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"firestige.xyz/uoe/internal/config"
	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/events"
	"firestige.xyz/uoe/internal/regs"
)

// The default pipe link is a wire-level loopback: every frame the node
// transmits arrives back on its own receive side, so full round trips
// run without hardware.

const (
	nodeMACStr = "02:00:5e:10:00:01"
	nodeIPStr  = "10.0.0.1"
	peerMACStr = "02:00:5e:10:00:02"
	peerIPStr  = "10.0.0.9"
)

var (
	nodeMAC = core.MACAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x01}
	nodeIP  = core.IPv4Addr{10, 0, 0, 1}
	peerMAC = core.MACAddr{0x02, 0x00, 0x5e, 0x10, 0x00, 0x02}
	peerIP  = core.IPv4Addr{10, 0, 0, 9}
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Node.MAC = nodeMACStr
	cfg.Node.IP = nodeIPStr
	cfg.ARP.StaticEntries = []config.StaticEntryConfig{
		{IP: nodeIPStr, MAC: nodeMACStr},
		{IP: peerIPStr, MAC: peerMACStr},
	}
	require.NoError(t, cfg.ValidateAndApplyDefaults())
	return cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Stop(ctx))
	})
	return e
}

func sendCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestUDPRoundTrip(t *testing.T) {
	e := startEngine(t, testConfig(t))

	payload := []byte("offloaded all the way around")
	err := e.SendUDP(sendCtx(t), core.Datagram{
		Meta: core.UDPMeta{
			DstPort: 40001,
			SrcPort: 40000,
			Size:    uint16(len(payload)),
			Addr:    nodeIP,
		},
		Payload: payload,
	})
	require.NoError(t, err)

	select {
	case d := <-e.UDPIn():
		require.Equal(t, payload, d.Payload)
		require.Equal(t, uint16(40001), d.Meta.DstPort)
		require.Equal(t, uint16(40000), d.Meta.SrcPort)
		require.Equal(t, uint16(len(payload)), d.Meta.Size)
		require.Equal(t, nodeIP, d.Meta.Addr)
	case <-time.After(3 * time.Second):
		t.Fatal("datagram did not come back around the loop")
	}
}

func TestUDPFragmentedRoundTrip(t *testing.T) {
	e := startEngine(t, testConfig(t))

	// Larger than one MTU, so the IPv4 stage fragments on TX and
	// reassembles on RX.
	payload := bytes.Repeat([]byte{0xC3, 0x3C, 0x5A}, 1500)
	err := e.SendUDP(sendCtx(t), core.Datagram{
		Meta: core.UDPMeta{
			DstPort: 40001,
			SrcPort: 40000,
			Size:    uint16(len(payload)),
			Addr:    nodeIP,
		},
		Payload: payload,
	})
	require.NoError(t, err)

	select {
	case d := <-e.UDPIn():
		require.Equal(t, payload, d.Payload)
	case <-time.After(3 * time.Second):
		t.Fatal("fragmented datagram did not reassemble")
	}
}

func TestRawRoundTrip(t *testing.T) {
	e := startEngine(t, testConfig(t))

	data := bytes.Repeat([]byte{0xA5}, 100)
	err := e.SendRaw(sendCtx(t), core.RawDatagram{
		EtherType: uint16(len(data)),
		Data:      data,
	})
	require.NoError(t, err)

	select {
	case d := <-e.RawIn():
		require.Equal(t, uint16(len(data)), d.EtherType)
		require.Equal(t, data, d.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("raw message did not come back around the loop")
	}
}

func TestICMPEchoAnswered(t *testing.T) {
	e := startEngine(t, testConfig(t))

	ping := codec.EncodeICMPEcho(codec.ICMPEcho{
		Type:    8,
		ID:      0x0707,
		Seq:     3,
		Payload: []byte("are you alive"),
	})
	pkt := codec.EncodeIPv4(codec.IPv4Header{
		TTL:   64,
		Proto: core.ProtoICMP,
		Src:   peerIP,
		Dst:   nodeIP,
	}, ping)
	frame := codec.EncodeEthernet(codec.EthernetHeader{
		Dst:       nodeMAC,
		Src:       peerMAC,
		EtherType: core.EtherTypeIPv4,
	}, pkt)

	require.NoError(t, e.InjectExternal(sendCtx(t), core.Frame{Data: frame, Valid: true}))

	hdr, reply := waitICMP(t, e, 0)
	require.Equal(t, nodeIP, hdr.Src)
	require.Equal(t, peerIP, hdr.Dst)
	require.Equal(t, uint16(0x0707), reply.ID)
	require.Equal(t, uint16(3), reply.Seq)
	require.Equal(t, []byte("are you alive"), reply.Payload)
}

// waitICMP scans the external stream for the first ICMP message of the
// given type, skipping the ARP mirrors and the forwarded request.
func waitICMP(t *testing.T, e *Engine, typ uint8) (codec.IPv4Header, codec.ICMPEcho) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-e.External():
			eth, payload, err := codec.DecodeEthernet(f.Data)
			if err != nil || eth.EtherType != core.EtherTypeIPv4 {
				continue
			}
			hdr, body, err := codec.DecodeIPv4(payload)
			if err != nil || hdr.Proto != core.ProtoICMP {
				continue
			}
			m, err := codec.DecodeICMPEcho(body)
			if err != nil || m.Type != typ {
				continue
			}
			return hdr, m
		case <-deadline:
			t.Fatal("no matching ICMP message on the external stream")
		}
	}
}

func TestUnknownEtherTypeChargesExtDrop(t *testing.T) {
	e := startEngine(t, testConfig(t))

	frame := codec.EncodeEthernet(codec.EthernetHeader{
		Dst:       nodeMAC,
		Src:       peerMAC,
		EtherType: 0x9999,
	}, make([]byte, 64))
	require.NoError(t, e.InjectExternal(sendCtx(t), core.Frame{Data: frame, Valid: true}))

	require.Eventually(t, func() bool {
		v, err := e.Registers().Read32(regs.RegCntExtDrop)
		return err == nil && v == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestInvalidFrameChargesCRCFilter(t *testing.T) {
	e := startEngine(t, testConfig(t))

	frame := codec.EncodeEthernet(codec.EthernetHeader{
		Dst:       nodeMAC,
		Src:       peerMAC,
		EtherType: core.EtherTypeIPv4,
	}, make([]byte, 64))
	require.NoError(t, e.InjectExternal(sendCtx(t), core.Frame{Data: frame, Valid: false}))

	require.Eventually(t, func() bool {
		v, err := e.Registers().Read32(regs.RegCntCRCFilter)
		return err == nil && v == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestStartPublishesInitDone(t *testing.T) {
	cfg := testConfig(t)
	e, err := New(cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []events.InterruptEvent
	e.Bus().Subscribe(events.TopicInterrupt, func(ev *events.Event) error {
		if p, ok := ev.Payload.(events.InterruptEvent); ok {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		}
		return nil
	})

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Stop(ctx))
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range seen {
			if ev.Bank == "main" && ev.Name == "init_done" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	status, err := e.Registers().Read32(regs.RegIRQStatus)
	require.NoError(t, err)
	require.NotZero(t, status&(1<<uint32(regs.IRQInitDone)))
}

func TestDHCPDiscoverReachesWire(t *testing.T) {
	cfg := testConfig(t)
	cfg.Node.IP = "dhcp"
	require.NoError(t, cfg.ValidateAndApplyDefaults())
	e := startEngine(t, cfg)

	// Port 67 is a standard port, so the broadcast discover loops back
	// onto the external stream.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-e.External():
			eth, payload, err := codec.DecodeEthernet(f.Data)
			if err != nil || eth.EtherType != core.EtherTypeIPv4 {
				continue
			}
			require.Equal(t, core.BroadcastMAC, eth.Dst)
			hdr, body, err := codec.DecodeIPv4(payload)
			if err != nil || hdr.Proto != core.ProtoUDP {
				continue
			}
			uh, data, err := codec.DecodeUDP(hdr.Src, hdr.Dst, body)
			if err != nil || uh.DstPort != core.PortDHCPServer {
				continue
			}
			require.Equal(t, core.PortDHCPClient, uh.SrcPort)
			msg, err := codec.DecodeDHCP(data)
			require.NoError(t, err)
			require.Equal(t, codec.DHCPDiscover, msg.MessageType())
			require.Equal(t, nodeMAC, msg.CHAddr)
			return
		case <-deadline:
			t.Fatal("no DHCP discover on the wire")
		}
	}
}

func TestSelfTestMACLoopback(t *testing.T) {
	const (
		frameSize = 256
		target    = 16 * 1024
		rateLimit = 100 // Mbit/s, keeps the burst off the queues
	)

	cfg := testConfig(t)
	e, err := New(cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var results []events.SelfTestEvent
	e.Bus().Subscribe(events.TopicSelfTest, func(ev *events.Event) error {
		if p, ok := ev.Payload.(events.SelfTestEvent); ok {
			mu.Lock()
			results = append(results, p)
			mu.Unlock()
		}
		return nil
	})

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.Stop(ctx))
	})

	tb := e.TestBlock()
	w := func(addr, val uint32) {
		require.NoError(t, tb.Write32(addr, val))
	}
	w(regs.RegLbGenDestIP, nodeIP.Uint32())
	w(regs.RegLbGenUDPPort, 50000<<16|50001)
	w(regs.RegChkUDPPort, 50001)
	w(regs.RegGenConfig, frameSize<<8|rateLimit<<24)
	w(regs.RegGenNbBytesLSB, target)
	w(regs.RegChkConfig, frameSize<<8)
	w(regs.RegChkNbBytesLSB, target)

	// Arm the checker before the generator; every control write keeps
	// the loopback switch closed.
	w(regs.RegGenChkControl, regs.CtlLoopbackMAC|regs.CtlChkStart)
	w(regs.RegGenChkControl, regs.CtlLoopbackMAC|regs.CtlGenStart)

	byKind := func(kind string) *events.SelfTestEvent {
		mu.Lock()
		defer mu.Unlock()
		for i := range results {
			if results[i].Kind == kind {
				return &results[i]
			}
		}
		return nil
	}
	require.Eventually(t, func() bool {
		return byKind("checker") != nil && byKind("generator") != nil
	}, 10*time.Second, 20*time.Millisecond)

	chk := byKind("checker")
	require.True(t, chk.Pass, "checker failed: %s", chk.Detail)
	require.EqualValues(t, target, chk.Bytes)
	gen := byKind("generator")
	require.True(t, gen.Pass)
	require.EqualValues(t, target, gen.Bytes)

	status, err := tb.Read32(regs.RegTestIRQStatus)
	require.NoError(t, err)
	require.NotZero(t, status&(1<<uint32(regs.TestIRQGenDone)))
	require.NotZero(t, status&(1<<uint32(regs.TestIRQChkDone)))
	require.Zero(t, status&(1<<uint32(regs.TestIRQChkErrData)))
	require.Zero(t, status&(1<<uint32(regs.TestIRQChkErrFrameSize)))
}

func TestStartStopLifecycle(t *testing.T) {
	e, err := New(testConfig(t))
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	require.Error(t, e.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
}
