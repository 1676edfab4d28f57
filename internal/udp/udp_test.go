package udp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/regs"
)

var (
	localIP = core.IPv4Addr{192, 168, 1, 1}
	peerIP  = core.IPv4Addr{192, 168, 1, 50}
)

type fixture struct {
	rf    *regs.File
	txIn  chan core.Datagram
	txOut chan core.Segment
	rxIn  chan core.Segment
	rxOut chan core.Datagram
}

func newFixture(t *testing.T, withChecksum bool) *fixture {
	t.Helper()

	f := &fixture{
		rf:    regs.NewFile(nil),
		txIn:  make(chan core.Datagram, 8),
		txOut: make(chan core.Segment, 8),
		rxIn:  make(chan core.Segment, 8),
		rxOut: make(chan core.Datagram, 8),
	}
	require.NoError(t, f.rf.Write32(regs.RegLocalIP, localIP.Uint32()))

	l := New(f.rf, withChecksum, Queues{TXIn: f.txIn, TXOut: f.txOut, RXIn: f.rxIn, RXOut: f.rxOut})

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.RunTX(ctx) }()
	go func() { defer wg.Done(); l.RunRX(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return f
}

func recvSegment(t *testing.T, ch <-chan core.Segment) core.Segment {
	t.Helper()
	select {
	case seg := <-ch:
		return seg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for segment")
		return core.Segment{}
	}
}

func recvDatagram(t *testing.T, ch <-chan core.Datagram) core.Datagram {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
		return core.Datagram{}
	}
}

func expectNoDatagram(t *testing.T, ch <-chan core.Datagram) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected datagram from %s port %d", d.Meta.Addr, d.Meta.SrcPort)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTXBuildsSegment(t *testing.T) {
	f := newFixture(t, true)
	payload := []byte("telemetry sample 0001")

	f.txIn <- core.Datagram{
		Meta:    core.UDPMeta{DstPort: 5060, SrcPort: 32000, Addr: peerIP},
		Payload: payload,
	}

	seg := recvSegment(t, f.txOut)
	assert.Equal(t, peerIP, seg.Dst)
	assert.Equal(t, core.ProtoUDP, seg.Proto)

	h, body, err := codec.DecodeUDP(localIP, peerIP, seg.Data)
	require.NoError(t, err)
	assert.Equal(t, uint16(32000), h.SrcPort)
	assert.Equal(t, uint16(5060), h.DstPort)
	assert.NotZero(t, h.Checksum)
	assert.Equal(t, payload, body)
}

func TestTXChecksumDisabled(t *testing.T) {
	f := newFixture(t, false)

	f.txIn <- core.Datagram{
		Meta:    core.UDPMeta{DstPort: 9, SrcPort: 9, Addr: peerIP},
		Payload: []byte{1, 2, 3},
	}

	seg := recvSegment(t, f.txOut)
	h, _, err := codec.DecodeUDP(localIP, peerIP, seg.Data)
	require.NoError(t, err)
	assert.Zero(t, h.Checksum)
}

func TestTXSizeFieldTruncates(t *testing.T) {
	f := newFixture(t, true)
	payload := []byte("0123456789")

	f.txIn <- core.Datagram{
		Meta:    core.UDPMeta{DstPort: 7, SrcPort: 7, Size: 4, Addr: peerIP},
		Payload: payload,
	}
	_, body, err := codec.DecodeUDP(localIP, peerIP, recvSegment(t, f.txOut).Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("0123"), body)

	// Zero means the whole payload; oversized values change nothing.
	f.txIn <- core.Datagram{
		Meta:    core.UDPMeta{DstPort: 7, SrcPort: 7, Size: 0, Addr: peerIP},
		Payload: payload,
	}
	_, body, err = codec.DecodeUDP(localIP, peerIP, recvSegment(t, f.txOut).Data)
	require.NoError(t, err)
	assert.Equal(t, payload, body)

	f.txIn <- core.Datagram{
		Meta:    core.UDPMeta{DstPort: 7, SrcPort: 7, Size: 64, Addr: peerIP},
		Payload: payload,
	}
	_, body, err = codec.DecodeUDP(localIP, peerIP, recvSegment(t, f.txOut).Data)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestRXFillsControlWord(t *testing.T) {
	f := newFixture(t, true)
	payload := []byte("pong")

	data := codec.EncodeUDP(peerIP, localIP, 5060, 32000, payload, true)
	f.rxIn <- core.Segment{Src: peerIP, Dst: localIP, Proto: core.ProtoUDP, Data: data}

	d := recvDatagram(t, f.rxOut)
	assert.Equal(t, uint16(32000), d.Meta.DstPort)
	assert.Equal(t, uint16(5060), d.Meta.SrcPort)
	assert.Equal(t, uint16(len(payload)), d.Meta.Size)
	assert.Equal(t, peerIP, d.Meta.Addr)
	assert.Equal(t, payload, d.Payload)
}

func TestRXBroadcastChecksumUsesPacketAddresses(t *testing.T) {
	f := newFixture(t, true)
	bcast := core.IPv4Addr{255, 255, 255, 255}

	data := codec.EncodeUDP(peerIP, bcast, 68, 67, []byte("lease"), true)
	f.rxIn <- core.Segment{Src: peerIP, Dst: bcast, Proto: core.ProtoUDP, Data: data}

	d := recvDatagram(t, f.rxOut)
	assert.Equal(t, uint16(67), d.Meta.DstPort)
}

func TestRXDropsCorruptDatagram(t *testing.T) {
	f := newFixture(t, true)

	data := codec.EncodeUDP(peerIP, localIP, 7, 7, []byte("abcdef"), true)
	data[len(data)-1] ^= 0xFF

	f.rxIn <- core.Segment{Src: peerIP, Dst: localIP, Proto: core.ProtoUDP, Data: data}
	expectNoDatagram(t, f.rxOut)

	v, err := f.rf.Read32(regs.RegCntUDPDrop)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestRXDropsTruncatedHeader(t *testing.T) {
	f := newFixture(t, true)

	f.rxIn <- core.Segment{Src: peerIP, Dst: localIP, Proto: core.ProtoUDP, Data: []byte{0, 7, 0}}
	expectNoDatagram(t, f.rxOut)

	v, err := f.rf.Read32(regs.RegCntUDPDrop)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t, true)
	payload := []byte("round trip payload")

	f.txIn <- core.Datagram{
		Meta:    core.UDPMeta{DstPort: 4000, SrcPort: 4001, Addr: peerIP},
		Payload: payload,
	}
	seg := recvSegment(t, f.txOut)

	// Loop the wire bytes back as if the peer had sent them.
	f.rxIn <- core.Segment{Src: localIP, Dst: peerIP, Proto: core.ProtoUDP, Data: seg.Data}

	d := recvDatagram(t, f.rxOut)
	assert.Equal(t, uint16(4000), d.Meta.DstPort)
	assert.Equal(t, uint16(4001), d.Meta.SrcPort)
	assert.Equal(t, payload, d.Payload)
}
