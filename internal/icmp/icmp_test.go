package icmp

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/core/codec"
	"firestige.xyz/uoe/internal/regs"
)

var (
	localMAC = core.MACAddr{0x00, 0x0A, 0x35, 0x01, 0x02, 0x03}
	peerMAC  = core.MACAddr{0x00, 0x0A, 0x35, 0xAA, 0xBB, 0xCC}
	localIP  = core.IPv4Addr{192, 168, 1, 1}
	peerIP   = core.IPv4Addr{192, 168, 1, 50}
)

type fixture struct {
	rf  *regs.File
	in  chan core.Frame
	out chan core.Frame
	tx  chan core.Segment
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		rf:  regs.NewFile(nil),
		in:  make(chan core.Frame, 8),
		out: make(chan core.Frame, 8),
		tx:  make(chan core.Segment, 8),
	}
	require.NoError(t, f.rf.Write32(regs.RegLocalIP, localIP.Uint32()))

	r := New(f.rf, f.in, f.out, f.tx)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func echoFrame(dst core.IPv4Addr, mtype uint8, id, seq uint16, payload []byte) core.Frame {
	body := codec.EncodeICMPEcho(codec.ICMPEcho{Type: mtype, ID: id, Seq: seq, Payload: payload})
	pkt := codec.EncodeIPv4(codec.IPv4Header{
		TTL: 64, Proto: core.ProtoICMP, Src: peerIP, Dst: dst,
	}, body)
	data := codec.EncodeEthernet(codec.EthernetHeader{
		Dst: localMAC, Src: peerMAC, EtherType: core.EtherTypeIPv4,
	}, pkt)
	return core.Frame{Data: data, Valid: true}
}

func TestAnswersEchoRequest(t *testing.T) {
	f := newFixture(t)
	payload := []byte("abcdefghijklmnop")

	frame := echoFrame(localIP, codec.ICMPEchoRequest, 0x1234, 7, payload)
	f.in <- frame

	select {
	case fwd := <-f.out:
		assert.Equal(t, frame.Data, fwd.Data, "original frame still reaches the external consumer")
	case <-time.After(time.Second):
		t.Fatal("frame not forwarded")
	}

	select {
	case seg := <-f.tx:
		assert.Equal(t, peerIP, seg.Dst)
		assert.Equal(t, core.ProtoICMP, seg.Proto)
		echo, err := codec.DecodeICMPEcho(seg.Data)
		require.NoError(t, err)
		assert.Equal(t, codec.ICMPEchoReply, echo.Type)
		assert.Equal(t, uint16(0x1234), echo.ID)
		assert.Equal(t, uint16(7), echo.Seq)
		assert.Equal(t, payload, echo.Payload)
	case <-time.After(time.Second):
		t.Fatal("no echo reply produced")
	}
}

func TestIgnoresForeignAndBroadcastDestinations(t *testing.T) {
	f := newFixture(t)

	f.in <- echoFrame(core.IPv4Addr{192, 168, 1, 99}, codec.ICMPEchoRequest, 1, 1, nil)
	f.in <- echoFrame(core.IPv4Addr{255, 255, 255, 255}, codec.ICMPEchoRequest, 1, 2, nil)
	// Replies to our own pings are not answered either.
	f.in <- echoFrame(localIP, codec.ICMPEchoReply, 1, 3, nil)

	for i := 0; i < 3; i++ {
		select {
		case <-f.out:
		case <-time.After(time.Second):
			t.Fatal("frame not forwarded")
		}
	}

	select {
	case seg := <-f.tx:
		t.Fatalf("unexpected reply to %s", seg.Dst)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIgnoresNonICMPTraffic(t *testing.T) {
	f := newFixture(t)

	// A TCP frame on the external path must pass through untouched.
	pkt := codec.EncodeIPv4(codec.IPv4Header{
		TTL: 64, Proto: core.ProtoTCP, Src: peerIP, Dst: localIP,
	}, []byte{0, 80, 0, 80})
	data := codec.EncodeEthernet(codec.EthernetHeader{
		Dst: localMAC, Src: peerMAC, EtherType: core.EtherTypeIPv4,
	}, pkt)
	f.in <- core.Frame{Data: data, Valid: true}

	// A corrupt echo request is forwarded but never answered.
	frame := echoFrame(localIP, codec.ICMPEchoRequest, 9, 9, []byte("zz"))
	off := core.EthernetHeaderLen + codec.IPv4HeaderLen + 4
	binary.BigEndian.PutUint16(frame.Data[off+2:off+4], 0xDEAD)
	f.in <- frame

	for i := 0; i < 2; i++ {
		select {
		case <-f.out:
		case <-time.After(time.Second):
			t.Fatal("frame not forwarded")
		}
	}

	select {
	case <-f.tx:
		t.Fatal("unexpected reply")
	case <-time.After(50 * time.Millisecond):
	}
}
