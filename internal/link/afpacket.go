//go:build linux && cgo

package link

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/net/bpf"

	"firestige.xyz/uoe/internal/core"
)

const (
	defaultBufferSizeMB = 8
	defaultTimeoutMs    = 100

	// Full frames at the engine's MTU fit with room to spare; a tight
	// snaplen keeps the ring slots small.
	defaultAfSnapLen = 2048
)

// afOptions configures the live AF_PACKET driver.
type afOptions struct {
	Device       string `mapstructure:"device"`
	SnapLen      int    `mapstructure:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb"`
	TimeoutMs    int    `mapstructure:"timeout_ms"`
	FanoutID     uint16 `mapstructure:"fanout_id"`
	BpfFilter    string `mapstructure:"bpf_filter"`
}

func init() {
	Register("afpacket", func(options map[string]interface{}) (Link, error) {
		var opts afOptions
		if err := mapstructure.Decode(options, &opts); err != nil {
			return nil, err
		}
		return newAfpacketLink(opts)
	})
}

type afpacketLink struct {
	handle *afpacket.TPacket
}

func newAfpacketLink(opts afOptions) (*afpacketLink, error) {
	if opts.Device == "" {
		return nil, errors.New("device is required")
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = defaultAfSnapLen
	}
	if opts.BufferSizeMB <= 0 {
		opts.BufferSizeMB = defaultBufferSizeMB
	}
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = defaultTimeoutMs
	}

	frameSize, blockSize, numBlocks, err := ringSizes(opts.BufferSizeMB, opts.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(opts.Device),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(opts.TimeoutMs),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Device, err)
	}

	if opts.FanoutID > 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, opts.FanoutID); err != nil {
			tp.Close()
			return nil, err
		}
	}

	if opts.BpfFilter != "" {
		prog, err := compileBPF(opts.BpfFilter, frameSize)
		if err != nil {
			tp.Close()
			return nil, err
		}
		if err := tp.SetBPF(prog); err != nil {
			tp.Close()
			return nil, err
		}
	}

	return &afpacketLink{handle: tp}, nil
}

// compileBPF turns a tcpdump-style filter expression into the raw
// instruction form the kernel socket accepts.
func compileBPF(filter string, snapLen int) ([]bpf.RawInstruction, error) {
	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", filter, err)
	}
	prog := make([]bpf.RawInstruction, len(insns))
	for i, inst := range insns {
		prog[i] = bpf.RawInstruction{
			Op: inst.Code,
			Jt: inst.Jt,
			Jf: inst.Jf,
			K:  inst.K,
		}
	}
	return prog, nil
}

// ringSizes fits the TPACKET ring to the memory budget. The kernel
// wants the block size divisible by both the page size and the frame
// slot size, so the slot either divides a page or spans whole pages.
func ringSizes(bufferSizeMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	if snapLen < pageSize {
		frameSize = pageSize / (pageSize / snapLen)
	} else {
		frameSize = (snapLen/pageSize + 1) * pageSize
	}
	blockSize = frameSize * afpacket.DefaultNumBlocks
	numBlocks = bufferSizeMB * 1024 * 1024 / blockSize
	if numBlocks < 1 {
		return 0, 0, 0, fmt.Errorf("buffer_size_mb %d too small for snap_len %d", bufferSizeMB, snapLen)
	}
	return frameSize, blockSize, numBlocks, nil
}

func (l *afpacketLink) ReadFrame() (core.Frame, error) {
	data, _, err := l.handle.ReadPacketData()
	if err != nil {
		return core.Frame{}, err
	}
	// The kernel already verified the FCS; bad frames never reach the
	// socket.
	return core.Frame{Data: data, Valid: true}, nil
}

func (l *afpacketLink) WriteFrame(f core.Frame) error {
	return l.handle.WritePacketData(f.Data)
}

func (l *afpacketLink) Close() error {
	l.handle.Close()
	return nil
}
