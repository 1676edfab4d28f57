package link

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/mitchellh/mapstructure"
	"go.uber.org/multierr"

	"firestige.xyz/uoe/internal/core"
)

const defaultSnapLen = 65536

// pcapOptions configures the offline driver: frames come from rx_file
// and go to tx_file. Either side may be omitted for replay-only or
// capture-only runs.
type pcapOptions struct {
	RxFile  string `mapstructure:"rx_file"`
	TxFile  string `mapstructure:"tx_file"`
	SnapLen int    `mapstructure:"snap_len"`
}

func init() {
	Register("pcap", func(options map[string]interface{}) (Link, error) {
		var opts pcapOptions
		if err := mapstructure.Decode(options, &opts); err != nil {
			return nil, err
		}
		return newPcapLink(opts)
	})
}

type pcapLink struct {
	mu sync.Mutex

	rf     *os.File
	reader *pcapgo.Reader

	wf     *os.File
	writer *pcapgo.Writer

	closed bool
}

func newPcapLink(opts pcapOptions) (*pcapLink, error) {
	if opts.RxFile == "" && opts.TxFile == "" {
		return nil, errors.New("need rx_file or tx_file")
	}
	if opts.SnapLen <= 0 {
		opts.SnapLen = defaultSnapLen
	}

	l := &pcapLink{}
	if opts.RxFile != "" {
		f, err := os.Open(opts.RxFile)
		if err != nil {
			return nil, err
		}
		r, err := pcapgo.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open %s: %w", opts.RxFile, err)
		}
		if r.LinkType() != layers.LinkTypeEthernet {
			f.Close()
			return nil, fmt.Errorf("%s: link type %s, want ethernet", opts.RxFile, r.LinkType())
		}
		l.rf, l.reader = f, r
	}
	if opts.TxFile != "" {
		f, err := os.Create(opts.TxFile)
		if err != nil {
			l.Close()
			return nil, err
		}
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(uint32(opts.SnapLen), layers.LinkTypeEthernet); err != nil {
			f.Close()
			l.Close()
			return nil, fmt.Errorf("write %s: %w", opts.TxFile, err)
		}
		l.wf, l.writer = f, w
	}
	return l, nil
}

// ReadFrame replays the next captured frame. Capture files carry no
// FCS, so every frame is presented as CRC-valid.
func (l *pcapLink) ReadFrame() (core.Frame, error) {
	if l.reader == nil {
		return core.Frame{}, io.EOF
	}
	data, _, err := l.reader.ReadPacketData()
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return core.Frame{}, io.EOF
		}
		return core.Frame{}, err
	}
	return core.Frame{Data: data, Valid: true}, nil
}

func (l *pcapLink) WriteFrame(f core.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil || l.closed {
		return nil
	}
	return l.writer.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(f.Data),
		Length:        len(f.Data),
	}, f.Data)
}

func (l *pcapLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.rf != nil {
		err = multierr.Append(err, l.rf.Close())
	}
	if l.wf != nil {
		err = multierr.Append(err, l.wf.Close())
	}
	return err
}
