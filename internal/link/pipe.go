package link

import (
	"io"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/uoe/internal/core"
)

const defaultPipeDepth = 64

type pipeOptions struct {
	Depth int `mapstructure:"depth"`
}

func init() {
	Register("pipe", func(options map[string]interface{}) (Link, error) {
		var opts pipeOptions
		if err := mapstructure.Decode(options, &opts); err != nil {
			return nil, err
		}
		if opts.Depth <= 0 {
			opts.Depth = defaultPipeDepth
		}
		ch := make(chan core.Frame, opts.Depth)
		return &pipeHalf{rx: ch, tx: ch, done: make(chan struct{})}, nil
	})
}

// NewPipe returns two connected in-memory links: frames written to one
// end are read from the other. Test harnesses hold one end and hand the
// other to the engine. Closing either end closes both.
func NewPipe(depth int) (Link, Link) {
	if depth <= 0 {
		depth = defaultPipeDepth
	}
	ab := make(chan core.Frame, depth)
	ba := make(chan core.Frame, depth)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeHalf{rx: ba, tx: ab, done: done, closeOnce: once}
	b := &pipeHalf{rx: ab, tx: ba, done: done, closeOnce: once}
	return a, b
}

// pipeHalf is one end of a frame pipe. The registered "pipe" driver
// connects a half to itself, turning the PHY into a wire-level
// loopback.
type pipeHalf struct {
	rx   <-chan core.Frame
	tx   chan<- core.Frame
	done chan struct{}

	closeOnce *sync.Once
	selfOnce  sync.Once
}

func (p *pipeHalf) ReadFrame() (core.Frame, error) {
	select {
	case f := <-p.rx:
		return f, nil
	case <-p.done:
		// Drain what was written before the close.
		select {
		case f := <-p.rx:
			return f, nil
		default:
			return core.Frame{}, io.EOF
		}
	}
}

func (p *pipeHalf) WriteFrame(f core.Frame) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case p.tx <- f:
		return nil
	case <-p.done:
		return io.ErrClosedPipe
	}
}

func (p *pipeHalf) Close() error {
	once := p.closeOnce
	if once == nil {
		once = &p.selfOnce
	}
	once.Do(func() { close(p.done) })
	return nil
}
