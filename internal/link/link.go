// Package link drives the PHY boundary. A Link moves whole Ethernet
// frames between the engine and the outside world; drivers register
// themselves and are selected by name from the configuration.
package link

import (
	"fmt"
	"sort"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/metrics"
)

// Link is one frame transport. ReadFrame blocks until a frame arrives
// and returns io.EOF once the link is closed or a replay stream ends.
// WriteFrame blocks until the frame is accepted. Close unblocks any
// pending ReadFrame.
type Link interface {
	ReadFrame() (core.Frame, error)
	WriteFrame(core.Frame) error
	Close() error
}

// Factory builds a driver from its raw option map.
type Factory func(options map[string]interface{}) (Link, error)

var drivers = map[string]Factory{}

// Register makes a driver available to New. Drivers call it from
// their init functions.
func Register(name string, f Factory) {
	drivers[name] = f
}

// Names lists the registered driver names.
func Names() []string {
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the named driver and wraps it with the frame counters.
func New(typ string, options map[string]interface{}) (Link, error) {
	f, ok := drivers[typ]
	if !ok {
		return nil, fmt.Errorf("link type %q not registered (have %v)", typ, Names())
	}
	l, err := f(options)
	if err != nil {
		return nil, fmt.Errorf("link %s: %w", typ, err)
	}
	return &counted{name: typ, inner: l}, nil
}

// counted layers the per-link Prometheus counters over a driver.
type counted struct {
	name  string
	inner Link
}

func (c *counted) ReadFrame() (core.Frame, error) {
	f, err := c.inner.ReadFrame()
	if err == nil {
		metrics.LinkFramesTotal.WithLabelValues(c.name, "rx").Inc()
	}
	return f, err
}

func (c *counted) WriteFrame(f core.Frame) error {
	err := c.inner.WriteFrame(f)
	if err == nil {
		metrics.LinkFramesTotal.WithLabelValues(c.name, "tx").Inc()
	}
	return err
}

func (c *counted) Close() error { return c.inner.Close() }
