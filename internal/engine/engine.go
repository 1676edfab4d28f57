// Package engine assembles the offload pipeline: register banks, link
// driver, frame router, ARP, MAC shaping, IPv4, UDP and raw paths, the
// ICMP echo responder, the self-test runner and the optional DHCP
// client, with the event bus, metrics endpoint and Kafka exporter
// around them.
//
// The engine owns every goroutine. Start programs the register file
// from the configuration and launches the stages against one context;
// Stop cancels that context, closes the link to unblock the reader and
// waits for the pipeline to wind down.
package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/multierr"

	"firestige.xyz/uoe/internal/arp"
	"firestige.xyz/uoe/internal/config"
	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/dhcp"
	"firestige.xyz/uoe/internal/events"
	"firestige.xyz/uoe/internal/export"
	"firestige.xyz/uoe/internal/icmp"
	"firestige.xyz/uoe/internal/ipv4"
	"firestige.xyz/uoe/internal/link"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/raw"
	"firestige.xyz/uoe/internal/regs"
	"firestige.xyz/uoe/internal/router"
	"firestige.xyz/uoe/internal/selftest"
	"firestige.xyz/uoe/internal/shaping"
	"firestige.xyz/uoe/internal/udp"
)

// stageDepth sizes the queues between adjacent pipeline stages, the
// short FIFOs between processing blocks. The application-facing queues
// use the configured engine queue size instead.
const stageDepth = 16

// Engine is one offload node: a register-programmable UDP/IP pipeline
// over a single Ethernet link.
type Engine struct {
	cfg *config.Config
	log log.Logger

	rf  *regs.File
	tb  *regs.TestBlock
	bus *events.InMemoryBus
	lnk link.Link

	table      *arp.Table
	resolver   *arp.Controller
	classifier *router.Router
	shaper     *shaping.Shaper
	ip         *ipv4.Layer
	transport  *udp.Layer
	rawPath    *raw.Path
	echo       *icmp.Responder
	runner     *selftest.Runner
	lease      *dhcp.Client

	metricsSrv *metrics.Server
	exporter   *export.Exporter

	linkRX chan core.Frame
	linkTX chan core.Frame

	udpTX   chan core.Datagram // application and internal senders
	udpTXIn chan core.Datagram // pump output into the transport stage
	udpOut  chan core.Datagram // transport RX output into the demux
	appUDP  chan core.Datagram
	dhcpRX  chan core.Datagram
	testRX  chan core.Datagram

	rawTX  chan core.RawDatagram
	appRaw chan core.RawDatagram
	appExt chan core.Frame

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a complete engine from a validated configuration. The
// returned engine is idle until Start.
func New(cfg *config.Config) (*Engine, error) {
	lnk, err := link.New(cfg.Link.Type, cfg.Link.Options)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{
		cfg: cfg,
		log: log.GetLogger().WithField("component", "engine"),
		lnk: lnk,
	}
	e.bus = events.NewInMemoryBus(cfg.Events.Partitions, cfg.Events.QueueSize)
	e.rf = regs.NewFile(func(i regs.Interrupt) {
		e.interrupt("main", uint8(i), i.String())
	})
	e.tb = regs.NewTestBlock(func(i regs.TestInterrupt) {
		e.interrupt("test", uint8(i), i.String())
	})

	e.table = arp.NewTable(cfg.ARP.TableEnabled)
	if len(cfg.ARP.ParsedStatic) > 0 {
		entries := make([]core.ARPEntry, len(cfg.ARP.ParsedStatic))
		for i, s := range cfg.ARP.ParsedStatic {
			entries[i] = core.ARPEntry{IP: s.IP, MAC: s.MAC}
		}
		e.table.Preload(entries)
	}

	if cfg.Metrics.Enabled {
		e.metricsSrv = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	if cfg.Export.Enabled {
		exp, err := newExporter(cfg.Export.Kafka, e.rf)
		if err != nil {
			lnk.Close()
			e.bus.Close()
			return nil, fmt.Errorf("engine: %w", err)
		}
		exp.Attach(e.bus)
		e.exporter = exp
	}

	e.buildPipeline()
	return e, nil
}

// buildPipeline allocates the inter-stage queues and constructs every
// stage around them.
func (e *Engine) buildPipeline() {
	cfg := e.cfg
	qs := cfg.Engine.QueueSize

	e.linkRX = make(chan core.Frame, qs)
	e.linkTX = make(chan core.Frame, qs)

	rawIn := make(chan core.Frame, stageDepth)
	arpIn := make(chan core.Frame, stageDepth)
	extIn := make(chan core.Frame, stageDepth)
	shapeRX := make(chan core.Frame, stageDepth)

	ipRX := make(chan []byte, stageDepth)
	pktTX := make(chan []byte, stageDepth)
	segRX := make(chan core.Segment, stageDepth)
	segTX := make(chan core.Segment, stageDepth)

	e.udpTX = make(chan core.Datagram, stageDepth)
	e.udpTXIn = make(chan core.Datagram, stageDepth)
	e.udpOut = make(chan core.Datagram, stageDepth)
	e.appUDP = make(chan core.Datagram, qs)
	e.testRX = make(chan core.Datagram, stageDepth)

	e.rawTX = make(chan core.RawDatagram, stageDepth)
	e.appRaw = make(chan core.RawDatagram, qs)
	e.appExt = make(chan core.Frame, qs)

	e.classifier = router.New(e.rf, e.linkRX, router.Outputs{
		Raw:        rawIn,
		ARP:        arpIn,
		External:   extIn,
		MACShaping: shapeRX,
	})
	e.resolver = arp.New(e.rf, e.table, arpIn, e.linkTX)
	e.shaper = shaping.New(e.rf, e.table, e.resolver, shaping.Queues{
		TXIn:  pktTX,
		TXOut: e.linkTX,
		RXIn:  shapeRX,
		RXOut: ipRX,
	})
	e.ip = ipv4.New(e.rf, ipv4.Queues{
		TXIn:  segTX,
		TXOut: pktTX,
		RXIn:  ipRX,
		RXOut: segRX,
	})
	e.transport = udp.New(e.rf, cfg.UDP.Checksum, udp.Queues{
		TXIn:  e.udpTXIn,
		TXOut: segTX,
		RXIn:  segRX,
		RXOut: e.udpOut,
	})
	e.rawPath = raw.New(e.rf, raw.Queues{
		TXIn:  e.rawTX,
		TXOut: e.linkTX,
		RXIn:  rawIn,
		RXOut: e.appRaw,
	})
	e.echo = icmp.New(e.rf, extIn, e.appExt, segTX)
	e.runner = selftest.New(e.tb, e.bus, cfg.SelfTest.ParsedTimeout, selftest.Queues{
		TX: e.udpTX,
		RX: e.testRX,
	})
	if cfg.Node.DHCP {
		e.dhcpRX = make(chan core.Datagram, stageDepth)
		e.lease = dhcp.New(e.rf, e.bus, e.resolver, dhcp.Queues{
			TXOut: e.udpTX,
			RXIn:  e.dhcpRX,
		})
	}
}

// Start brings the node up. The context bounds the whole run:
// cancelling it has the same effect as calling Stop, except that the
// link stays open until Stop closes it.
func (e *Engine) Start(ctx context.Context) error {
	if e.cancel != nil {
		return fmt.Errorf("engine: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	if e.metricsSrv != nil {
		if err := e.metricsSrv.Start(runCtx); err != nil {
			cancel()
			return fmt.Errorf("engine: %w", err)
		}
	}
	if e.exporter != nil {
		e.exporter.Start(runCtx)
	}

	if err := e.programRegisters(); err != nil {
		cancel()
		return err
	}

	e.spawn(runCtx)
	e.log.Infof("engine started: mac=%s ip=%s link=%s",
		e.rf.LocalMAC(), e.rf.LocalIP(), e.cfg.Link.Type)
	return nil
}

// Stop winds the node down and reports every teardown failure at once.
func (e *Engine) Stop(ctx context.Context) error {
	if e.cancel == nil {
		return nil
	}
	e.cancel()
	e.cancel = nil

	// Closing the link unblocks the reader goroutine, which has no
	// other way to observe cancellation.
	var errs error
	if err := e.lnk.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("close link: %w", err))
	}
	e.wg.Wait()

	// The bus drains before the exporter's writer closes, so every
	// queued event still reaches the sink.
	if err := e.bus.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if e.exporter != nil {
		if err := e.exporter.Stop(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if e.metricsSrv != nil {
		if err := e.metricsSrv.Stop(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	e.log.Info("engine stopped")
	return errs
}

func (e *Engine) spawn(ctx context.Context) {
	stages := []func(context.Context){
		e.classifier.Run,
		e.resolver.Run,
		e.shaper.RunTX, e.shaper.RunRX,
		e.ip.RunTX, e.ip.RunRX,
		e.transport.RunTX, e.transport.RunRX,
		e.rawPath.RunTX, e.rawPath.RunRX,
		e.echo.Run,
		e.runner.Run,
		e.pumpUDP,
		e.demuxUDP,
		e.readLink,
		e.writeLink,
	}
	if e.lease != nil {
		stages = append(stages, e.lease.Run)
	}
	for _, run := range stages {
		run := run
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			run(ctx)
		}()
	}
}

// programRegisters performs the host side of the bring-up contract:
// write the identity, filter and protocol registers, unmask the
// interrupt banks, then set config-done to release the stages.
func (e *Engine) programRegisters() error {
	cfg := e.cfg
	type write struct{ addr, val uint32 }

	localMSB, localLSB := regs.MACWords(cfg.Node.ParsedMAC)
	rawMSB, rawLSB := regs.MACWords(cfg.Raw.ParsedDestMAC)

	writes := []write{
		{regs.RegLocalMACMSB, localMSB},
		{regs.RegLocalMACLSB, localLSB},
		{regs.RegLocalIP, cfg.Node.ParsedIP.Uint32()},
		{regs.RegRawDestMACMSB, rawMSB},
		{regs.RegRawDestMACLSB, rawLSB},
		{regs.RegTTL, uint32(cfg.Node.TTL)},
		{regs.RegFiltering, regs.EncodeFiltering(regs.FilterConfig{
			Broadcast: cfg.Filters.Broadcast,
			Multicast: cfg.Filters.Multicast,
			Unicast:   cfg.Filters.Unicast,
		})},
		{regs.RegARPConfig, regs.EncodeARPConfig(regs.ARPParams{
			Timeout:        cfg.ARP.ParsedTimeout,
			Tryings:        uint8(cfg.ARP.Tryings),
			FilterMode:     cfg.ARP.ParsedMode,
			TestIPConflict: cfg.ARP.TestIPConflict,
		})},
		{regs.RegIRQEnable, regs.AllInterrupts},
	}
	for i, group := range cfg.Filters.ParsedGroups {
		writes = append(writes, write{
			regs.RegMulticastIP1 + uint32(4*i),
			regs.MulticastWord(group),
		})
	}
	// Config-done last: the first write releases anything waiting on a
	// stable setup.
	writes = append(writes, write{regs.RegConfigDone, 1})

	for _, w := range writes {
		if err := e.rf.Write32(w.addr, w.val); err != nil {
			return fmt.Errorf("engine: program register 0x%02X: %w", w.addr, err)
		}
	}
	if err := e.tb.Write32(regs.RegTestIRQEnable, regs.AllTestInterrupts); err != nil {
		return fmt.Errorf("engine: program test block: %w", err)
	}
	return nil
}

// readLink moves frames from the wire into the router queue and feeds
// the RX rate meter. The wire has no flow control: when the router
// queue is full the frame is lost and the overflow interrupt fires.
func (e *Engine) readLink(ctx context.Context) {
	for {
		f, err := e.lnk.ReadFrame()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				e.log.WithError(err).Error("link read failed")
			}
			return
		}
		e.runner.CountRx(len(f.Data))
		select {
		case e.linkRX <- f:
		case <-ctx.Done():
			return
		default:
			e.rf.IRQ().Raise(uint8(regs.IRQRouterDataRxFifoOverflow))
			metrics.FramesDroppedTotal.WithLabelValues("router_queue_full").Inc()
		}
	}
}

// writeLink drains the MAC TX mux. With the MAC loopback switch closed
// the frame turns around at this boundary instead of reaching the wire,
// and both rate meters see it.
func (e *Engine) writeLink(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-e.linkTX:
			e.runner.CountTx(len(f.Data))
			if e.tb.LoopbackMAC() {
				e.runner.CountRx(len(f.Data))
				select {
				case e.linkRX <- f:
				case <-ctx.Done():
					return
				}
				continue
			}
			if err := e.lnk.WriteFrame(f); err != nil {
				if ctx.Err() != nil {
					return
				}
				e.log.WithError(err).Warn("link write failed")
			}
		}
	}
}

// pumpUDP funnels every UDP sender into the transport stage. With the
// UDP loopback switch closed the datagram short-circuits to the RX side
// with its control word untouched.
func (e *Engine) pumpUDP(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.udpTX:
			out := e.udpTXIn
			if e.tb.LoopbackUDP() {
				out = e.udpOut
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// demuxUDP fans received datagrams out by destination port: the DHCP
// client and the self-test checker consume their ports with
// backpressure, everything else goes to the application queue and is
// dropped when the host does not keep up.
func (e *Engine) demuxUDP(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.udpOut:
			e.deliver(ctx, d)
		}
	}
}

func (e *Engine) deliver(ctx context.Context, d core.Datagram) {
	if e.dhcpRX != nil && d.Meta.DstPort == core.PortDHCPClient {
		select {
		case e.dhcpRX <- d:
		case <-ctx.Done():
		}
		return
	}
	if port := e.tb.ChkListeningPort(); port != 0 && d.Meta.DstPort == port {
		select {
		case e.testRX <- d:
		case <-ctx.Done():
		}
		return
	}
	select {
	case e.appUDP <- d:
	default:
		e.rf.IncUDPDrop()
		metrics.FramesDroppedTotal.WithLabelValues("app_queue_full").Inc()
	}
}

// interrupt fans one rising edge of an enabled interrupt out to the
// metrics counter and the event bus.
func (e *Engine) interrupt(bank string, bit uint8, name string) {
	metrics.InterruptsTotal.WithLabelValues(bank, name).Inc()
	err := e.bus.Publish(&events.Event{
		Topic: events.TopicInterrupt,
		Key:   bank,
		Payload: events.InterruptEvent{
			Bank: bank,
			Bit:  bit,
			Name: name,
			Time: time.Now(),
		},
	})
	if err != nil {
		e.log.WithError(err).Debugf("interrupt %s/%s not published", bank, name)
	}
}

// SendUDP queues one datagram on the offloaded transport TX path.
func (e *Engine) SendUDP(ctx context.Context, d core.Datagram) error {
	select {
	case e.udpTX <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UDPIn delivers the datagrams addressed to the offload path.
func (e *Engine) UDPIn() <-chan core.Datagram { return e.appUDP }

// SendRaw queues one message on the raw Ethernet TX path.
func (e *Engine) SendRaw(ctx context.Context, d core.RawDatagram) error {
	select {
	case e.rawTX <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RawIn delivers inbound raw Ethernet messages.
func (e *Engine) RawIn() <-chan core.RawDatagram { return e.appRaw }

// External delivers the frames classified for host processing: ARP
// mirrors, ICMP, IGMP and standard-port traffic.
func (e *Engine) External() <-chan core.Frame { return e.appExt }

// InjectExternal writes one host-built frame directly to the MAC TX
// mux, bypassing every offload stage.
func (e *Engine) InjectExternal(ctx context.Context, f core.Frame) error {
	select {
	case e.linkTX <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Registers exposes the main register bank, the host-facing control
// surface.
func (e *Engine) Registers() *regs.File { return e.rf }

// TestBlock exposes the self-test register bank.
func (e *Engine) TestBlock() *regs.TestBlock { return e.tb }

// Bus exposes the event stream. Subscribe before Start to observe the
// bring-up events.
func (e *Engine) Bus() events.Bus { return e.bus }

func newExporter(kc config.KafkaExportConfig, rf *regs.File) (*export.Exporter, error) {
	opts := export.Options{
		Brokers:     kc.Brokers,
		Topic:       kc.Topic,
		BatchSize:   kc.BatchSize,
		Compression: kc.Compression,
	}
	if kc.BatchTimeout != "" {
		d, err := time.ParseDuration(kc.BatchTimeout)
		if err != nil {
			return nil, fmt.Errorf("export batch timeout: %w", err)
		}
		opts.BatchTimeout = d
	}
	return export.New(opts, rf)
}
