// Package selftest drives the integrated test gear behind the test
// register block: a deterministic UDP traffic generator, a byte-exact
// checker and the two MAC-level rate meters. The host arms everything
// through registers; the runner turns the trigger pulses into work.
package selftest

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/events"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

// defaultTimeout bounds one generator or checker run when the
// configuration does not say otherwise.
const defaultTimeout = 10 * time.Second

// maxRandomPayload caps random frame sizes when the static size field
// is zero: the largest UDP payload that still fits one IPv4 fragment.
const maxRandomPayload = 1472

// Queues are the runner's taps into the engine: generated datagrams
// enter the regular UDP TX path, and the UDP RX demultiplexer feeds
// everything addressed to the checker port back here.
type Queues struct {
	TX chan<- core.Datagram
	RX <-chan core.Datagram
}

// meter is one rate meter: byte counting lives in the register block,
// the runner adds the time base and the done/overflow edges.
type meter struct {
	epoch atomic.Int64
	done  atomic.Bool
	over  atomic.Bool

	add      func(uint64) uint64
	setTime  func(uint64)
	expected func() uint64
	doneIRQ  regs.TestInterrupt
	overIRQ  regs.TestInterrupt
}

// checkRun is the state of one checker run, owned by the Run loop.
type checkRun struct {
	params   regs.GenParams
	expected uint64
	received uint64
	seq      prbs
	start    time.Time
	sizeErr  bool
	dataErr  bool
}

// Runner owns the generator goroutine, the checker loop and the meter
// edges.
type Runner struct {
	tb      *regs.TestBlock
	bus     events.Bus
	tx      chan<- core.Datagram
	rx      <-chan core.Datagram
	timeout time.Duration

	genCancel context.CancelFunc
	genDone   chan struct{}

	chk      *checkRun
	chkTimer *time.Timer

	txMeter meter
	rxMeter meter

	log log.Logger
}

// New wires a runner to the test block. timeout bounds each generator
// and checker run; zero selects the default.
func New(tb *regs.TestBlock, bus events.Bus, timeout time.Duration, q Queues) *Runner {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	r := &Runner{
		tb:      tb,
		bus:     bus,
		tx:      q.TX,
		rx:      q.RX,
		timeout: timeout,
		log:     log.GetLogger().WithField("stage", "selftest"),
	}
	r.txMeter = meter{
		add: tb.AddTxMeterBytes, setTime: tb.SetTxMeterTime, expected: tb.TxMeterExpected,
		doneIRQ: regs.TestIRQMeterTxDone, overIRQ: regs.TestIRQMeterTxOverflow,
	}
	r.rxMeter = meter{
		add: tb.AddRxMeterBytes, setTime: tb.SetRxMeterTime, expected: tb.RxMeterExpected,
		doneIRQ: regs.TestIRQMeterRxDone, overIRQ: regs.TestIRQMeterRxOverflow,
	}
	return r
}

// Run services trigger pulses and checker traffic until ctx is
// cancelled. Datagrams arriving while no checker run is armed are
// drained and discarded, so the RX demultiplexer never stalls on the
// checker port.
func (r *Runner) Run(ctx context.Context) {
	r.chkTimer = time.NewTimer(0)
	if !r.chkTimer.Stop() {
		<-r.chkTimer.C
	}
	defer r.chkTimer.Stop()
	defer r.stopGenerator()

	for {
		select {
		case <-ctx.Done():
			return
		case trig := <-r.tb.Triggers():
			r.handleTrigger(ctx, trig)
		case d, ok := <-r.rx:
			if !ok {
				return
			}
			// Control pulses written before this datagram arrived
			// take effect first.
			r.drainTriggers(ctx)
			r.handleDatagram(d)
		case <-r.chkTimer.C:
			r.checkerTimeout()
		}
	}
}

func (r *Runner) drainTriggers(ctx context.Context) {
	for {
		select {
		case trig := <-r.tb.Triggers():
			r.handleTrigger(ctx, trig)
		default:
			return
		}
	}
}

func (r *Runner) handleTrigger(ctx context.Context, trig regs.TestTrigger) {
	switch trig {
	case regs.TestTriggerGenStart:
		r.startGenerator(ctx)
	case regs.TestTriggerGenStop:
		r.stopGenerator()
	case regs.TestTriggerChkStart:
		r.startChecker()
	case regs.TestTriggerChkStop:
		r.stopChecker()
	case regs.TestTriggerTxMeterInit:
		r.armMeter(&r.txMeter)
	case regs.TestTriggerRxMeterInit:
		r.armMeter(&r.rxMeter)
	}
}

// --- generator ---

func (r *Runner) startGenerator(ctx context.Context) {
	if r.genDone != nil {
		select {
		case <-r.genDone:
			r.genDone = nil
		default:
			r.log.Debugf("generator already running, start ignored")
			return
		}
	}

	params := r.tb.GenParams()
	target := r.tb.GenTarget()
	ip, srcPort, dstPort := r.tb.GenEndpoint()
	if target == 0 {
		r.log.Warnf("generator started with zero byte target, nothing to do")
		r.tb.IRQ().Raise(uint8(regs.TestIRQGenDone))
		return
	}

	gctx, cancel := context.WithDeadline(ctx, time.Now().Add(r.timeout))
	r.genCancel = cancel
	r.genDone = make(chan struct{})
	r.log.Infof("generator start: %d bytes to %s:%d, size=%s rate=%d",
		target, ip, dstPort, sizeDesc(params), params.RateLimit)

	go r.generate(gctx, params, target, ip, srcPort, dstPort)
}

func (r *Runner) stopGenerator() {
	if r.genCancel != nil {
		r.genCancel()
		r.genCancel = nil
	}
}

func (r *Runner) generate(ctx context.Context, params regs.GenParams, target uint64,
	ip core.IPv4Addr, srcPort, dstPort uint16) {
	defer close(r.genDone)

	seq := newPRBS()
	start := time.Now()
	var sent uint64

	for sent < target {
		size := frameSize(params)
		if remaining := target - sent; uint64(size) > remaining {
			size = int(remaining)
		}
		payload := seq.fill(make([]byte, size))

		d := core.Datagram{
			Meta: core.UDPMeta{
				DstPort: dstPort,
				SrcPort: srcPort,
				Size:    uint16(size),
				Addr:    ip,
			},
			Payload: payload,
		}
		select {
		case r.tx <- d:
			sent += uint64(size)
			metrics.SelfTestBytesTotal.WithLabelValues("gen").Add(float64(size))
		case <-ctx.Done():
			r.finishGenerator(sent, time.Since(start), ctx.Err())
			return
		}

		if params.RateLimit > 0 {
			if !pace(ctx, start, sent, params.RateLimit) {
				r.finishGenerator(sent, time.Since(start), ctx.Err())
				return
			}
		}
	}

	r.finishGenerator(sent, time.Since(start), nil)
}

func (r *Runner) finishGenerator(sent uint64, elapsed time.Duration, cause error) {
	r.tb.SetGenDuration(uint64(elapsed))

	switch {
	case cause == nil:
		r.tb.IRQ().Raise(uint8(regs.TestIRQGenDone))
		r.log.Infof("generator done: %d bytes in %s", sent, elapsed)
		r.publish("gen", events.SelfTestEvent{
			Kind: "generator", Pass: true, Bytes: sent, Duration: elapsed,
		})
	case errors.Is(cause, context.DeadlineExceeded):
		r.tb.IRQ().Raise(uint8(regs.TestIRQGenErrTimeout))
		r.log.Warnf("generator timed out after %d bytes", sent)
		r.publish("gen", events.SelfTestEvent{
			Kind: "generator", Bytes: sent, Duration: elapsed, Detail: "timeout",
		})
	default:
		// Host stop or engine shutdown: no result to report.
		r.log.Debugf("generator stopped after %d bytes", sent)
	}
}

// pace holds the generator to RateLimit megabits per second, measured
// over the whole run. It reports false when the wait was interrupted.
func pace(ctx context.Context, start time.Time, sent uint64, limit uint8) bool {
	budget := time.Duration(sent * 8 * 1000 / uint64(limit)) // ns per Mbit/s
	ahead := budget - time.Since(start)
	if ahead <= 0 {
		return true
	}
	timer := time.NewTimer(ahead)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func frameSize(params regs.GenParams) int {
	max := int(params.StaticSize)
	if !params.RandomSize {
		if max == 0 {
			max = maxRandomPayload
		}
		return max
	}
	if max == 0 {
		max = maxRandomPayload
	}
	return 1 + rand.Intn(max)
}

func sizeDesc(params regs.GenParams) string {
	if params.RandomSize {
		return "random"
	}
	return "static"
}

// --- checker ---

func (r *Runner) startChecker() {
	c := &checkRun{
		params:   r.tb.ChkParams(),
		expected: r.tb.ChkExpected(),
		seq:      newPRBS(),
		start:    time.Now(),
	}
	if c.expected == 0 {
		r.log.Warnf("checker started with zero byte target, nothing to do")
		r.tb.IRQ().Raise(uint8(regs.TestIRQChkDone))
		return
	}
	r.chk = c
	r.armChkTimer(r.timeout)
	r.log.Infof("checker start: expecting %d bytes on port %d", c.expected, r.tb.ChkListeningPort())
}

func (r *Runner) stopChecker() {
	if r.chk == nil {
		return
	}
	r.log.Debugf("checker stopped after %d bytes", r.chk.received)
	r.chk = nil
	r.disarmChkTimer()
}

func (r *Runner) handleDatagram(d core.Datagram) {
	c := r.chk
	if c == nil {
		return
	}

	n := len(d.Payload)
	if !c.params.RandomSize && c.params.StaticSize != 0 &&
		n != int(c.params.StaticSize) && c.received+uint64(n) != c.expected {
		if !c.sizeErr {
			c.sizeErr = true
			r.tb.IRQ().Raise(uint8(regs.TestIRQChkErrFrameSize))
			r.log.Warnf("checker: frame size %d, want %d", n, c.params.StaticSize)
		}
	}

	for _, b := range d.Payload {
		if b != c.seq.next() && !c.dataErr {
			c.dataErr = true
			r.tb.IRQ().Raise(uint8(regs.TestIRQChkErrData))
			r.log.Warnf("checker: payload mismatch at byte %d", c.received)
		}
	}

	c.received += uint64(n)
	metrics.SelfTestBytesTotal.WithLabelValues("chk").Add(float64(n))

	if c.received >= c.expected {
		r.finishChecker(c)
	}
}

func (r *Runner) finishChecker(c *checkRun) {
	elapsed := time.Since(c.start)
	r.tb.SetChkDuration(uint64(elapsed))
	r.tb.IRQ().Raise(uint8(regs.TestIRQChkDone))
	r.chk = nil
	r.disarmChkTimer()

	pass := !c.sizeErr && !c.dataErr && c.received == c.expected
	detail := ""
	switch {
	case c.dataErr:
		detail = "payload mismatch"
	case c.sizeErr:
		detail = "frame size mismatch"
	case c.received != c.expected:
		detail = "byte count overshoot"
	}
	if pass {
		r.log.Infof("checker done: %d bytes in %s", c.received, elapsed)
	} else {
		r.log.Warnf("checker done with errors: %s", detail)
	}
	r.publish("chk", events.SelfTestEvent{
		Kind: "checker", Pass: pass, Bytes: c.received, Duration: elapsed, Detail: detail,
	})
}

func (r *Runner) checkerTimeout() {
	c := r.chk
	if c == nil {
		return
	}
	elapsed := time.Since(c.start)
	r.tb.SetChkDuration(uint64(elapsed))
	r.tb.IRQ().Raise(uint8(regs.TestIRQChkErrTimeout))
	r.chk = nil
	r.log.Warnf("checker timed out: %d of %d bytes", c.received, c.expected)
	r.publish("chk", events.SelfTestEvent{
		Kind: "checker", Bytes: c.received, Duration: elapsed, Detail: "timeout",
	})
}

func (r *Runner) armChkTimer(d time.Duration) {
	r.disarmChkTimer()
	r.chkTimer.Reset(d)
}

func (r *Runner) disarmChkTimer() {
	if !r.chkTimer.Stop() {
		select {
		case <-r.chkTimer.C:
		default:
		}
	}
}

// --- rate meters ---

func (r *Runner) armMeter(m *meter) {
	m.done.Store(false)
	m.over.Store(false)
	m.epoch.Store(time.Now().UnixNano())
}

// CountTx feeds the TX rate meter with one frame's byte count. The
// engine calls it for every frame leaving the MAC.
func (r *Runner) CountTx(n int) { r.count(&r.txMeter, n) }

// CountRx feeds the RX rate meter.
func (r *Runner) CountRx(n int) { r.count(&r.rxMeter, n) }

func (r *Runner) count(m *meter, n int) {
	if n <= 0 {
		return
	}
	epoch := m.epoch.Load()
	if epoch == 0 {
		return
	}
	total := m.add(uint64(n))
	if !m.done.Load() {
		m.setTime(uint64(time.Now().UnixNano() - epoch))
	}
	exp := m.expected()
	if exp == 0 {
		return
	}
	switch {
	case total >= exp && m.done.CompareAndSwap(false, true):
		r.tb.IRQ().Raise(uint8(m.doneIRQ))
	case total > exp && m.done.Load() && m.over.CompareAndSwap(false, true):
		r.tb.IRQ().Raise(uint8(m.overIRQ))
	}
}

func (r *Runner) publish(key string, payload events.SelfTestEvent) {
	if r.bus == nil {
		return
	}
	err := r.bus.Publish(&events.Event{Topic: events.TopicSelfTest, Key: key, Payload: payload})
	if err != nil {
		r.log.Debugf("selftest event dropped: %v", err)
	}
}
