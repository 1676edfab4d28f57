// Package export ships engine status to Kafka: every event published
// on the bus plus a periodic snapshot of the interface drop counters,
// serialized as JSON with batching and compression.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/uoe/internal/events"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/metrics"
	"firestige.xyz/uoe/internal/regs"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = time.Second

	// snapshotInterval paces the counter snapshots.
	snapshotInterval = 30 * time.Second

	// writeTimeout bounds one WriteMessages call so a dead broker
	// cannot pin a bus partition forever.
	writeTimeout = 10 * time.Second
)

// Options configure the Kafka sink.
type Options struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Compression  string // none, gzip, snappy or lz4
}

// Exporter mirrors bus events and periodic counter snapshots to one
// Kafka topic. The bus topic travels as a message header so consumers
// can route without parsing the payload.
type Exporter struct {
	opts   Options
	writer *kafka.Writer
	rf     *regs.File
	log    log.Logger

	done chan struct{}

	exported atomic.Uint64
	failed   atomic.Uint64
}

// New builds an exporter for the given sink. rf may be nil when there
// is no register bank to snapshot.
func New(opts Options, rf *regs.File) (*Exporter, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("export: at least one broker is required")
	}
	if opts.Topic == "" {
		return nil, fmt.Errorf("export: topic is required")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaultBatchTimeout
	}

	wc := kafka.WriterConfig{
		Brokers:      opts.Brokers,
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    opts.BatchSize,
		BatchTimeout: opts.BatchTimeout,
		Async:        false,
	}
	switch opts.Compression {
	case "", "none":
	case "gzip":
		wc.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		wc.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		wc.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("export: unknown compression %q", opts.Compression)
	}

	return &Exporter{
		opts:   opts,
		writer: kafka.NewWriter(wc),
		rf:     rf,
		log:    log.GetLogger().WithField("stage", "export"),
		done:   make(chan struct{}),
	}, nil
}

// Attach subscribes the exporter to every status topic on the bus.
func (e *Exporter) Attach(bus events.Bus) {
	for _, topic := range []string{events.TopicInterrupt, events.TopicLease, events.TopicSelfTest} {
		bus.Subscribe(topic, e.handle)
	}
}

// Start launches the counter snapshot loop. Event export needs no
// goroutine of its own; the bus drives it.
func (e *Exporter) Start(ctx context.Context) error {
	e.log.Infof("kafka export started: brokers=%v topic=%s batch=%d/%s compression=%s",
		e.opts.Brokers, e.opts.Topic, e.opts.BatchSize, e.opts.BatchTimeout, e.opts.Compression)
	go e.snapshots(ctx)
	return nil
}

// Stop waits for the snapshot loop, then flushes and closes the
// writer.
func (e *Exporter) Stop(ctx context.Context) error {
	select {
	case <-e.done:
	case <-ctx.Done():
	}
	err := e.writer.Close()
	e.log.Infof("kafka export stopped: exported=%d failed=%d", e.exported.Load(), e.failed.Load())
	return err
}

func (e *Exporter) snapshots(ctx context.Context) {
	defer close(e.done)
	if e.rf == nil {
		return
	}

	tick := time.NewTicker(snapshotInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			c := e.rf.Counters()
			ev := &events.Event{
				Topic: events.TopicCounters,
				Key:   "counters",
				Payload: events.CounterSnapshot{
					Time:      time.Now(),
					CRCFilter: c.CRCFilter,
					MACFilter: c.MACFilter,
					ExtDrop:   c.ExtDrop,
					RawDrop:   c.RawDrop,
					UDPDrop:   c.UDPDrop,
				},
			}
			if err := e.handle(ev); err != nil {
				e.log.WithError(err).Warnf("counter snapshot export failed")
			}
		}
	}
}

func (e *Exporter) handle(ev *events.Event) error {
	msg, err := message(ev)
	if err != nil {
		e.failed.Add(1)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		e.failed.Add(1)
		return fmt.Errorf("kafka write: %w", err)
	}

	e.exported.Add(1)
	metrics.ExportedEventsTotal.WithLabelValues(ev.Topic).Inc()
	return nil
}

// message wraps one event as a Kafka message: JSON envelope, the bus
// key as the partition key, the topic as a routing header.
func message(ev *events.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("serialize event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key),
		Value: value,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(ev.Topic)},
		},
	}, nil
}
