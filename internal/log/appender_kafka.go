package log

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaAppenderOpt struct {
	Brokers      []string `mapstructure:"brokers"`
	Topic        string   `mapstructure:"topic"`
	BatchSize    int      `mapstructure:"batch_size"`
	BatchTimeout string   `mapstructure:"batch_timeout"`
}

// kafkaWriter ships log lines through an async kafka.Writer, so a
// slow broker cannot stall logging.
type kafkaWriter struct {
	w *kafka.Writer
}

func (k *kafkaWriter) Write(p []byte) (int, error) {
	line := make([]byte, len(p))
	copy(line, p)
	err := k.w.WriteMessages(context.Background(), kafka.Message{Value: line, Time: time.Now()})
	return len(p), err
}

func (k *kafkaWriter) Close() error { return k.w.Close() }

func (m *MultiWriter) AddKafkaAppender(options KafkaAppenderOpt) *MultiWriter {
	batch := options.BatchSize
	if batch <= 0 {
		batch = 100
	}
	timeout := 100 * time.Millisecond
	if options.BatchTimeout != "" {
		if d, err := time.ParseDuration(options.BatchTimeout); err == nil {
			timeout = d
		}
	}
	return m.Add(&kafkaWriter{w: &kafka.Writer{
		Addr:         kafka.TCP(options.Brokers...),
		Topic:        options.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    batch,
		BatchTimeout: timeout,
		Async:        true,
	}})
}
