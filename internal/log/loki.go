package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// LokiAppenderOpt is the appender-config view of LokiConfig.
type LokiAppenderOpt struct {
	Endpoint      string            `mapstructure:"endpoint"`
	Labels        map[string]string `mapstructure:"labels"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval string            `mapstructure:"flush_interval"`
}

// LokiConfig configures the Grafana Loki push writer.
type LokiConfig struct {
	Endpoint      string
	Labels        map[string]string
	BatchSize     int
	FlushInterval string
}

// LokiWriter batches log lines and pushes them to the Loki HTTP API.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	client        *http.Client

	mu      sync.Mutex
	batch   []lokiEntry
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

type lokiEntry struct {
	ts   time.Time
	line string
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("loki writer requires an endpoint")
	}
	interval := 5 * time.Second
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		interval = d
	}
	size := cfg.BatchSize
	if size <= 0 {
		size = 100
	}
	labels := cfg.Labels
	if labels == nil {
		labels = make(map[string]string)
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "uoe"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     size,
		flushInterval: interval,
		client:        &http.Client{Timeout: 10 * time.Second},
		batch:         make([]lokiEntry, 0, size),
		closeCh:       make(chan struct{}),
	}
	lw.wg.Add(1)
	go lw.flusher()
	return lw, nil
}

func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if lw.closed {
		return 0, fmt.Errorf("loki writer is closed")
	}
	lw.batch = append(lw.batch, lokiEntry{ts: time.Now(), line: string(p)})
	if len(lw.batch) >= lw.batchSize {
		lw.flushLocked()
	}
	return len(p), nil
}

// Close flushes the pending batch and stops the background flusher.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	err := lw.flushLocked()
	lw.mu.Unlock()

	close(lw.closeCh)
	lw.wg.Wait()
	return err
}

func (lw *LokiWriter) flusher() {
	defer lw.wg.Done()
	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			lw.mu.Lock()
			if !lw.closed {
				lw.flushLocked()
			}
			lw.mu.Unlock()
		case <-lw.closeCh:
			return
		}
	}
}

// flushLocked pushes the batch; lw.mu must be held.
func (lw *LokiWriter) flushLocked() error {
	if len(lw.batch) == 0 {
		return nil
	}
	values := make([][]string, len(lw.batch))
	for i, e := range lw.batch {
		values[i] = []string{strconv.FormatInt(e.ts.UnixNano(), 10), e.line}
	}
	data, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: values}},
	})
	if err != nil {
		return fmt.Errorf("marshal loki request: %w", err)
	}
	if err := lw.push(data); err != nil {
		return err
	}
	lw.batch = lw.batch[:0]
	return nil
}

// push retries with exponential backoff before giving up on a batch.
func (lw *LokiWriter) push(data []byte) error {
	const attempts = 3
	delay := 100 * time.Millisecond

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if lastErr = lw.send(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", attempts, lastErr)
}

func (lw *LokiWriter) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("loki push status %d: %s", resp.StatusCode, body)
	}
	return nil
}
