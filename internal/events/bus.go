// Package events carries engine status (interrupts, lease changes,
// self-test results) to in-process consumers over a partitioned
// in-memory bus. Consistent hashing on the event key keeps per-source
// ordering while spreading unrelated sources across partitions.
package events

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/serialx/hashring"

	"firestige.xyz/uoe/internal/log"
)

// Bus is the event fan-out used across the engine.
type Bus interface {
	Publish(event *Event) error
	Subscribe(topic string, handler Handler)
	Close() error
	Stats() *Stats
}

// Stats counts bus activity.
type Stats struct {
	PublishedCount int64
	ProcessedCount int64
	DroppedCount   int64
	PartitionCount int
	QueuedCount    []int
}

// InMemoryBus distributes events over a fixed set of partition
// queues, each drained by one goroutine.
type InMemoryBus struct {
	partitions []*partition
	nodes      []string
	ring       *hashring.HashRing

	mu          sync.RWMutex
	subscribers map[string][]Handler
	closed      int32

	publishedCount int64
	processedCount int64
	droppedCount   int64
}

// NewInMemoryBus creates a bus with partitionCount queues of
// queueSize events each.
func NewInMemoryBus(partitionCount, queueSize int) *InMemoryBus {
	if partitionCount < 1 {
		partitionCount = 1
	}
	b := &InMemoryBus{
		partitions:  make([]*partition, partitionCount),
		nodes:       make([]string, partitionCount),
		subscribers: make(map[string][]Handler),
	}
	for i := range b.nodes {
		b.nodes[i] = "partition-" + strconv.Itoa(i)
	}
	b.ring = hashring.New(b.nodes)
	for i := range b.partitions {
		b.partitions[i] = &partition{
			id:    i,
			queue: make(chan *Event, queueSize),
			done:  make(chan struct{}),
		}
		go b.run(b.partitions[i])
	}
	return b
}

// Publish never blocks: when the target partition is full the event
// is dropped and counted, since status delivery must not stall the
// data path.
func (b *InMemoryBus) Publish(event *Event) error {
	if atomic.LoadInt32(&b.closed) == 1 {
		return fmt.Errorf("event bus is closed")
	}
	p := b.partitions[b.partitionFor(event.Key)]
	select {
	case p.queue <- event:
		atomic.AddInt64(&b.publishedCount, 1)
		return nil
	default:
		atomic.AddInt64(&b.droppedCount, 1)
		return fmt.Errorf("partition %d queue is full", p.id)
	}
}

// Subscribe registers a handler for a topic. Multiple handlers per
// topic run sequentially within a partition.
func (b *InMemoryBus) Subscribe(topic string, handler Handler) {
	b.mu.Lock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	b.mu.Unlock()
	log.GetLogger().Debugf("event subscriber added for topic %s", topic)
}

// Close stops the partition workers. Queued events are discarded.
func (b *InMemoryBus) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}
	for _, p := range b.partitions {
		close(p.queue)
		<-p.done
	}
	return nil
}

func (b *InMemoryBus) Stats() *Stats {
	s := &Stats{
		PublishedCount: atomic.LoadInt64(&b.publishedCount),
		ProcessedCount: atomic.LoadInt64(&b.processedCount),
		DroppedCount:   atomic.LoadInt64(&b.droppedCount),
		PartitionCount: len(b.partitions),
		QueuedCount:    make([]int, len(b.partitions)),
	}
	for i, p := range b.partitions {
		s.QueuedCount[i] = len(p.queue)
	}
	return s
}

func (b *InMemoryBus) partitionFor(key string) int {
	node, ok := b.ring.GetNode(key)
	if !ok {
		return 0
	}
	for i, n := range b.nodes {
		if n == node {
			return i
		}
	}
	return 0
}

func (b *InMemoryBus) run(p *partition) {
	logger := log.GetLogger()
	defer close(p.done)

	for event := range p.queue {
		b.mu.RLock()
		handlers := b.subscribers[event.Topic]
		b.mu.RUnlock()

		for _, h := range handlers {
			if err := h(event); err != nil {
				logger.WithError(err).Errorf("event handler failed on topic %s", event.Topic)
				continue
			}
			atomic.AddInt64(&b.processedCount, 1)
		}
	}
}
