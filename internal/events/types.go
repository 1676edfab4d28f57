package events

import (
	"time"

	"firestige.xyz/uoe/internal/core"
)

// Topics carried on the bus. TopicCounters never travels the bus; it
// tags the periodic snapshots the exporter emits on its own clock.
const (
	TopicInterrupt = "uoe.interrupt"
	TopicLease     = "uoe.lease"
	TopicSelfTest  = "uoe.selftest"
	TopicCounters  = "uoe.counters"
)

// Event is one bus message. Key selects the partition, so events
// sharing a key are handled in publish order.
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// Handler consumes events for one topic.
type Handler func(event *Event) error

// InterruptEvent reports a rising edge of an enabled interrupt.
type InterruptEvent struct {
	Bank string    `json:"bank"` // "main" or "test"
	Bit  uint8     `json:"bit"`
	Name string    `json:"name"`
	Time time.Time `json:"time"`
}

// LeaseEvent reports a DHCP client state change.
type LeaseEvent struct {
	State   string        `json:"state"`
	IP      core.IPv4Addr `json:"ip"`
	Mask    core.IPv4Addr `json:"mask"`
	Router  core.IPv4Addr `json:"router"`
	Server  core.IPv4Addr `json:"server"`
	Expires time.Time     `json:"expires"`
}

// SelfTestEvent reports a generator or checker run result.
type SelfTestEvent struct {
	Kind     string        `json:"kind"` // "generator" or "checker"
	Pass     bool          `json:"pass"`
	Bytes    uint64        `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Detail   string        `json:"detail,omitempty"`
}

// CounterSnapshot is a point-in-time reading of the interface drop
// counters.
type CounterSnapshot struct {
	Time      time.Time `json:"time"`
	CRCFilter uint32    `json:"crc_filter"`
	MACFilter uint32    `json:"mac_filter"`
	ExtDrop   uint32    `json:"ext_drop"`
	RawDrop   uint32    `json:"raw_drop"`
	UDPDrop   uint32    `json:"udp_drop"`
}

type partition struct {
	id    int
	queue chan *Event
	done  chan struct{}
}
