// Package arp implements address resolution: the cache/table store and
// the controller state machine that speaks the protocol on the wire.
package arp

import (
	"sync"

	"firestige.xyz/uoe/internal/core"
	"firestige.xyz/uoe/internal/metrics"
)

// TableSize is the capacity of the associative table tier.
const TableSize = 256

// Table stores resolved address pairs in two tiers: a single-entry
// cache holding the most recently resolved association, and a circular
// table of up to TableSize entries behind it. The table tier can be
// disabled, in which case every cache miss falls through to network
// resolution.
//
// The controller is the only writer; lookups take the read lock and
// never mutate, so the MAC shaping stage can probe concurrently.
type Table struct {
	mu       sync.RWMutex
	cache    core.ARPEntry
	hasCache bool

	enabled bool
	slots   [TableSize]core.ARPEntry
	used    [TableSize]bool
	index   map[core.IPv4Addr]int
	next    int
}

// NewTable returns an empty store. enabled selects whether the table
// tier participates in lookups and learning; the cache always does.
func NewTable(enabled bool) *Table {
	return &Table{
		enabled: enabled,
		index:   make(map[core.IPv4Addr]int, TableSize),
	}
}

// Lookup resolves ip from the cache, then from the table. It never
// promotes or mutates: the cache tracks resolutions, not lookups.
func (t *Table) Lookup(ip core.IPv4Addr) (core.MACAddr, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.hasCache && t.cache.IP == ip {
		return t.cache.MAC, true
	}
	if !t.enabled {
		return core.MACAddr{}, false
	}
	if slot, ok := t.index[ip]; ok {
		return t.slots[slot].MAC, true
	}
	return core.MACAddr{}, false
}

// Learn stores a resolved pair in the cache and, when the tier is
// enabled, in the table. An existing entry for the same IP is updated
// in place; a new IP claims the next circular slot, evicting whatever
// occupied it.
func (t *Table) Learn(e core.ARPEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache = e
	t.hasCache = true

	if !t.enabled {
		return
	}

	if slot, ok := t.index[e.IP]; ok {
		t.slots[slot] = e
		return
	}

	slot := t.next
	t.next = (t.next + 1) % TableSize
	if t.used[slot] {
		delete(t.index, t.slots[slot].IP)
	}
	t.slots[slot] = e
	t.used[slot] = true
	t.index[e.IP] = slot
	metrics.ARPTableEntries.Set(float64(len(t.index)))
}

// Clear empties both tiers.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hasCache = false
	t.index = make(map[core.IPv4Addr]int, TableSize)
	t.used = [TableSize]bool{}
	t.next = 0
	metrics.ARPTableEntries.Set(0)
}

// Len reports the number of table entries. The cache is not counted.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.index)
}

// Preload installs static bindings before the controller starts, for
// deployments that run with a fixed neighbourhood.
func (t *Table) Preload(entries []core.ARPEntry) {
	for _, e := range entries {
		t.Learn(e)
	}
}
