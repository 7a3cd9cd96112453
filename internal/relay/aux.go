package relay

import (
	"maps"
	"sync"
)

// AuxStats counts auxiliary identifiers seen during one run. Safe for
// concurrent use.
type AuxStats struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewAuxStats creates an empty counter.
func NewAuxStats() *AuxStats {
	return &AuxStats{counts: make(map[string]int)}
}

// Increment adds one sighting of id.
func (a *AuxStats) Increment(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.counts[id]++
}

// Snapshot returns a copy of the counts.
func (a *AuxStats) Snapshot() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.counts)
}
