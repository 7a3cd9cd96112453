package webhook

import "sync"

// RateState tracks consecutive rate-limit responses across sends and warm
// invocations. Each 429 adds one hit; each success subtracts the decay,
// floored at zero.
type RateState struct {
	mu    sync.Mutex
	hits  float64
	decay float64
}

// NewRateState creates a RateState. A non-positive decay uses 0.5.
func NewRateState(decay float64) *RateState {
	if decay <= 0 {
		decay = 0.5
	}
	return &RateState{decay: decay}
}

// Hits returns the current consecutive rate-limit score.
func (r *RateState) Hits() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits
}

// RecordRateLimit registers a 429 response.
func (r *RateState) RecordRateLimit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits++
}

// RecordSuccess registers a successful send.
func (r *RateState) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = max(r.hits-r.decay, 0)
}

// Set overwrites the score, for restoring state.
func (r *RateState) Set(hits float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits = max(hits, 0)
}
