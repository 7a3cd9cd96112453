package webhook

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnitTooLarge is returned by Add for a unit that can never fit a batch.
var ErrUnitTooLarge = errors.New("unit exceeds total payload limit")

// Assembler packs units for one destination into batches with a greedy
// single pass: a unit joins the open batch unless that would exceed the
// payload or count ceiling, in which case the batch is sealed.
type Assembler struct {
	dest   Destination
	limits Limits

	mu     sync.Mutex
	sealed []Batch
	open   *Batch
}

// NewAssembler creates an Assembler. Zero limits take the defaults.
func NewAssembler(dest Destination, limits Limits) *Assembler {
	def := DefaultLimits()
	if limits.TotalPayloadLimit <= 0 {
		limits.TotalPayloadLimit = def.TotalPayloadLimit
	}
	if limits.MaxUnitsPerBatch <= 0 {
		limits.MaxUnitsPerBatch = def.MaxUnitsPerBatch
	}
	return &Assembler{dest: dest, limits: limits}
}

// Add appends a unit. A unit larger than the total payload limit is refused
// with ErrUnitTooLarge and leaves the batches unchanged.
func (a *Assembler) Add(u BatchUnit) error {
	if u.Size > a.limits.TotalPayloadLimit {
		return fmt.Errorf("seq %d size %d limit %d: %w", u.Seq, u.Size, a.limits.TotalPayloadLimit, ErrUnitTooLarge)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open != nil &&
		(a.open.TotalSize+u.Size > a.limits.TotalPayloadLimit || len(a.open.Units) >= a.limits.MaxUnitsPerBatch) {
		a.sealed = append(a.sealed, *a.open)
		a.open = nil
	}
	if a.open == nil {
		a.open = &Batch{Destination: a.dest}
	}
	a.open.Units = append(a.open.Units, u)
	a.open.TotalSize += u.Size
	return nil
}

// Batches returns the sealed batches followed by the open one, if any.
func (a *Assembler) Batches() []Batch {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Batch, 0, len(a.sealed)+1)
	out = append(out, a.sealed...)
	if a.open != nil && len(a.open.Units) > 0 {
		out = append(out, *a.open)
	}
	return out
}

// Assemble packs units for dest in order and returns the units it refused.
func Assemble(dest Destination, units []BatchUnit, limits Limits) (batches []Batch, refused []BatchUnit) {
	a := NewAssembler(dest, limits)
	for _, u := range units {
		if err := a.Add(u); err != nil {
			refused = append(refused, u)
		}
	}
	return a.Batches(), refused
}
