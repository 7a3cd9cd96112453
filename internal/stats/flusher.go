package stats

import (
	"cmp"
	"context"
	"slices"

	"mailrelay/internal/types"
)

// DefaultMaxDataPoints bounds the points written per run.
const DefaultMaxDataPoints = 25

// Flusher writes a run's statistics through a Writer.
type Flusher struct {
	writer    Writer
	maxPoints int
	logger    types.Logger
}

// NewFlusher creates a Flusher. maxPoints <= 0 uses DefaultMaxDataPoints.
func NewFlusher(w Writer, maxPoints int, logger types.Logger) *Flusher {
	if maxPoints <= 0 {
		maxPoints = DefaultMaxDataPoints
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Flusher{writer: w, maxPoints: maxPoints, logger: logger}
}

// Flush writes one point per destination, then one per auxiliary identifier
// with a positive count, highest count first. Writing stops once maxPoints
// points have been attempted; the identifiers left out are logged. Write
// errors are logged and do not stop the flush.
func (f *Flusher) Flush(ctx context.Context, deliveries []types.DeliveryStat, aux map[string]int) {
	log := types.LoggerFrom(ctx, f.logger)
	written := 0

	dests := slices.Clone(deliveries)
	slices.SortFunc(dests, func(a, b types.DeliveryStat) int {
		return cmp.Compare(a.Destination, b.Destination)
	})
	for _, d := range dests {
		if written >= f.maxPoints {
			log.Warn("stats cap reached, dropping destination stat", "destination", d.Destination)
			continue
		}
		written++
		f.write(ctx, log, d.DataPoint())
	}

	ids := sortedIdentifiers(aux)
	var dropped []string
	for _, id := range ids {
		if written >= f.maxPoints {
			dropped = append(dropped, id)
			continue
		}
		written++
		f.write(ctx, log, types.DataPoint{
			Dataset: types.DatasetAuxIdentifiers,
			Blobs:   []string{id},
			Doubles: []float64{float64(aux[id])},
			Indexes: []string{id},
		})
	}
	if len(dropped) > 0 {
		log.Warn("stats cap reached, dropping identifiers",
			"max_data_points", f.maxPoints,
			"dropped", dropped,
		)
	}
}

func (f *Flusher) write(ctx context.Context, log types.Logger, p types.DataPoint) {
	if err := f.writer.Write(ctx, p); err != nil {
		log.Error("failed to write data point",
			"dataset", p.Dataset,
			"blobs", p.Blobs,
			"error", err,
			"error_code", types.ErrCodeStatsWriteFailed,
		)
	}
}

// sortedIdentifiers returns identifiers with a positive count ordered by
// count descending, then name.
func sortedIdentifiers(aux map[string]int) []string {
	ids := make([]string, 0, len(aux))
	for id, n := range aux {
		if n > 0 {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		if c := cmp.Compare(aux[b], aux[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return ids
}
