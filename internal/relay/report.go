package relay

import "mailrelay/internal/types"

// DeliveryStat is what one run delivered to a destination.
type DeliveryStat = types.DeliveryStat

// RunReport summarizes a run.
type RunReport struct {
	RunID         string
	Received      int
	Acknowledged  int
	Requeued      int
	Skipped       int
	Batches       int
	FailedBatches int
	Stats         []DeliveryStat
	AuxCounts     map[string]int
	// Outcomes holds the terminal state of each message, by input position.
	Outcomes []Outcome
}

// LogArgs renders the report as structured log attributes.
func (r RunReport) LogArgs() []any {
	return []any{
		"run_id", r.RunID,
		"received", r.Received,
		"acknowledged", r.Acknowledged,
		"requeued", r.Requeued,
		"skipped", r.Skipped,
		"batches", r.Batches,
		"failed_batches", r.FailedBatches,
	}
}
