// Package relay drives one queue batch through fetch, extraction, formatting,
// batching and delivery, and settles every message exactly once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"mailrelay/internal/mailparse"
	"mailrelay/internal/notifications/webhook"
	"mailrelay/internal/types"
)

// DefaultConcurrency bounds per-message preparation.
const DefaultConcurrency = 10

// Fetcher loads a stored raw message.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Router picks the destination of a message.
type Router interface {
	Route(msg types.EmailQueueMessage) webhook.Destination
}

// Formatter renders a message as an embed.
type Formatter interface {
	Format(in webhook.FormatInput) (webhook.Embed, int, error)
}

// BatchSender delivers one batch.
type BatchSender interface {
	Send(ctx context.Context, batch webhook.Batch) webhook.SendResult
}

// StatsFlusher receives a run's statistics. It must not fail the run.
type StatsFlusher interface {
	Flush(ctx context.Context, deliveries []types.DeliveryStat, aux map[string]int)
}

// Config tunes the orchestrator.
type Config struct {
	Concurrency int
	Limits      webhook.Limits
	// Shuffle reorders batches before sending. Defaults to a uniform shuffle.
	Shuffle func(batches []webhook.Batch)
}

// Orchestrator runs queue batches. It is safe to reuse across invocations.
type Orchestrator struct {
	cfg       Config
	fetcher   Fetcher
	router    Router
	formatter Formatter
	sender    BatchSender
	flusher   StatsFlusher
	clock     types.Clock
	logger    types.Logger
}

// NewOrchestrator wires the run pipeline.
func NewOrchestrator(
	cfg Config,
	fetcher Fetcher,
	router Router,
	formatter Formatter,
	sender BatchSender,
	flusher StatsFlusher,
	clock types.Clock,
	logger types.Logger,
) *Orchestrator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Shuffle == nil {
		cfg.Shuffle = func(b []webhook.Batch) {
			rand.Shuffle(len(b), func(i, j int) { b[i], b[j] = b[j], b[i] })
		}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Orchestrator{
		cfg:       cfg,
		fetcher:   fetcher,
		router:    router,
		formatter: formatter,
		sender:    sender,
		flusher:   flusher,
		clock:     clock,
		logger:    logger,
	}
}

// prepared is the per-message outcome of the fan-out stage: either a unit
// ready for batching or a skip reason.
type prepared struct {
	unit    webhook.BatchUnit
	ok      bool
	code    types.ErrorCode
	reason  string
	skipErr error
}

func skipped(code types.ErrorCode, reason string, err error) prepared {
	return prepared{code: code, reason: reason, skipErr: err}
}

// Run processes msgs and returns once each has been acknowledged or
// requeued. Skipped messages are requeued. A panic during the run is
// recovered; unsettled messages are then requeued and stats still flushed.
func (o *Orchestrator) Run(ctx context.Context, msgs []QueuedMessage) (report RunReport) {
	runID := uuid.NewString()
	log := types.LoggerFrom(ctx, o.logger).With("run_id", runID)
	ctx = types.WithLogger(types.WithRunID(ctx, runID), log)

	report = RunReport{RunID: runID, Received: len(msgs)}
	handles := track(msgs)
	aux := NewAuxStats()
	stats := make(map[string]*types.DeliveryStat)

	defer func() {
		if r := recover(); r != nil {
			log.Error("relay run panicked",
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
				"error_code", types.ErrCodeInternalUnexpected,
			)
		}
		o.finish(ctx, log, handles, stats, aux, &report)
	}()

	log.Info("relay run started", "messages", len(msgs))

	dests := make([]webhook.Destination, len(handles))
	for i, h := range handles {
		dests[i] = o.router.Route(h.msg.Payload())
	}

	results := o.prepareAll(ctx, log, handles, aux)

	batches := o.assemble(dests, results)
	for i, r := range results {
		if !r.ok {
			report.Skipped++
			log.Warn("message skipped",
				"seq", i,
				"content_ref", handles[i].msg.Payload().ContentRef,
				"reason", r.reason,
				"error", errString(r.skipErr),
				"error_code", r.code,
			)
			handles[i].requeue()
		}
	}

	o.cfg.Shuffle(batches)
	report.Batches = len(batches)

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			log.Warn("run context done, requeueing unsent batch",
				"destination", b.Destination.Name,
				"units", len(b.Units),
				"error", err,
			)
			o.settle(handles, b, false)
			report.FailedBatches++
			continue
		}

		res := o.sender.Send(ctx, b)
		st := stats[b.Destination.Name]
		if st == nil {
			st = &types.DeliveryStat{Destination: b.Destination.Name}
			stats[b.Destination.Name] = st
		}
		st.TotalAPICalls += res.Attempts

		if res.OK {
			st.TotalUnits += len(b.Units)
			st.TotalBytes += b.TotalSize
			o.settle(handles, b, true)
			continue
		}

		report.FailedBatches++
		log.Error("batch delivery failed, requeueing",
			"destination", b.Destination.Name,
			"units", len(b.Units),
			"size", b.TotalSize,
			"status", res.StatusCode,
			"attempts", res.Attempts,
			"rate_limited", res.RateLimited,
			"permanent", res.Permanent,
			"reason", res.Reason,
			"error", errString(res.Err),
			"invalid_seqs", invalidSeqs(b, res.InvalidIndexes),
		)
		o.settle(handles, b, false)
	}
	return report
}

// prepareAll runs sender parsing, fetch, extraction and formatting for every
// message with bounded concurrency. Each task writes only its own slot and
// never fails the group.
func (o *Orchestrator) prepareAll(ctx context.Context, log types.Logger, handles []*tracked, aux *AuxStats) []prepared {
	results := make([]prepared, len(handles))

	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, h := range handles {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.Error("message preparation panicked",
						"seq", i,
						"panic", fmt.Sprintf("%v", r),
						"stack", string(debug.Stack()),
					)
					results[i] = skipped(types.ErrCodeInternalUnexpected, "panic during preparation", fmt.Errorf("panic: %v", r))
				}
			}()
			results[i] = o.prepare(ctx, log.With("seq", i), i, h.msg.Payload(), aux)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) prepare(ctx context.Context, log types.Logger, seq int, msg types.EmailQueueMessage, aux *AuxStats) prepared {
	rawFrom := msg.RawFromHeader
	if rawFrom == "" {
		rawFrom = msg.From
	}
	sender, err := mailparse.ParseSender(rawFrom)
	if err != nil {
		return skipped(types.ErrCodeSenderInvalid, "unparseable sender", err)
	}

	raw, err := o.fetcher.Fetch(ctx, msg.ContentRef)
	if err != nil {
		return skipped(types.CodeOf(err), "fetch failed", err)
	}

	content, err := mailparse.Extract(raw)
	if content != nil && msg.ShouldCheckAuxStats {
		if id, ok := content.AuxID(); ok {
			aux.Increment(id)
		} else {
			log.Info("no auxiliary identifier found", "content_ref", msg.ContentRef)
		}
	}
	if err != nil {
		if errors.Is(err, mailparse.ErrUnextractable) {
			return skipped(types.ErrCodeContentUnextractable, "no usable text", err)
		}
		return skipped(types.ErrCodeContentParse, "unparseable message", err)
	}

	subject := msg.Subject
	if subject == "" {
		subject = content.Subject()
	}
	ts := msg.ReceivedAt()
	if ts.IsZero() {
		ts = o.clock.Now()
	}

	embed, size, err := o.formatter.Format(webhook.FormatInput{
		Text:      content.Text,
		Subject:   subject,
		To:        msg.To,
		From:      rawFrom,
		Sender:    sender,
		Timestamp: ts,
	})
	if err != nil {
		if webhook.IsInvalidSender(err) {
			return skipped(types.ErrCodeSenderInvalid, "unparseable sender", err)
		}
		return skipped(types.ErrCodeFormatFailed, "format failed", err)
	}
	return prepared{unit: webhook.BatchUnit{Embed: embed, Size: size, Seq: seq}, ok: true}
}

// assemble groups prepared units by destination, preserving arrival order
// within each destination. Destinations appear in order of first use. A unit
// the assembler refuses is turned into a skip in results.
func (o *Orchestrator) assemble(dests []webhook.Destination, results []prepared) []webhook.Batch {
	assemblers := make(map[string]*webhook.Assembler)
	var order []string
	for i, r := range results {
		if !r.ok {
			continue
		}
		d := dests[i]
		a, ok := assemblers[d.Name]
		if !ok {
			a = webhook.NewAssembler(d, o.cfg.Limits)
			assemblers[d.Name] = a
			order = append(order, d.Name)
		}
		if err := a.Add(r.unit); err != nil {
			results[i] = skipped(types.ErrCodeFormatFailed, "unit exceeds payload limit", err)
		}
	}

	var batches []webhook.Batch
	for _, name := range order {
		batches = append(batches, assemblers[name].Batches()...)
	}
	return batches
}

func (o *Orchestrator) settle(handles []*tracked, b webhook.Batch, ok bool) {
	for _, u := range b.Units {
		if ok {
			handles[u.Seq].acknowledge()
		} else {
			handles[u.Seq].requeue()
		}
	}
}

// finish requeues anything unsettled, tallies the report and flushes stats.
func (o *Orchestrator) finish(ctx context.Context, log types.Logger, handles []*tracked, stats map[string]*types.DeliveryStat, aux *AuxStats, report *RunReport) {
	report.Outcomes = make([]Outcome, len(handles))
	report.Acknowledged, report.Requeued = 0, 0
	for i, h := range handles {
		if h.outcome == OutcomePending {
			log.Warn("requeueing unsettled message", "seq", i)
			h.requeue()
		}
		report.Outcomes[i] = h.outcome
		switch h.outcome {
		case OutcomeAcknowledged:
			report.Acknowledged++
		case OutcomeRequeued:
			report.Requeued++
		}
	}

	report.Stats = make([]DeliveryStat, 0, len(stats))
	for _, s := range stats {
		report.Stats = append(report.Stats, *s)
	}
	sort.Slice(report.Stats, func(i, j int) bool {
		return report.Stats[i].Destination < report.Stats[j].Destination
	})
	report.AuxCounts = aux.Snapshot()

	if o.flusher != nil {
		o.flusher.Flush(ctx, report.Stats, report.AuxCounts)
	}
	log.Info("relay run finished", report.LogArgs()...)
}

// invalidSeqs maps rejected embed positions to message sequence numbers.
func invalidSeqs(b webhook.Batch, idx []int) []int {
	if len(idx) == 0 {
		return nil
	}
	out := make([]int, 0, len(idx))
	for _, i := range idx {
		if i >= 0 && i < len(b.Units) {
			out = append(out, b.Units[i].Seq)
		}
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
