package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailrelay/internal/notifications/webhook"
	"mailrelay/internal/types"
)

// --- Fakes ---

type fakeMessage struct {
	payload  types.EmailQueueMessage
	acks     atomic.Int32
	requeues atomic.Int32
}

func (m *fakeMessage) Payload() types.EmailQueueMessage { return m.payload }
func (m *fakeMessage) Acknowledge()                     { m.acks.Add(1) }
func (m *fakeMessage) Requeue()                         { m.requeues.Add(1) }

func (m *fakeMessage) terminalCalls() int32 { return m.acks.Load() + m.requeues.Load() }

type fakeFetcher struct {
	objects map[string][]byte
	errs    map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, ref string) ([]byte, error) {
	if err, ok := f.errs[ref]; ok {
		return nil, err
	}
	if b, ok := f.objects[ref]; ok {
		return b, nil
	}
	return nil, types.NewAppError(types.ErrCodeFetchNotFound, "not found", nil)
}

type prefixRouter struct{}

// Route sends messages from *@github.com to "github" and everything else to "default".
func (prefixRouter) Route(msg types.EmailQueueMessage) webhook.Destination {
	if len(msg.From) > 11 && msg.From[len(msg.From)-11:] == "@github.com" {
		return webhook.Destination{Name: "github", URL: "https://hooks.example/github"}
	}
	return webhook.Destination{Name: "default", URL: "https://hooks.example/default"}
}

type scriptedSender struct {
	mu      sync.Mutex
	batches []webhook.Batch
	fail    map[string]bool
	panics  bool
}

func (s *scriptedSender) Send(_ context.Context, b webhook.Batch) webhook.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.panics {
		panic("sender exploded")
	}
	s.batches = append(s.batches, b)
	if s.fail[b.Destination.Name] {
		return webhook.SendResult{StatusCode: http.StatusBadGateway, Attempts: 1, Reason: "unexpected status 502"}
	}
	return webhook.SendResult{OK: true, StatusCode: http.StatusNoContent, Attempts: 1}
}

type recordingFlusher struct {
	calls      int
	deliveries []types.DeliveryStat
	aux        map[string]int
}

func (f *recordingFlusher) Flush(_ context.Context, d []types.DeliveryStat, aux map[string]int) {
	f.calls++
	f.deliveries = d
	f.aux = aux
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// --- Helpers ---

func rawEmail(from, subject, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\nTo: inbox@relay.example\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", from, subject, body))
}

func newMessage(i int, from string) *fakeMessage {
	return &fakeMessage{payload: types.EmailQueueMessage{
		From:          from,
		RawFromHeader: fmt.Sprintf("Sender %d <%s>", i, from),
		To:            "inbox@relay.example",
		Subject:       fmt.Sprintf("Message %d", i),
		ContentRef:    fmt.Sprintf("ref-%d", i),
		Timestamp:     1700000000000 + int64(i),
	}}
}

type fixture struct {
	msgs    []*fakeMessage
	fetcher *fakeFetcher
	sender  *scriptedSender
	flusher *recordingFlusher
}

func newFixture(froms ...string) *fixture {
	f := &fixture{
		fetcher: &fakeFetcher{objects: map[string][]byte{}, errs: map[string]error{}},
		sender:  &scriptedSender{fail: map[string]bool{}},
		flusher: &recordingFlusher{},
	}
	for i, from := range froms {
		m := newMessage(i, from)
		f.msgs = append(f.msgs, m)
		f.fetcher.objects[m.payload.ContentRef] = rawEmail(from, m.payload.Subject, fmt.Sprintf("body %d", i))
	}
	return f
}

func (f *fixture) queued() []QueuedMessage {
	out := make([]QueuedMessage, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m
	}
	return out
}

func (f *fixture) orchestrator(sender BatchSender) *Orchestrator {
	if sender == nil {
		sender = f.sender
	}
	return NewOrchestrator(
		Config{Concurrency: 4, Limits: webhook.DefaultLimits(), Shuffle: func([]webhook.Batch) {}},
		f.fetcher,
		prefixRouter{},
		webhook.NewFormatter(webhook.FormatterConfig{}),
		sender,
		f.flusher,
		fixedClock{time.Unix(1700000000, 0)},
		nil,
	)
}

func assertExactlyOneTerminal(t *testing.T, msgs []*fakeMessage) {
	t.Helper()
	for i, m := range msgs {
		assert.Equal(t, int32(1), m.terminalCalls(), "message %d", i)
	}
}

// --- Tests ---

func TestRun_AllDelivered(t *testing.T) {
	f := newFixture("a@example.com", "b@example.com", "c@example.com")
	report := f.orchestrator(nil).Run(context.Background(), f.queued())

	assertExactlyOneTerminal(t, f.msgs)
	for _, m := range f.msgs {
		assert.Equal(t, int32(1), m.acks.Load())
	}
	require.Len(t, f.sender.batches, 1)
	assert.Len(t, f.sender.batches[0].Units, 3)

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 3, report.Received)
	assert.Equal(t, 3, report.Acknowledged)
	assert.Zero(t, report.Requeued)
	assert.Equal(t, 1, report.Batches)

	require.Equal(t, 1, f.flusher.calls)
	require.Len(t, f.flusher.deliveries, 1)
	st := f.flusher.deliveries[0]
	assert.Equal(t, "default", st.Destination)
	assert.Equal(t, 3, st.TotalUnits)
	assert.Equal(t, 1, st.TotalAPICalls)
	assert.Equal(t, f.sender.batches[0].TotalSize, st.TotalBytes)
}

func TestRun_ArrivalOrderWithinDestination(t *testing.T) {
	froms := make([]string, 15)
	for i := range froms {
		froms[i] = fmt.Sprintf("user%d@example.com", i)
	}
	f := newFixture(froms...)
	f.orchestrator(nil).Run(context.Background(), f.queued())

	require.Len(t, f.sender.batches, 2)
	assert.Len(t, f.sender.batches[0].Units, 10)
	assert.Len(t, f.sender.batches[1].Units, 5)
	seq := 0
	for _, b := range f.sender.batches {
		for _, u := range b.Units {
			assert.Equal(t, seq, u.Seq)
			seq++
		}
	}
}

func TestRun_FailedBatchRequeuedOthersAcked(t *testing.T) {
	f := newFixture("notifications@github.com", "a@example.com", "noreply@github.com")
	f.sender.fail["github"] = true

	report := f.orchestrator(nil).Run(context.Background(), f.queued())

	assertExactlyOneTerminal(t, f.msgs)
	assert.Equal(t, int32(1), f.msgs[0].requeues.Load())
	assert.Equal(t, int32(1), f.msgs[1].acks.Load())
	assert.Equal(t, int32(1), f.msgs[2].requeues.Load())
	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, 1, report.FailedBatches)
	assert.Equal(t, []Outcome{OutcomeRequeued, OutcomeAcknowledged, OutcomeRequeued}, report.Outcomes)

	require.Len(t, f.flusher.deliveries, 2)
	assert.Equal(t, "default", f.flusher.deliveries[0].Destination)
	assert.Equal(t, "github", f.flusher.deliveries[1].Destination)
	assert.Zero(t, f.flusher.deliveries[1].TotalUnits)
	assert.Equal(t, 1, f.flusher.deliveries[1].TotalAPICalls)
}

func TestRun_SkippedMessagesRequeued(t *testing.T) {
	f := newFixture("a@example.com", "b@example.com", "c@example.com", "d@example.com")
	// Missing blob.
	delete(f.fetcher.objects, "ref-0")
	// Blank body.
	f.fetcher.objects["ref-1"] = []byte("From: b@example.com\r\nSubject: x\r\nContent-Type: text/plain\r\n\r\n \r\n\r\n")
	// Unparseable sender.
	f.msgs[2].payload.RawFromHeader = "not an address"
	f.msgs[2].payload.From = "not an address"

	report := f.orchestrator(nil).Run(context.Background(), f.queued())

	assertExactlyOneTerminal(t, f.msgs)
	for i := 0; i < 3; i++ {
		assert.Equal(t, int32(1), f.msgs[i].requeues.Load(), "message %d", i)
	}
	assert.Equal(t, int32(1), f.msgs[3].acks.Load())
	assert.Equal(t, 3, report.Skipped)
	assert.Equal(t, 3, report.Requeued)
	assert.Equal(t, 1, report.Acknowledged)
	require.Len(t, f.sender.batches, 1)
	assert.Len(t, f.sender.batches[0].Units, 1)
}

// oversizeFormatter reports an impossible size for one subject.
type oversizeFormatter struct {
	*webhook.Formatter
	subject string
}

func (f oversizeFormatter) Format(in webhook.FormatInput) (webhook.Embed, int, error) {
	e, size, err := f.Formatter.Format(in)
	if in.Subject == f.subject {
		size = webhook.DefaultTotalPayloadLimit + 1
	}
	return e, size, err
}

func TestRun_OversizedUnitSkipped(t *testing.T) {
	f := newFixture("a@example.com", "b@example.com")
	o := NewOrchestrator(
		Config{Limits: webhook.DefaultLimits(), Shuffle: func([]webhook.Batch) {}},
		f.fetcher, prefixRouter{},
		oversizeFormatter{webhook.NewFormatter(webhook.FormatterConfig{}), "Message 1"},
		f.sender, f.flusher, nil, nil,
	)

	report := o.Run(context.Background(), f.queued())

	assertExactlyOneTerminal(t, f.msgs)
	assert.Equal(t, int32(1), f.msgs[0].acks.Load())
	assert.Equal(t, int32(1), f.msgs[1].requeues.Load())
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, f.sender.batches, 1)
	assert.Len(t, f.sender.batches[0].Units, 1)
	assert.LessOrEqual(t, f.sender.batches[0].TotalSize, webhook.DefaultTotalPayloadLimit)
}

func TestRun_FetchErrorIsolated(t *testing.T) {
	f := newFixture("a@example.com", "b@example.com")
	f.fetcher.errs["ref-1"] = types.NewAppError(types.ErrCodeFetchFailed, "access denied", errors.New("403"))

	report := f.orchestrator(nil).Run(context.Background(), f.queued())

	assert.Equal(t, int32(1), f.msgs[0].acks.Load())
	assert.Equal(t, int32(1), f.msgs[1].requeues.Load())
	assert.Equal(t, 1, report.Skipped)
}

func TestRun_AuxIdentifiersCounted(t *testing.T) {
	f := newFixture("a@example.com", "b@example.com", "c@example.com")
	link := "See https://content.govdelivery.com/accounts/USLOC/bulletins/123 for more"
	for i, m := range f.msgs {
		m.payload.ShouldCheckAuxStats = i < 2
		f.fetcher.objects[m.payload.ContentRef] = rawEmail(m.payload.From, "s", link)
	}

	report := f.orchestrator(nil).Run(context.Background(), f.queued())

	assert.Equal(t, map[string]int{"USLOC": 2}, report.AuxCounts)
	assert.Equal(t, map[string]int{"USLOC": 2}, f.flusher.aux)
}

func TestRun_PanicRequeuesEverything(t *testing.T) {
	f := newFixture("a@example.com", "b@example.com")
	f.sender.panics = true

	var report RunReport
	require.NotPanics(t, func() {
		report = f.orchestrator(nil).Run(context.Background(), f.queued())
	})

	assertExactlyOneTerminal(t, f.msgs)
	for _, m := range f.msgs {
		assert.Equal(t, int32(1), m.requeues.Load())
	}
	assert.Equal(t, 2, report.Requeued)
	assert.Equal(t, 1, f.flusher.calls)
}

func TestRun_CancelledContextRequeues(t *testing.T) {
	f := newFixture("a@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := f.orchestrator(nil).Run(ctx, f.queued())

	assertExactlyOneTerminal(t, f.msgs)
	assert.Equal(t, int32(1), f.msgs[0].requeues.Load())
	assert.Empty(t, f.sender.batches)
	assert.Equal(t, 1, report.FailedBatches)
}

func TestRun_Empty(t *testing.T) {
	f := newFixture()
	report := f.orchestrator(nil).Run(context.Background(), nil)

	assert.Zero(t, report.Received)
	assert.Zero(t, report.Batches)
	assert.Equal(t, 1, f.flusher.calls)
}

// recordSleep collects sleeps requested by the real sender.
type recordSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func TestRun_RateLimitedBatchRetriedOnce(t *testing.T) {
	tests := []struct {
		name        string
		secondCode  int
		wantAcked   bool
		wantAttempt int
	}{
		{"retry succeeds", http.StatusNoContent, true, 2},
		{"retry fails", http.StatusTooManyRequests, false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if calls.Add(1) == 1 {
					w.WriteHeader(http.StatusTooManyRequests)
					_, _ = w.Write([]byte(`{"retry_after": 2}`))
					return
				}
				w.WriteHeader(tt.secondCode)
				if tt.secondCode == http.StatusTooManyRequests {
					_, _ = w.Write([]byte(`{"retry_after": 2}`))
				}
			}))
			defer server.Close()

			f := newFixture("a@example.com")
			rec := &recordSleep{}
			sender := webhook.NewSender(server.Client(), webhook.SenderConfig{}, webhook.NewRateState(0.5), rec.sleep, nil)
			router := staticRouter{webhook.Destination{Name: "default", URL: server.URL}}
			o := NewOrchestrator(
				Config{Shuffle: func([]webhook.Batch) {}},
				f.fetcher, router, webhook.NewFormatter(webhook.FormatterConfig{}), sender, f.flusher, nil, nil,
			)

			o.Run(context.Background(), f.queued())

			assert.Equal(t, int32(tt.wantAttempt), calls.Load())
			assert.Equal(t, []time.Duration{2 * time.Second}, rec.waits)
			assert.Equal(t, tt.wantAcked, f.msgs[0].acks.Load() == 1)
			assert.Equal(t, !tt.wantAcked, f.msgs[0].requeues.Load() == 1)
			assertExactlyOneTerminal(t, f.msgs)
			assert.Equal(t, tt.wantAttempt, f.flusher.deliveries[0].TotalAPICalls)
		})
	}
}

func TestRun_PreemptiveDelayFromPriorRun(t *testing.T) {
	// Calls 1-2 are a 429 and its failed retry, call 3 a 429 whose wait is
	// too long to honor. Everything after succeeds.
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1, 2:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"retry_after": 2}`))
		case 3:
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"retry_after": 3600}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	state := webhook.NewRateState(0.5)
	rec := &recordSleep{}
	sender := webhook.NewSender(server.Client(), webhook.SenderConfig{PreemptiveDelay: time.Second}, state, rec.sleep, nil)

	f := newFixture("a@example.com", "b@github.com", "c@example.com")
	router := pathRouter{base: server.URL}
	o := NewOrchestrator(
		Config{Shuffle: func([]webhook.Batch) {}},
		f.fetcher, router, webhook.NewFormatter(webhook.FormatterConfig{}), sender, f.flusher, nil, nil,
	)
	queued := f.queued()

	first := o.Run(context.Background(), queued[:2])
	assert.Equal(t, 2, first.FailedBatches)
	assert.Equal(t, 3.0, state.Hits())
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.waits)

	second := o.Run(context.Background(), queued[2:])
	assert.Equal(t, 1, second.Acknowledged)
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, rec.waits)
	assert.Equal(t, 2.5, state.Hits())
	assert.Equal(t, int32(4), calls.Load())
	assertExactlyOneTerminal(t, f.msgs)
}

// pathRouter sends github.com senders to /github and everything else to
// /default on base.
type pathRouter struct{ base string }

func (p pathRouter) Route(msg types.EmailQueueMessage) webhook.Destination {
	d := prefixRouter{}.Route(msg)
	d.URL = p.base + "/" + d.Name
	return d
}

type staticRouter struct{ d webhook.Destination }

func (s staticRouter) Route(types.EmailQueueMessage) webhook.Destination { return s.d }

func TestTracked_FirstTerminalWins(t *testing.T) {
	m := &fakeMessage{}
	h := track([]QueuedMessage{m})[0]
	h.acknowledge()
	h.requeue()
	h.acknowledge()

	assert.Equal(t, OutcomeAcknowledged, h.outcome)
	assert.Equal(t, int32(1), m.acks.Load())
	assert.Zero(t, m.requeues.Load())
	assert.Equal(t, "acknowledged", h.outcome.String())
}

func TestAuxStats(t *testing.T) {
	a := NewAuxStats()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Increment("X")
		}()
	}
	wg.Wait()
	snap := a.Snapshot()
	assert.Equal(t, 50, snap["X"])
	snap["X"] = 0
	assert.Equal(t, 50, a.Snapshot()["X"])
}
