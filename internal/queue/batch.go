// Package queue adapts Lambda SQS events to relay messages and reports
// per-message outcomes back as a partial batch response.
package queue

import (
	"context"
	"encoding/json"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"mailrelay/internal/relay"
	"mailrelay/internal/types"
)

// maxVisibilityBatch is the SQS limit for ChangeMessageVisibilityBatch entries.
const maxVisibilityBatch = 10

// VisibilityChanger abstracts the SQS ChangeMessageVisibilityBatch operation
// for testability. Production code uses the *sqs.Client from aws-sdk-go-v2.
type VisibilityChanger interface {
	ChangeMessageVisibilityBatch(ctx context.Context, params *sqs.ChangeMessageVisibilityBatchInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityBatchOutput, error)
}

// Backoff delays redelivery of requeued messages. A nil Client or empty
// QueueURL disables it.
type Backoff struct {
	Client     VisibilityChanger
	QueueURL   string
	Visibility time.Duration
}

func (b Backoff) enabled() bool {
	return b.Client != nil && b.QueueURL != "" && b.Visibility > 0
}

type state int

const (
	statePending state = iota
	stateAcked
	stateRequeued
)

// Message is one SQS record. The first terminal call wins.
type Message struct {
	record  events.SQSMessage
	payload types.EmailQueueMessage

	mu    sync.Mutex
	state state
}

// Payload returns the decoded message body.
func (m *Message) Payload() types.EmailQueueMessage { return m.payload }

// Acknowledge marks the record as processed.
func (m *Message) Acknowledge() { m.settle(stateAcked) }

// Requeue marks the record for redelivery.
func (m *Message) Requeue() { m.settle(stateRequeued) }

func (m *Message) settle(s state) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == statePending {
		m.state = s
	}
}

func (m *Message) current() state {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Batch is a decoded SQS event.
type Batch struct {
	messages  []*Message
	malformed int
	backoff   Backoff
	logger    types.Logger
}

// NewBatch decodes every record body. Records whose body is not valid JSON
// are logged and dropped as acknowledged: redelivery cannot fix them.
func NewBatch(event events.SQSEvent, backoff Backoff, logger types.Logger) *Batch {
	if logger == nil {
		logger = types.NopLogger{}
	}
	b := &Batch{backoff: backoff, logger: logger}
	now := time.Now()
	for _, record := range event.Records {
		var payload types.EmailQueueMessage
		if err := json.Unmarshal([]byte(record.Body), &payload); err != nil {
			logger.Error("failed to unmarshal queue message",
				"message_id", record.MessageId,
				"error", err.Error(),
				"error_code", types.ErrCodePayloadInvalid,
			)
			b.malformed++
			continue
		}
		if sent, ok := sentTimestamp(record); ok {
			logger.Info("queue message received",
				"message_id", record.MessageId,
				"content_ref", payload.ContentRef,
				"queue_lag_ms", now.Sub(sent).Milliseconds(),
			)
		}
		b.messages = append(b.messages, &Message{record: record, payload: payload})
	}
	return b
}

// Messages returns the decodable records as relay messages.
func (b *Batch) Messages() []relay.QueuedMessage {
	out := make([]relay.QueuedMessage, len(b.messages))
	for i, m := range b.messages {
		out[i] = m
	}
	return out
}

// Malformed is the number of records dropped at decode time.
func (b *Batch) Malformed() int { return b.malformed }

// Response lists requeued and unsettled records as batch item failures, and
// applies the requeue backoff when configured. Backoff errors are logged only.
func (b *Batch) Response(ctx context.Context) events.SQSEventResponse {
	var resp events.SQSEventResponse
	var requeued []*Message
	for _, m := range b.messages {
		switch m.current() {
		case stateAcked:
			continue
		case statePending:
			b.logger.Warn("message left unsettled, reporting failure", "message_id", m.record.MessageId)
		}
		requeued = append(requeued, m)
		resp.BatchItemFailures = append(resp.BatchItemFailures,
			events.SQSBatchItemFailure{ItemIdentifier: m.record.MessageId},
		)
	}

	if len(requeued) > 0 && b.backoff.enabled() {
		b.delay(ctx, requeued)
	}
	return resp
}

func (b *Batch) delay(ctx context.Context, msgs []*Message) {
	secs := int32(b.backoff.Visibility / time.Second)
	for chunk := range slices.Chunk(msgs, maxVisibilityBatch) {
		entries := make([]sqsTypes.ChangeMessageVisibilityBatchRequestEntry, 0, len(chunk))
		for i, m := range chunk {
			entries = append(entries, sqsTypes.ChangeMessageVisibilityBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				ReceiptHandle:     aws.String(m.record.ReceiptHandle),
				VisibilityTimeout: secs,
			})
		}
		out, err := b.backoff.Client.ChangeMessageVisibilityBatch(ctx, &sqs.ChangeMessageVisibilityBatchInput{
			QueueUrl: aws.String(b.backoff.QueueURL),
			Entries:  entries,
		})
		if err != nil {
			b.logger.Warn("failed to delay requeued messages", "count", len(chunk), "error", err.Error())
			continue
		}
		for _, f := range out.Failed {
			b.logger.Warn("failed to delay requeued message",
				"entry", aws.ToString(f.Id),
				"code", aws.ToString(f.Code),
				"message", aws.ToString(f.Message),
			)
		}
	}
}

func sentTimestamp(record events.SQSMessage) (time.Time, bool) {
	raw, ok := record.Attributes["SentTimestamp"]
	if !ok {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
