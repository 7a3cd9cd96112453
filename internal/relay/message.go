package relay

import (
	"sync"

	"mailrelay/internal/types"
)

// QueuedMessage is one queue delivery. Acknowledge and Requeue are terminal;
// the queue adapter ignores every call after the first.
type QueuedMessage interface {
	Payload() types.EmailQueueMessage
	Acknowledge()
	Requeue()
}

// Outcome is the terminal state a run assigned to a message.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeAcknowledged
	OutcomeRequeued
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcknowledged:
		return "acknowledged"
	case OutcomeRequeued:
		return "requeued"
	default:
		return "pending"
	}
}

// tracked guards a message so that exactly one terminal call reaches it.
// Terminal calls happen only on the run goroutine.
type tracked struct {
	msg     QueuedMessage
	once    sync.Once
	outcome Outcome
}

func track(msgs []QueuedMessage) []*tracked {
	out := make([]*tracked, len(msgs))
	for i, m := range msgs {
		out[i] = &tracked{msg: m}
	}
	return out
}

func (t *tracked) acknowledge() {
	t.once.Do(func() {
		t.outcome = OutcomeAcknowledged
		t.msg.Acknowledge()
	})
}

func (t *tracked) requeue() {
	t.once.Do(func() {
		t.outcome = OutcomeRequeued
		t.msg.Requeue()
	})
}
