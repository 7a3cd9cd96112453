package types

import "time"

// EmailQueueMessage is the SQS payload produced by the inbound email worker
// after it has stored the raw message in the blob bucket. JSON tags use
// camelCase to match the producer.
type EmailQueueMessage struct {
	// Envelope From attribute of the email message.
	From string `json:"from"`
	// Raw From header, e.g. `"Disqus" <notifications@disqus.net>`.
	RawFromHeader string `json:"rawFromHeader"`
	// Envelope To attribute of the email message.
	To      string `json:"to"`
	Subject string `json:"subject"`
	// Key of the raw email in the blob bucket.
	ContentRef string `json:"contentRef"`
	// Receive time in unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Whether the body should be scanned for auxiliary tracking identifiers.
	ShouldCheckAuxStats bool `json:"shouldCheckAuxStats"`
}

// ReceivedAt converts Timestamp to a UTC time. A zero timestamp yields the
// zero time.
func (m EmailQueueMessage) ReceivedAt() time.Time {
	if m.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.Timestamp).UTC()
}
