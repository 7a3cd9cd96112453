// Package webhook renders relayed messages as Discord embeds, packs them into
// size-bounded batches and delivers the batches while adapting to the
// remote rate limit.
package webhook

import "time"

// Discord embed limits, counted in characters.
const (
	MaxTitleLen  = 256
	MaxAuthorLen = 256
	MaxFooterLen = 2048

	// authorCompactLen is the label length past which name and address
	// are placed on separate lines.
	authorCompactLen = 64

	// maxMarkerLen bounds "<t:UNIX:F>" for any representable timestamp.
	maxMarkerLen = 26
)

// MinUnitSizeLimit is the smallest unit ceiling that holds a full title,
// author, footer and timestamp marker plus a trimmed body.
const MinUnitSizeLimit = MaxTitleLen + MaxAuthorLen + MaxFooterLen + maxMarkerLen + 1 + len(trimmedSuffix) + 1

// Default payload ceilings.
const (
	DefaultUnitSizeLimit     = 4096
	DefaultTotalPayloadLimit = 6000
	DefaultMaxUnitsPerBatch  = 10
)

// Embed is a single Discord embed.
type Embed struct {
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Author      EmbedAuthor `json:"author"`
	Footer      EmbedFooter `json:"footer"`
}

// EmbedAuthor is the author block of an embed.
type EmbedAuthor struct {
	Name string `json:"name"`
}

// EmbedFooter is the footer block of an embed.
type EmbedFooter struct {
	Text string `json:"text"`
}

// Payload is the JSON document sent in the payload_json form field.
type Payload struct {
	Embeds []Embed `json:"embeds"`
}

// Destination is a named webhook endpoint.
type Destination struct {
	Name string
	URL  string
}

// Limits are the payload ceilings applied while formatting and batching.
type Limits struct {
	UnitSizeLimit     int
	TotalPayloadLimit int
	MaxUnitsPerBatch  int
}

// DefaultLimits returns the ceilings Discord accepts for one webhook call.
func DefaultLimits() Limits {
	return Limits{
		UnitSizeLimit:     DefaultUnitSizeLimit,
		TotalPayloadLimit: DefaultTotalPayloadLimit,
		MaxUnitsPerBatch:  DefaultMaxUnitsPerBatch,
	}
}

// BatchUnit is a formatted embed plus the sequence number of the message it
// came from, which the caller uses to settle that message.
type BatchUnit struct {
	Embed Embed
	Size  int
	Seq   int
}

// Batch is one webhook call worth of units for a single destination.
type Batch struct {
	Destination Destination
	Units       []BatchUnit
	TotalSize   int
}

// Embeds returns the batch's embeds in order.
func (b Batch) Embeds() []Embed {
	out := make([]Embed, len(b.Units))
	for i, u := range b.Units {
		out[i] = u.Embed
	}
	return out
}

// SendResult describes the outcome of delivering one batch.
type SendResult struct {
	OK          bool
	StatusCode  int
	Attempts    int
	RateLimited bool
	// RetryAfter is the delay the remote asked for on the last 429.
	RetryAfter time.Duration
	Reason     string
	// InvalidIndexes lists embeds the remote rejected on a 400.
	InvalidIndexes []int
	// Permanent marks failures that redelivery cannot fix: a rejected
	// payload or a destination blocked by the egress guard.
	Permanent bool
	Err       error
}
