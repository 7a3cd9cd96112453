package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"mailrelay/internal/security"
	"mailrelay/internal/types"
)

// ErrRetryAfterTooLong is returned when a 429 asks for a longer wait than
// the sender is willing to block for. The batch is failed so the queue
// redelivers it later.
var ErrRetryAfterTooLong = errors.New("webhook: retry-after exceeds maximum wait")

// maxResponseBodyRead limits how much of a response body is read.
const maxResponseBodyRead = 4096

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SenderConfig tunes the sender.
type SenderConfig struct {
	BotToken            types.SecretString
	UserAgent           string
	PreemptiveThreshold float64
	PreemptiveDelay     time.Duration
	MaxRetryAfter       time.Duration
}

// Sender delivers batches one call at a time. It retries a rate-limited call
// exactly once and slows down pre-emptively while RateState is elevated.
type Sender struct {
	client HTTPDoer
	cfg    SenderConfig
	state  *RateState
	sleep  SleepFunc
	logger types.Logger
}

// NewSender creates a Sender. state is shared across invocations by the caller.
func NewSender(client HTTPDoer, cfg SenderConfig, state *RateState, sleep SleepFunc, logger types.Logger) *Sender {
	if cfg.PreemptiveThreshold <= 0 {
		cfg.PreemptiveThreshold = 3
	}
	if cfg.PreemptiveDelay <= 0 {
		cfg.PreemptiveDelay = time.Second
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = time.Minute
	}
	if sleep == nil {
		sleep = contextSleep
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Sender{client: client, cfg: cfg, state: state, sleep: sleep, logger: logger}
}

type response struct {
	status  int
	body    []byte
	header  http.Header
	readErr error
}

// Send posts batch to its destination.
func (s *Sender) Send(ctx context.Context, batch Batch) SendResult {
	log := s.logger.With(
		"destination", batch.Destination.Name,
		"units", len(batch.Units),
		"size", batch.TotalSize,
	)
	var res SendResult

	if hits := s.state.Hits(); hits >= s.cfg.PreemptiveThreshold {
		log.Info("delaying send after repeated rate limits",
			"consecutive_rate_limit_hits", hits,
			"delay_ms", s.cfg.PreemptiveDelay.Milliseconds(),
		)
		if err := s.sleep(ctx, s.cfg.PreemptiveDelay); err != nil {
			return fail(res, "pre-emptive delay interrupted", err)
		}
	}

	body, contentType, err := encodePayload(batch)
	if err != nil {
		return fail(res, "encode payload", err)
	}

	for {
		res.Attempts++
		resp, err := s.post(ctx, batch.Destination.URL, body, contentType)
		if err != nil {
			if security.IsSSRFError(err) {
				res.Permanent = true
				log.Error("webhook destination blocked by egress policy", "error", err,
					"error_code", types.ErrCodeUpstreamRejected)
				return fail(res, "destination blocked", err)
			}
			log.Error("webhook request failed", "attempt", res.Attempts, "error", err,
				"error_code", types.ErrCodeUpstreamUnavailable)
			return fail(res, "transport error", err)
		}
		res.StatusCode = resp.status
		if resp.readErr != nil {
			log.Warn("reading webhook response body failed", "status", resp.status, "error", resp.readErr)
		}

		rl := parseRateLimitHeaders(resp.header)
		log.Info("webhook response", append([]any{"status", resp.status, "attempt", res.Attempts}, rl.logArgs()...)...)
		// A first 429 waits retry_after below instead of the bucket reset.
		willRetry := resp.status == http.StatusTooManyRequests && res.Attempts == 1
		if !willRetry && rl.Exhausted() && rl.ResetAfter > 0 {
			wait := min(rl.ResetAfter, s.cfg.MaxRetryAfter)
			log.Info("rate limit bucket exhausted, waiting for reset", "wait_ms", wait.Milliseconds())
			if err := s.sleep(ctx, wait); err != nil {
				log.Warn("bucket reset wait interrupted", "error", err)
			}
		}

		switch {
		case resp.status >= 200 && resp.status < 300:
			s.state.RecordSuccess()
			res.OK = true
			res.Reason = ""
			return res

		case resp.status == http.StatusTooManyRequests:
			s.state.RecordRateLimit()
			res.RateLimited = true
			res.RetryAfter = retryAfter(resp.body, resp.header)
			log.Warn("webhook rate limited",
				"attempt", res.Attempts,
				"retry_after_ms", res.RetryAfter.Milliseconds(),
				"consecutive_rate_limit_hits", s.state.Hits(),
				"error_code", types.ErrCodeUpstreamRateLimited,
			)
			if res.Attempts > 1 {
				return fail(res, "rate limited on retry", nil)
			}
			if res.RetryAfter > s.cfg.MaxRetryAfter {
				return fail(res, fmt.Sprintf("retry-after %s exceeds %s", res.RetryAfter, s.cfg.MaxRetryAfter), ErrRetryAfterTooLong)
			}
			if err := s.sleep(ctx, res.RetryAfter); err != nil {
				return fail(res, "retry wait interrupted", err)
			}
			continue

		case resp.status == http.StatusBadRequest:
			res.InvalidIndexes = invalidEmbedIndexes(resp.body, len(batch.Units))
			s.logInvalidEmbeds(log, batch, res.InvalidIndexes, resp.body)
			res.Permanent = true
			return fail(res, "payload rejected (400)", nil)

		default:
			log.Error("webhook returned unexpected status",
				"status", resp.status,
				"body", truncateBody(resp.body),
				"error_code", statusCode(resp.status),
			)
			return fail(res, fmt.Sprintf("unexpected status %d", resp.status), nil)
		}
	}
}

func (s *Sender) post(ctx context.Context, url string, body []byte, contentType string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if s.cfg.BotToken.IsSet() {
		req.Header.Set("Authorization", "Bot "+s.cfg.BotToken.Unmask())
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyRead))
	return &response{status: resp.StatusCode, body: data, header: resp.Header, readErr: readErr}, nil
}

func (s *Sender) logInvalidEmbeds(log types.Logger, batch Batch, idx []int, body []byte) {
	if len(idx) == 0 {
		log.Error("webhook rejected payload",
			"body", truncateBody(body),
			"error_code", types.ErrCodeUpstreamValidationFailed,
		)
		return
	}
	for _, i := range idx {
		e := batch.Units[i].Embed
		log.Error("webhook rejected embed",
			"index", i,
			"title", e.Title,
			"description", truncateRunes(e.Description, 500),
			"error_code", types.ErrCodeUpstreamValidationFailed,
		)
	}
}

// encodePayload renders the batch as multipart/form-data with one
// payload_json field.
func encodePayload(batch Batch) ([]byte, string, error) {
	payload, err := json.Marshal(Payload{Embeds: batch.Embeds()})
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func fail(res SendResult, reason string, err error) SendResult {
	res.OK = false
	res.Reason = reason
	res.Err = err
	return res
}

func statusCode(status int) types.ErrorCode {
	if status >= 500 {
		return types.ErrCodeUpstreamUnavailable
	}
	return types.ErrCodeUpstreamRejected
}
