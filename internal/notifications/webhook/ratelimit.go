package webhook

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimitInfo is the X-RateLimit-* header set returned on every response.
type RateLimitInfo struct {
	Limit        int
	HasLimit     bool
	Remaining    int
	HasRemaining bool
	Reset        float64 // epoch seconds
	ResetAfter   time.Duration
	Bucket       string
}

func parseRateLimitHeaders(h http.Header) RateLimitInfo {
	var info RateLimitInfo
	info.Limit, info.HasLimit = headerInt(h, "X-RateLimit-Limit")
	info.Remaining, info.HasRemaining = headerInt(h, "X-RateLimit-Remaining")
	if v, ok := headerFloat(h, "X-RateLimit-Reset"); ok {
		info.Reset = v
	}
	if v, ok := headerFloat(h, "X-RateLimit-Reset-After"); ok && v > 0 {
		info.ResetAfter = seconds(v)
	}
	info.Bucket = strings.TrimSpace(h.Get("X-RateLimit-Bucket"))
	return info
}

// Exhausted reports whether the bucket has no requests left.
func (i RateLimitInfo) Exhausted() bool {
	return i.HasRemaining && i.Remaining < 1
}

func (i RateLimitInfo) logArgs() []any {
	return []any{
		"ratelimit_limit", i.Limit,
		"ratelimit_remaining", i.Remaining,
		"ratelimit_reset", i.Reset,
		"ratelimit_reset_after", i.ResetAfter.Seconds(),
		"ratelimit_bucket", i.Bucket,
	}
}

// retryAfter picks the delay for a 429: the JSON body's retry_after, then the
// Retry-After header, then one second.
func retryAfter(body []byte, h http.Header) time.Duration {
	var parsed struct {
		RetryAfter *float64 `json:"retry_after"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.RetryAfter != nil && *parsed.RetryAfter >= 0 {
		return seconds(*parsed.RetryAfter)
	}
	if v, ok := headerFloat(h, "Retry-After"); ok && v >= 0 {
		return seconds(v)
	}
	return time.Second
}

// invalidEmbedIndexes extracts rejected embed positions from a 400 body. It
// understands a top-level "embeds" array of numbers or numeric strings and
// the nested "errors.embeds" object keyed by position. Indexes outside
// [0, n) are dropped.
func invalidEmbedIndexes(body []byte, n int) []int {
	var top map[string]json.RawMessage
	if json.Unmarshal(body, &top) != nil {
		return nil
	}

	seen := make(map[int]bool)
	add := func(i int) {
		if i >= 0 && i < n {
			seen[i] = true
		}
	}

	if raw, ok := top["embeds"]; ok {
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) == nil {
			for _, it := range items {
				var num float64
				if json.Unmarshal(it, &num) == nil {
					add(int(num))
					continue
				}
				var s string
				if json.Unmarshal(it, &s) == nil {
					if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
						add(i)
					}
				}
			}
		}
	}

	if raw, ok := top["errors"]; ok {
		var nested struct {
			Embeds map[string]json.RawMessage `json:"embeds"`
		}
		if json.Unmarshal(raw, &nested) == nil {
			for k := range nested.Embeds {
				if i, err := strconv.Atoi(k); err == nil {
					add(i)
				}
			}
		}
	}

	out := make([]int, 0, len(seen))
	for i := 0; i < n; i++ {
		if seen[i] {
			out = append(out, i)
		}
	}
	return out
}

func headerInt(h http.Header, key string) (int, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		f, ferr := strconv.ParseFloat(v, 64)
		if ferr != nil {
			return 0, false
		}
		n = int(f)
	}
	return n, true
}

func headerFloat(h http.Header, key string) (float64, bool) {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
