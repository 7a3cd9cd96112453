package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"mailrelay/internal/external"
	"mailrelay/internal/types"
)

// FetchPolicy bounds retries for objects that are not visible yet.
type FetchPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// DefaultFetchPolicy returns ten attempts, waiting 250ms*attempt capped at 2s.
func DefaultFetchPolicy() FetchPolicy {
	return FetchPolicy{MaxAttempts: 10, MinDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// delay is the wait after the given 1-based attempt.
func (p FetchPolicy) delay(attempt int) time.Duration {
	return min(p.MinDelay*time.Duration(attempt), p.MaxDelay)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Fetcher retrieves raw message bytes, retrying only on ErrNotFound.
type Fetcher struct {
	store  ObjectGetter
	policy FetchPolicy
	sleep  SleepFunc
	logger types.Logger
}

// NewFetcher creates a Fetcher. Zero policy fields take the defaults and a
// nil sleep waits on a timer, honoring ctx.
func NewFetcher(store ObjectGetter, policy FetchPolicy, sleep SleepFunc, logger types.Logger) *Fetcher {
	def := DefaultFetchPolicy()
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.MinDelay <= 0 {
		policy.MinDelay = def.MinDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if sleep == nil {
		sleep = SleepFunc(external.ContextSleep)
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Fetcher{store: store, policy: policy, sleep: sleep, logger: logger}
}

// Fetch returns the decoded object at ref. An empty object counts as not
// found. Exhausting all attempts returns an error wrapping ErrNotFound.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	for attempt := 1; ; attempt++ {
		data, err := f.fetchOnce(ctx, ref)
		if err == nil {
			if attempt > 1 {
				f.logger.Info("blob became visible after retry", "content_ref", ref, "attempt", attempt)
			}
			return data, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, types.NewAppError(types.ErrCodeFetchFailed, "failed to fetch raw message", err).
				WithDetails(map[string]any{"content_ref": ref})
		}
		if attempt >= f.policy.MaxAttempts {
			return nil, types.NewAppError(types.ErrCodeFetchNotFound,
				fmt.Sprintf("raw message missing after %d attempts", attempt), err).
				WithDetails(map[string]any{"content_ref": ref})
		}
		if sleepErr := f.sleep(ctx, f.policy.delay(attempt)); sleepErr != nil {
			return nil, types.NewAppError(types.ErrCodeFetchFailed, "fetch abandoned", sleepErr).
				WithDetails(map[string]any{"content_ref": ref})
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, ref string) ([]byte, error) {
	body, info, err := f.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrNotFound, ref)
	}
	if info.Key == "" {
		info.Key = ref
	}
	return decode(raw, info)
}
