package llm

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

type RetryPolicy struct {
	// Attempts is the number of retries after the first call.
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

type retryingClient struct {
	inner  Client
	policy RetryPolicy
}

// WithRetry repeats transient failures with jittered exponential backoff.
// Streams are only retried while no delta has reached the caller.
func WithRetry(inner Client, policy RetryPolicy) StreamClient {
	if policy.Base <= 0 {
		policy.Base = 500 * time.Millisecond
	}
	if policy.Max <= 0 {
		policy.Max = 10 * time.Second
	}
	if policy.Attempts < 0 {
		policy.Attempts = 0
	}
	return &retryingClient{inner: inner, policy: policy}
}

func (r *retryingClient) backoff() retry.Backoff {
	exponential := retry.WithCappedDuration(r.policy.Max, retry.NewExponential(r.policy.Base))
	return retry.WithMaxRetries(uint64(r.policy.Attempts), retry.WithJitter(50*time.Millisecond, exponential))
}

func (r *retryingClient) Generate(ctx context.Context, messages []Message, opts GenerateOptions) (string, error) {
	var out string
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		text, err := r.inner.Generate(ctx, messages, opts)
		if err != nil {
			if IsTransient(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		out = text
		return nil
	})
	return out, err
}

func (r *retryingClient) GenerateStream(ctx context.Context, messages []Message, opts GenerateOptions, fn func(string) error) (StreamStats, error) {
	streamer, ok := r.inner.(StreamClient)
	if !ok {
		text, err := r.Generate(ctx, messages, opts)
		if err != nil {
			return StreamStats{}, err
		}
		if text == "" {
			return StreamStats{}, nil
		}
		return StreamStats{Chunks: 1}, fn(text)
	}

	var (
		stats     StreamStats
		delivered bool
	)
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		stats, err = streamer.GenerateStream(ctx, messages, opts, func(delta string) error {
			delivered = true
			return fn(delta)
		})
		if err != nil && !delivered && IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return stats, err
}
