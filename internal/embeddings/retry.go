package embeddings

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultMaxRetries is used when a provider config does not set max_retries.
const DefaultMaxRetries = 7

// RetryPolicy shapes the exponential backoff applied around provider calls.
type RetryPolicy struct {
	MaxRetries          int           // retries after the first attempt; 0 disables retrying
	InitialInterval     time.Duration // delay before the first retry
	MaxInterval         time.Duration // cap on a single delay
	Multiplier          float64       // growth factor between delays
	RandomizationFactor float64       // jitter, 0 for deterministic delays
	AttemptTimeout      time.Duration // per-attempt deadline, 0 for none
}

// DefaultRetryPolicy returns 7 retries starting at one second, doubling with
// jitter up to a minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          DefaultMaxRetries,
		InitialInterval:     time.Second,
		MaxInterval:         time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// PolicyFor returns the retry policy of fn, or the default for functions
// that were not created through a registry.
func PolicyFor(fn Function) RetryPolicy {
	if inst, ok := fn.(*Instance); ok {
		return inst.retry
	}
	return DefaultRetryPolicy()
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	} else {
		b.InitialInterval = time.Millisecond
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return b
}

// Retry runs op until it succeeds, fails permanently or the policy's retries
// are used up. The error of the last attempt is returned on exhaustion.
// Cancelling ctx stops retrying immediately.
func Retry[T any](ctx context.Context, p RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()

		v, err := op(actx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if errors.Is(err, context.DeadlineExceeded) && actx.Err() != nil {
			err = ProviderFailure("", err)
		}
		if !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	maxTries := uint(1)
	if p.MaxRetries > 0 {
		maxTries = uint(p.MaxRetries) + 1
	}
	v, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Printf("embeddings: attempt %d failed, retrying in %s: %v", attempt, next, err)
		}),
	)
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// ComputeSource embeds source items through fn with retries.
func ComputeSource(ctx context.Context, fn Function, p RetryPolicy, items []Input) ([][]float32, error) {
	return Retry(ctx, p, func(ctx context.Context) ([][]float32, error) {
		return fn.SourceEmbeddings(ctx, items)
	})
}

// ComputeQuery embeds query items through fn with retries.
func ComputeQuery(ctx context.Context, fn Function, p RetryPolicy, items []Input) ([][]float32, error) {
	return Retry(ctx, p, func(ctx context.Context) ([][]float32, error) {
		return fn.QueryEmbeddings(ctx, items)
	})
}
