package workstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the reload-and-retry loop callers run on ConflictError.
type RetryPolicy struct {
	MaxAttempts     int           // total attempts including the first
	InitialInterval time.Duration // wait after the first failed attempt
	Multiplier      float64
	MaxInterval     time.Duration // cap on a single wait
}

// DefaultRetryPolicy is 3 attempts with 1s then 2s between them, capped at 4s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 1 * time.Second,
		Multiplier:      2,
		MaxInterval:     4 * time.Second,
	}
}

// retryAfter is implemented by errors carrying a wait hint, such as the
// backpressure guard's rate-limit denial.
type retryAfter interface {
	RetryAfter() time.Duration
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// IsRetryable reports whether err is worth another attempt: an OCC conflict or
// a denial carrying a wait hint. Logic errors (invalid transitions, cycles,
// missing items) are never retried.
func IsRetryable(err error) bool {
	if IsConflict(err) {
		return true
	}
	var ra retryAfter
	return errors.As(err, &ra)
}

// Retry runs op until it succeeds, fails with a non-retryable error, or the
// policy is exhausted, in which case the last error is returned. For errors
// with a wait hint the hint is honoured before the backoff interval.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}

		var ra retryAfter
		if errors.As(err, &ra) && attempt < policy.MaxAttempts {
			if serr := sleepContext(ctx, ra.RetryAfter()); serr != nil {
				return backoff.Permanent(err)
			}
		}
		return err
	}, policy.newBackOff(ctx))
}

// UpdateWithRetry reloads the item, applies mutate and writes it back, retrying
// the whole cycle on conflict. An error from mutate stops the loop immediately.
func (s *Store) UpdateWithRetry(ctx context.Context, id string, mutate func(*WorkItem) error, policy RetryPolicy) (*WorkItem, error) {
	var result *WorkItem
	err := Retry(ctx, policy, func(ctx context.Context) error {
		item, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(item); err != nil {
			return backoff.Permanent(err)
		}
		if err := s.Update(ctx, item); err != nil {
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransitionWithRetry runs Transition under policy, waiting out rate-limit
// denials and retrying lost write races. Finding the item in a status other
// than from is returned at once, since reloading cannot change the outcome.
func (s *Store) TransitionWithRetry(ctx context.Context, id string, from, to Status, policy RetryPolicy, opts ...TransitionOption) (*WorkItem, error) {
	var result *WorkItem
	err := Retry(ctx, policy, func(ctx context.Context) error {
		item, err := s.Transition(ctx, id, from, to, opts...)
		if err != nil {
			var ce *ConflictError
			if errors.As(err, &ce) && ce.ExpectedStatus != "" && ce.ExpectedStatus != ce.ActualStatus {
				return backoff.Permanent(err)
			}
			return err
		}
		result = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
