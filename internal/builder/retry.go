package builder

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RetryRunner runs independent jobs on a bounded pool. Jobs that fail are
// resubmitted in later rounds, after a random backoff, until MaxAttempts
// rounds have run. Failure is reported by absence from the result.
type RetryRunner[T comparable] struct {
	Concurrency int
	MaxAttempts int
	MaxBackoff  time.Duration // upper bound of the backoff; the lower bound is one second
	Logger      *zap.Logger

	// test hooks
	sleep   func(ctx context.Context, d time.Duration) error
	backoff func() time.Duration
}

func NewRetryRunner[T comparable](logger *zap.Logger, concurrency, maxAttempts int, maxBackoff time.Duration) *RetryRunner[T] {
	return &RetryRunner[T]{
		Concurrency: concurrency,
		MaxAttempts: maxAttempts,
		MaxBackoff:  maxBackoff,
		Logger:      logger,
	}
}

// Run returns the jobs that succeeded in some round, in input order within
// each round. Duplicate jobs are run once.
func (r *RetryRunner[T]) Run(ctx context.Context, jobs []T, fn func(ctx context.Context, job T) bool) []T {
	pending := uniq(jobs)
	var succeeded []T

	maxAttempts := max(r.MaxAttempts, 1)
	for attempt := 1; len(pending) > 0; attempt++ {
		ok, failed := r.round(ctx, pending, fn)
		succeeded = append(succeeded, ok...)
		pending = failed

		if len(pending) == 0 || attempt >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := r.nextBackoff()
		r.Logger.Info("retrying failed jobs",
			zap.Int("attempt", attempt),
			zap.Int("failed", len(pending)),
			zap.Duration("backoff", delay))
		if err := r.doSleep(ctx, delay); err != nil {
			break
		}
	}

	for _, job := range pending {
		r.Logger.Error("job failed on every attempt, dropping it",
			zap.String("job", fmt.Sprint(job)),
			zap.Int("attempts", maxAttempts))
	}
	return succeeded
}

// round runs every job once and partitions them by outcome.
func (r *RetryRunner[T]) round(ctx context.Context, jobs []T, fn func(context.Context, T) bool) (ok, failed []T) {
	results := make([]bool, len(jobs))

	var g errgroup.Group
	g.SetLimit(max(r.Concurrency, 1))
	for i, job := range jobs {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			results[i] = r.safeCall(ctx, job, fn)
			return nil
		})
	}
	g.Wait()

	for i, job := range jobs {
		if results[i] {
			ok = append(ok, job)
		} else {
			failed = append(failed, job)
		}
	}
	return ok, failed
}

// a panicking job counts as a failed one
func (r *RetryRunner[T]) safeCall(ctx context.Context, job T, fn func(context.Context, T) bool) (success bool) {
	defer func() {
		if p := recover(); p != nil {
			r.Logger.Error("job panicked",
				zap.String("job", fmt.Sprint(job)),
				zap.Any("panic", p))
			success = false
		}
	}()
	return fn(ctx, job)
}

func (r *RetryRunner[T]) nextBackoff() time.Duration {
	if r.backoff != nil {
		return r.backoff()
	}
	return randomBackoff(r.MaxBackoff)
}

func (r *RetryRunner[T]) doSleep(ctx context.Context, d time.Duration) error {
	if r.sleep != nil {
		return r.sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// randomBackoff draws a whole number of seconds uniformly from [1, maxBackoff].
func randomBackoff(maxBackoff time.Duration) time.Duration {
	maxSeconds := int64(maxBackoff / time.Second)
	if maxSeconds <= 1 {
		return time.Second
	}
	return time.Duration(1+rand.Int64N(maxSeconds)) * time.Second
}

func uniq[T comparable](jobs []T) []T {
	seen := make(map[T]struct{}, len(jobs))
	out := make([]T, 0, len(jobs))
	for _, job := range jobs {
		if _, ok := seen[job]; ok {
			continue
		}
		seen[job] = struct{}{}
		out = append(out, job)
	}
	return out
}
