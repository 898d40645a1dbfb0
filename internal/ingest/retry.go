package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/photobooth/internal/domain"
)

type Outcome string

const (
	OutcomePending          Outcome = "PENDING"
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeRetryableFailure Outcome = "RETRYABLE_FAILURE"
	OutcomeFatalFailure     Outcome = "FATAL_FAILURE"
)

// UploadAttempt records one try of one transport. It lives only in memory.
type UploadAttempt struct {
	Transport     TransportKind
	AttemptNumber int
	StartedAt     time.Time
	Outcome       Outcome
	Err           error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// RetryExecutor runs one strategy: up to Policy.MaxAttempts sequential
// attempts with exponential delays between them, stopping early on success
// or a fatal failure.
type RetryExecutor struct {
	Sleep Sleeper
	Now   func() time.Time
	// OnAttempt is called when an attempt starts and again when it settles.
	OnAttempt func(UploadAttempt)
}

func (e *RetryExecutor) Run(ctx context.Context, s Strategy, file File, progress ProgressFunc) (*domain.ProcessResponse, []UploadAttempt, error) {
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	now := e.Now
	if now == nil {
		now = time.Now
	}

	maxAttempts := max(s.Policy.MaxAttempts, 1)
	schedule := &backoff.ExponentialBackOff{
		InitialInterval:     s.Policy.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.Policy.BaseDelay << maxAttempts,
	}
	schedule.Reset()

	var (
		attempts []UploadAttempt
		lastErr  error
	)
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			if err := sleep(ctx, schedule.NextBackOff()); err != nil {
				return nil, attempts, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, attempts, err
		}

		attempt := UploadAttempt{
			Transport:     s.Transport.Kind(),
			AttemptNumber: n,
			StartedAt:     now(),
			Outcome:       OutcomePending,
		}
		e.notify(attempt)

		resp, err := s.Transport.Send(ctx, file, progress)
		switch {
		case err == nil:
			attempt.Outcome = OutcomeSuccess
		case IsFatal(err):
			attempt.Outcome = OutcomeFatalFailure
		default:
			attempt.Outcome = OutcomeRetryableFailure
		}
		attempt.Err = err
		attempts = append(attempts, attempt)
		e.notify(attempt)

		if err == nil {
			return resp, attempts, nil
		}
		lastErr = err
		if attempt.Outcome == OutcomeFatalFailure {
			break
		}
	}
	return nil, attempts, lastErr
}

func (e *RetryExecutor) notify(a UploadAttempt) {
	if e.OnAttempt != nil {
		e.OnAttempt(a)
	}
}
