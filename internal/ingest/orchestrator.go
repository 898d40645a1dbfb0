// Package ingest is the client side of the upload protocol. An Orchestrator
// validates a file, then walks an ordered chain of transports (streamed
// multipart, buffered multipart, base64 JSON), retrying each with
// exponential backoff before escalating to the next.
package ingest

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/domain"
)

// Listener observes an orchestrator. Callbacks never overlap: Progress may
// run on a transport goroutine while an attempt is in flight, but never
// after that attempt has returned. Callbacks must not call back into the
// orchestrator.
type Listener interface {
	StateChanged(from, to UploadState)
	Progress(percent int)
	Attempt(UploadAttempt)
}

type UploadResult struct {
	ID        string
	URL       string
	Message   string
	Transport TransportKind
	Attempts  []UploadAttempt
}

// Snapshot is a consistent view of the orchestrator for rendering.
type Snapshot struct {
	State    UploadState
	Progress int
	Message  string
	Err      error
	Result   *UploadResult
	Attempts []UploadAttempt
}

type Config struct {
	Chain    []Strategy
	Listener Listener
	Logger   *log.Logger
	Sleep    Sleeper
	Now      func() time.Time
}

type Orchestrator struct {
	chain    []Strategy
	listener Listener
	logger   *log.Logger
	exec     *RetryExecutor

	mu       sync.Mutex
	state    UploadState
	inFlight bool
	progress int
	file     *File
	message  string
	err      error
	result   *UploadResult
	attempts []UploadAttempt
}

func NewOrchestrator(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	o := &Orchestrator{
		chain:    slices.Clone(cfg.Chain),
		listener: cfg.Listener,
		logger:   logger,
		state:    StateIdle,
	}
	o.exec = &RetryExecutor{
		Sleep:     cfg.Sleep,
		Now:       cfg.Now,
		OnAttempt: o.observeAttempt,
	}
	return o
}

// Submit validates file and uploads it. It is only legal from IDLE.
func (o *Orchestrator) Submit(ctx context.Context, file File) (UploadResult, error) {
	if err := o.begin(StateValidating); err != nil {
		return UploadResult{}, err
	}
	defer o.finish()

	o.transition(StateValidating)
	if err := Validate(file); err != nil {
		o.logger.Warn("file rejected", "name", file.Name, "err", err)
		o.fail(err)
		return UploadResult{}, err
	}

	o.mu.Lock()
	o.file = &file
	o.mu.Unlock()
	return o.upload(ctx, file)
}

// Retry re-runs the whole transport chain with the previously validated
// file. It is only legal from ERROR.
func (o *Orchestrator) Retry(ctx context.Context) (UploadResult, error) {
	if err := o.begin(StateUploading); err != nil {
		return UploadResult{}, err
	}
	defer o.finish()

	o.mu.Lock()
	file := o.file
	o.mu.Unlock()
	if file == nil {
		return UploadResult{}, ErrNothingToRetry
	}
	return o.upload(ctx, *file)
}

// Reset returns a settled orchestrator to IDLE and forgets the file.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return ErrSubmissionInFlight
	}
	from := o.state
	o.state = StateIdle
	o.progress = 0
	o.file = nil
	o.message = ""
	o.err = nil
	o.result = nil
	o.attempts = nil
	o.mu.Unlock()

	if from != StateIdle && o.listener != nil {
		o.listener.StateChanged(from, StateIdle)
	}
	return nil
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		State:    o.state,
		Progress: o.progress,
		Message:  o.message,
		Err:      o.err,
		Attempts: slices.Clone(o.attempts),
	}
	if o.result != nil {
		r := *o.result
		s.Result = &r
	}
	return s
}

func (o *Orchestrator) State() UploadState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) begin(next UploadState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight {
		return ErrSubmissionInFlight
	}
	if err := checkTransition(o.state, next); err != nil {
		return err
	}
	if next == StateUploading && o.file == nil {
		return ErrNothingToRetry
	}
	o.inFlight = true
	o.err = nil
	o.message = ""
	o.result = nil
	o.attempts = nil
	return nil
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
}

func (o *Orchestrator) upload(ctx context.Context, file File) (UploadResult, error) {
	o.transition(StateUploading)

	var lastErr error
	for _, s := range o.chain {
		kind := s.Transport.Kind()
		resp, attempts, err := o.exec.Run(ctx, s, file, o.reportProgress)
		o.mu.Lock()
		o.attempts = append(o.attempts, attempts...)
		o.mu.Unlock()

		if err == nil {
			return o.complete(resp, kind)
		}
		lastErr = err
		if IsFatal(err) || ctx.Err() != nil {
			o.logger.Error("upload aborted", "transport", kind, "err", err)
			break
		}
		o.logger.Warn("transport exhausted", "transport", kind, "attempts", len(attempts), "err", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no transports configured")
	}
	o.fail(lastErr)
	return UploadResult{}, lastErr
}

func (o *Orchestrator) complete(resp *domain.ProcessResponse, kind TransportKind) (UploadResult, error) {
	o.transition(StateProcessing)

	if resp == nil || !resp.Success || resp.Result == nil || resp.Result.ID == "" {
		message := "Processing failed"
		if resp != nil && resp.Error != nil && resp.Error.Message != "" {
			message = resp.Error.Message
		}
		err := &ProcessingRejectedError{Transport: kind, Message: message}
		o.logger.Error("server rejected upload", "transport", kind, "err", err)
		o.fail(err)
		return UploadResult{}, err
	}

	o.mu.Lock()
	result := UploadResult{
		ID:        resp.Result.ID,
		URL:       resp.Result.Locator(),
		Message:   resp.Message,
		Transport: kind,
		Attempts:  slices.Clone(o.attempts),
	}
	o.result = &result
	o.message = resp.Message
	o.progress = 100
	o.mu.Unlock()

	o.transition(StateSuccess)
	o.logger.Info("upload processed", "id", result.ID, "transport", kind)
	return result, nil
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.message = FailureMessage(err)
	o.mu.Unlock()
	o.transition(StateError)
}

func (o *Orchestrator) transition(to UploadState) {
	o.mu.Lock()
	from := o.state
	if err := checkTransition(from, to); err != nil {
		o.mu.Unlock()
		o.logger.Error("illegal transition", "err", err)
		return
	}
	o.state = to
	o.mu.Unlock()

	if o.listener != nil {
		o.listener.StateChanged(from, to)
	}
}

func (o *Orchestrator) observeAttempt(a UploadAttempt) {
	if a.Outcome == OutcomePending {
		o.mu.Lock()
		o.progress = 0
		o.mu.Unlock()
		o.logger.Debug("attempt started", "transport", a.Transport, "attempt", a.AttemptNumber)
		if o.listener != nil {
			o.listener.Attempt(a)
			o.listener.Progress(0)
		}
		return
	}
	if o.listener != nil {
		o.listener.Attempt(a)
	}
}

func (o *Orchestrator) reportProgress(percent int) {
	percent = min(max(percent, 0), 100)
	o.mu.Lock()
	if percent <= o.progress {
		o.mu.Unlock()
		return
	}
	o.progress = percent
	o.mu.Unlock()
	if o.listener != nil {
		o.listener.Progress(percent)
	}
}
