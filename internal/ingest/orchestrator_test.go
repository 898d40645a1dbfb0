package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTransport struct {
	kind TransportKind
	// failures[i] is returned by call i; calls beyond it succeed.
	failures []error
	progress []int
	resp     *domain.ProcessResponse
	calls    int
	block    chan struct{}
}

func (s *scriptedTransport) Kind() TransportKind { return s.kind }

func (s *scriptedTransport) Send(ctx context.Context, _ File, progress ProgressFunc) (*domain.ProcessResponse, error) {
	s.calls++
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	for _, p := range s.progress {
		progress(p)
	}
	if s.calls <= len(s.failures) {
		return nil, s.failures[s.calls-1]
	}
	if s.resp != nil {
		return s.resp, nil
	}
	return &domain.ProcessResponse{
		Success: true,
		Message: "Image processed successfully",
		Result:  &domain.ProcessResult{ID: "img-1", ProcessedURL: "/api/image/img-1"},
	}, nil
}

func retryable(kind TransportKind, status int, msg string) error {
	return &RetryableTransportError{transportFailure{Transport: kind, StatusCode: status, Message: msg}}
}

func fatal(kind TransportKind, status int, msg string) error {
	return &FatalTransportError{transportFailure{Transport: kind, StatusCode: status, Message: msg}}
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	events []string
	states []UploadState
	sleeps []time.Duration
}

func (r *recorder) StateChanged(from, to UploadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("state %s->%s", from, to))
	r.states = append(r.states, to)
}

func (r *recorder) Progress(p int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("progress %d", p))
}

func (r *recorder) Attempt(a UploadAttempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("attempt %s#%d %s", a.Transport, a.AttemptNumber, a.Outcome))
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sleeps = append(r.sleeps, d)
	return nil
}

func (r *recorder) indexOf(event string) int {
	for i, e := range r.events {
		if e == event {
			return i
		}
	}
	return -1
}

func chainOf(transports ...*scriptedTransport) []Strategy {
	policies := map[TransportKind]RetryPolicy{
		TransportStreamed: {MaxAttempts: 3, BaseDelay: 1000 * time.Millisecond},
		TransportBuffered: {MaxAttempts: 2, BaseDelay: 1500 * time.Millisecond},
		TransportEncoded:  {MaxAttempts: 1, BaseDelay: 2000 * time.Millisecond},
	}
	chain := make([]Strategy, 0, len(transports))
	for _, t := range transports {
		chain = append(chain, Strategy{Transport: t, Policy: policies[t.kind]})
	}
	return chain
}

func newTestOrchestrator(rec *recorder, transports ...*scriptedTransport) *Orchestrator {
	return NewOrchestrator(Config{
		Chain:    chainOf(transports...),
		Listener: rec,
		Sleep:    rec.sleep,
	})
}

func pngFile(size int) File {
	return NewFile("photo.png", domain.MIMEPNG, bytes.Repeat([]byte{0x89}, size))
}

func TestStreamedFailuresFallBackToBuffered(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{
		kind:     TransportStreamed,
		failures: repeat(retryable(TransportStreamed, http.StatusServiceUnavailable, "Service Unavailable"), 3),
		progress: []int{40, 80},
	}
	buffered := &scriptedTransport{kind: TransportBuffered}
	encoded := &scriptedTransport{kind: TransportEncoded}
	o := newTestOrchestrator(rec, streamed, buffered, encoded)

	res, err := o.Submit(context.Background(), pngFile(1024))
	require.NoError(t, err)

	assert.Equal(t, "img-1", res.ID)
	assert.Equal(t, "/api/image/img-1", res.URL)
	assert.Equal(t, TransportBuffered, res.Transport)
	assert.Equal(t, 3, streamed.calls)
	assert.Equal(t, 1, buffered.calls)
	assert.Zero(t, encoded.calls)

	require.Len(t, res.Attempts, 4)
	for i, a := range res.Attempts[:3] {
		assert.Equal(t, TransportStreamed, a.Transport)
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, OutcomeRetryableFailure, a.Outcome)
	}
	assert.Equal(t, TransportBuffered, res.Attempts[3].Transport)
	assert.Equal(t, OutcomeSuccess, res.Attempts[3].Outcome)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.sleeps)

	start := rec.indexOf("attempt BUFFERED#1 PENDING")
	require.Positive(t, start)
	assert.Equal(t, "progress 0", rec.events[start+1])
	assert.Less(t, rec.indexOf("progress 80"), start)

	assert.Equal(t, []UploadState{StateValidating, StateUploading, StateProcessing, StateSuccess}, rec.states)
	snap := o.Snapshot()
	assert.Equal(t, StateSuccess, snap.State)
	assert.Equal(t, 100, snap.Progress)
}

func TestAllTransportsExhausted(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{
		kind:     TransportStreamed,
		failures: repeat(retryable(TransportStreamed, 0, "Network error"), 3),
	}
	buffered := &scriptedTransport{
		kind:     TransportBuffered,
		failures: repeat(retryable(TransportBuffered, http.StatusBadGateway, "Bad Gateway"), 2),
	}
	encoded := &scriptedTransport{
		kind:     TransportEncoded,
		failures: []error{retryable(TransportEncoded, http.StatusInternalServerError, "Failed to process image")},
	}
	o := newTestOrchestrator(rec, streamed, buffered, encoded)

	_, err := o.Submit(context.Background(), pngFile(512))
	require.Error(t, err)

	var rerr *RetryableTransportError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, TransportEncoded, rerr.Transport)

	snap := o.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "Failed to process image", snap.Message)
	assert.Len(t, snap.Attempts, 6)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 1500 * time.Millisecond}, rec.sleeps)
	assert.Equal(t, []UploadState{StateValidating, StateUploading, StateError}, rec.states)
}

func TestOversizedFileNeverTouchesNetwork(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{kind: TransportStreamed}
	o := newTestOrchestrator(rec, streamed)

	_, err := o.Submit(context.Background(), pngFile(15<<20))

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []UploadState{StateValidating, StateError}, rec.states)
	assert.Zero(t, streamed.calls)

	snap := o.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Empty(t, snap.Attempts)
	assert.Equal(t, "File too large. Maximum size: 10MB", snap.Message)
}

func TestFatalFailureSkipsFallback(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{
		kind:     TransportStreamed,
		failures: []error{fatal(TransportStreamed, http.StatusUnsupportedMediaType, "Unsupported file type")},
	}
	buffered := &scriptedTransport{kind: TransportBuffered}
	encoded := &scriptedTransport{kind: TransportEncoded}
	o := newTestOrchestrator(rec, streamed, buffered, encoded)

	_, err := o.Submit(context.Background(), pngFile(64))

	var ferr *FatalTransportError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, http.StatusUnsupportedMediaType, ferr.StatusCode)
	assert.Equal(t, 1, streamed.calls)
	assert.Zero(t, buffered.calls)
	assert.Zero(t, encoded.calls)
	assert.Empty(t, rec.sleeps)

	snap := o.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "Unsupported file type", snap.Message)
	require.Len(t, snap.Attempts, 1)
	assert.Equal(t, OutcomeFatalFailure, snap.Attempts[0].Outcome)
}

func TestRejectedEnvelopeEndsInError(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{
		kind: TransportStreamed,
		resp: &domain.ProcessResponse{Success: false, Error: &domain.ErrorBody{Message: "Processing failed upstream"}},
	}
	o := newTestOrchestrator(rec, streamed)

	_, err := o.Submit(context.Background(), pngFile(64))

	var rej *ProcessingRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, []UploadState{StateValidating, StateUploading, StateProcessing, StateError}, rec.states)
	assert.Equal(t, "Processing failed upstream", o.Snapshot().Message)
}

func TestMissingResultIDIsRejected(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{
		kind: TransportStreamed,
		resp: &domain.ProcessResponse{Success: true, Result: &domain.ProcessResult{}},
	}
	o := newTestOrchestrator(rec, streamed)

	_, err := o.Submit(context.Background(), pngFile(64))
	require.Error(t, err)
	assert.Equal(t, StateError, o.State())
	assert.Equal(t, "Processing failed", o.Snapshot().Message)
}

func TestRetryReusesValidatedFile(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{
		kind:     TransportStreamed,
		failures: repeat(retryable(TransportStreamed, http.StatusServiceUnavailable, "down"), 3),
	}
	o := newTestOrchestrator(rec, streamed)

	_, err := o.Submit(context.Background(), pngFile(64))
	require.Error(t, err)
	require.Equal(t, StateError, o.State())

	res, err := o.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "img-1", res.ID)
	assert.Equal(t, 4, streamed.calls)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, StateSuccess, o.State())
}

func TestIllegalTransitions(t *testing.T) {
	rec := &recorder{}
	o := newTestOrchestrator(rec, &scriptedTransport{kind: TransportStreamed})

	_, err := o.Retry(context.Background())
	require.ErrorIs(t, err, ErrInvalidTransition)

	_, err = o.Submit(context.Background(), pngFile(64))
	require.NoError(t, err)

	_, err = o.Submit(context.Background(), pngFile(64))
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, o.Reset())
	assert.Equal(t, StateIdle, o.State())
	assert.Nil(t, o.Snapshot().Result)

	_, err = o.Submit(context.Background(), pngFile(64))
	require.NoError(t, err)
}

func TestConcurrentSubmitIsRefused(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	streamed := &scriptedTransport{kind: TransportStreamed, block: release}
	o := newTestOrchestrator(rec, streamed)

	done := make(chan error, 1)
	go func() {
		_, err := o.Submit(context.Background(), pngFile(64))
		done <- err
	}()

	require.Eventually(t, func() bool { return o.State() == StateUploading }, time.Second, time.Millisecond)

	_, err := o.Submit(context.Background(), pngFile(64))
	require.ErrorIs(t, err, ErrSubmissionInFlight)
	require.ErrorIs(t, o.Reset(), ErrSubmissionInFlight)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateSuccess, o.State())
}

func TestCancelledContextStopsEscalation(t *testing.T) {
	rec := &recorder{}
	streamed := &scriptedTransport{
		kind:     TransportStreamed,
		failures: repeat(retryable(TransportStreamed, http.StatusServiceUnavailable, "down"), 3),
	}
	buffered := &scriptedTransport{kind: TransportBuffered}

	ctx, cancel := context.WithCancel(context.Background())
	o := NewOrchestrator(Config{
		Chain:    chainOf(streamed, buffered),
		Listener: rec,
		Sleep: func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		},
	})

	_, err := o.Submit(ctx, pngFile(64))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, streamed.calls)
	assert.Zero(t, buffered.calls)
	assert.Equal(t, StateError, o.State())
	assert.Equal(t, genericFailureMessage, o.Snapshot().Message)
}
