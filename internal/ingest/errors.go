package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const genericFailureMessage = "Upload failed"

var (
	ErrSubmissionInFlight = errors.New("a submission is already in flight")
	ErrNothingToRetry     = errors.New("no validated file to retry")
)

type transportFailure struct {
	Transport  TransportKind
	StatusCode int
	// Message is the most specific human-readable reason available.
	Message string
	Err     error
}

func (f transportFailure) describe(class string) string {
	msg := fmt.Sprintf("%s transport %s failure", f.Transport, class)
	if f.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", f.StatusCode)
	}
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Err != nil {
		msg += fmt.Sprintf(" (%v)", f.Err)
	}
	return msg
}

// RetryableTransportError is a transient failure worth another attempt.
type RetryableTransportError struct {
	transportFailure
}

func (e *RetryableTransportError) Error() string { return e.describe("retryable") }

func (e *RetryableTransportError) Unwrap() error { return e.Err }

// FatalTransportError means the server rejected the file itself; no transport
// can fix that.
type FatalTransportError struct {
	transportFailure
}

func (e *FatalTransportError) Error() string { return e.describe("fatal") }

func (e *FatalTransportError) Unwrap() error { return e.Err }

// ProcessingRejectedError is a 2xx response whose envelope reports failure
// or carries no result.
type ProcessingRejectedError struct {
	Transport TransportKind
	Message   string
}

func (e *ProcessingRejectedError) Error() string {
	return fmt.Sprintf("%s transport: processing rejected: %s", e.Transport, e.Message)
}

func IsFatal(err error) bool {
	var fatal *FatalTransportError
	return errors.As(err, &fatal)
}

// classifyStatus maps a non-2xx response to a transport error.
func classifyStatus(kind TransportKind, status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	if message == "" {
		message = genericFailureMessage
	}
	failure := transportFailure{Transport: kind, StatusCode: status, Message: message}
	switch status {
	case http.StatusBadRequest,
		http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType,
		http.StatusUnprocessableEntity:
		return &FatalTransportError{failure}
	default:
		return &RetryableTransportError{failure}
	}
}

func classifyNetworkError(kind TransportKind, err error) error {
	message := "Network error"
	if errors.Is(err, context.DeadlineExceeded) {
		message = "Request timed out"
	}
	return &RetryableTransportError{transportFailure{Transport: kind, Message: message, Err: err}}
}

// FailureMessage extracts the message surfaced to the caller for err.
func FailureMessage(err error) string {
	var (
		validation *ValidationError
		retryable  *RetryableTransportError
		fatal      *FatalTransportError
		rejected   *ProcessingRejectedError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validation):
		return validation.Message
	case errors.As(err, &fatal) && fatal.Message != "":
		return fatal.Message
	case errors.As(err, &retryable) && retryable.Message != "":
		return retryable.Message
	case errors.As(err, &rejected) && rejected.Message != "":
		return rejected.Message
	default:
		return genericFailureMessage
	}
}
