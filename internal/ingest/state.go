package ingest

import (
	"errors"
	"fmt"
)

type UploadState string

const (
	StateIdle       UploadState = "idle"
	StateValidating UploadState = "validating"
	StateUploading  UploadState = "uploading"
	StateProcessing UploadState = "processing"
	StateSuccess    UploadState = "success"
	StateError      UploadState = "error"
)

var ErrInvalidTransition = errors.New("invalid upload state transition")

var transitions = map[UploadState][]UploadState{
	StateIdle:       {StateValidating},
	StateValidating: {StateUploading, StateError},
	StateUploading:  {StateProcessing, StateError},
	StateProcessing: {StateSuccess, StateError},
	StateSuccess:    {StateIdle},
	StateError:      {StateUploading, StateIdle},
}

func (s UploadState) CanTransition(to UploadState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Settled reports whether the state waits for the caller to act.
func (s UploadState) Settled() bool {
	return s == StateIdle || s == StateSuccess || s == StateError
}

func checkTransition(from, to UploadState) error {
	if !from.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
