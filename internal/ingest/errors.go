package ingest

import (
	"errors"
	"fmt"
)

var (
	ErrTranscription  = errors.New("transcription failed")
	ErrExtraction     = errors.New("extraction failed")
	ErrParsing        = errors.New("parsing failed")
	ErrRecordNotFound = errors.New("record not found")
	ErrStateConflict  = errors.New("state transition not allowed")
)

// InputError is a malformed or empty raw input. Never retried.
type InputError struct {
	Reason string
}

func (e *InputError) Error() string {
	return "invalid input: " + e.Reason
}

// ProviderError is a failed capability-provider call. Kind is one of
// ErrTranscription, ErrExtraction or ErrParsing and matches with errors.Is.
type ProviderError struct {
	Kind      error
	Provider  string
	Err       error
	Retryable bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NormalizationError is a structural defect found after a successful
// provider call. The record is still persisted, as flagged.
type NormalizationError struct {
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization failed for %s: %s", e.Field, e.Reason)
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the caller may retry the same input.
func IsRetryable(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr) && providerErr.Retryable
}
