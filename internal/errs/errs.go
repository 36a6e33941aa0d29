package errs

import (
	"errors"
	"fmt"
)

var (
	ErrSourceUnavailable = errors.New("harvest source unavailable")
	ErrProviderTimeout   = errors.New("provider call timed out")
	ErrInvalidQuery      = errors.New("invalid query")
	ErrConflict          = errors.New("conflicting run in progress")
	ErrNotFound          = errors.New("not found")
	ErrStoreWrite        = errors.New("store write failed")
)

// NormalizationError reports a raw entry that could not be mapped to the
// canonical record. It is isolated per entry.
type NormalizationError struct {
	ExternalID string
	Field      string
	Reason     string
}

func (e *NormalizationError) Error() string {
	if e.ExternalID != "" {
		return fmt.Sprintf("normalize %s: field %q: %s", e.ExternalID, e.Field, e.Reason)
	}
	return fmt.Sprintf("normalize: field %q: %s", e.Field, e.Reason)
}

// EmbeddingError occupies the slot of a single input that the provider
// could not embed.
type EmbeddingError struct {
	Index        int
	Reason       string
	Permanent    bool
	ModelVersion string
	Err          error
}

func (e *EmbeddingError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("embedding item %d (%s, model %s): %s", e.Index, kind, e.ModelVersion, e.Reason)
}

func (e *EmbeddingError) Unwrap() error {
	return e.Err
}

// StoreWriteError is fatal to the run that produced it.
type StoreWriteError struct {
	Op  string
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("store write %s failed: %v", e.Op, e.Err)
}

func (e *StoreWriteError) Unwrap() []error {
	return []error{ErrStoreWrite, e.Err}
}

// ConflictError is returned when an exclusive run of the same mode is active.
type ConflictError struct {
	Mode  string
	RunID uint
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s sync already running (run %d)", e.Mode, e.RunID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// PermanentError marks a provider failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

func InvalidQueryf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidQuery, fmt.Sprintf(format, args...))
}

func StoreWrite(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreWriteError{Op: op, Err: err}
}
