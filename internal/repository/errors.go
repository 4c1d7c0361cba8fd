package repository

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidArgument indicates a malformed query or entry reached the repository.
	ErrInvalidArgument = errors.New("repository: invalid argument")
	// ErrClosed indicates the repository was used after Close.
	ErrClosed = errors.New("repository: closed")
	// ErrStorage is matched by every StorageError.
	ErrStorage = errors.New("repository: storage failure")
	// ErrCorruptRecord is matched by every CorruptionError.
	ErrCorruptRecord = errors.New("repository: corrupt record")
)

// StorageError reports a failed write or read against the durable medium.
type StorageError struct {
	Op             string
	ProcessModelID string
	Err            error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("repository: %s %q: %v", e.Op, e.ProcessModelID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Is lets callers match any StorageError against ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// CorruptionError describes one persisted record that could not be decoded.
// Position is backend specific: a byte offset, a row id or a stream id.
type CorruptionError struct {
	Position string
	Reason   string
}

func (e CorruptionError) Error() string {
	return fmt.Sprintf("repository: corrupt record at %s: %s", e.Position, e.Reason)
}

func (e CorruptionError) Is(target error) bool { return target == ErrCorruptRecord }

// PartialReadWarning lists records skipped while reading a partition.
type PartialReadWarning struct {
	ProcessModelID string
	Skipped        []CorruptionError
}

func (w *PartialReadWarning) Error() string {
	positions := make([]string, 0, len(w.Skipped))
	for _, s := range w.Skipped {
		positions = append(positions, s.Position)
	}
	return fmt.Sprintf("repository: skipped %d corrupt record(s) for %q at %s", len(w.Skipped), w.ProcessModelID, strings.Join(positions, ", "))
}

// Unwrap exposes the individual corruptions to errors.Is and errors.As.
func (w *PartialReadWarning) Unwrap() []error {
	errs := make([]error, 0, len(w.Skipped))
	for _, s := range w.Skipped {
		errs = append(errs, s)
	}
	return errs
}

// NewPartialReadWarning returns nil when nothing was skipped.
func NewPartialReadWarning(processModelID string, skipped []CorruptionError) *PartialReadWarning {
	if len(skipped) == 0 {
		return nil
	}
	return &PartialReadWarning{ProcessModelID: processModelID, Skipped: skipped}
}
