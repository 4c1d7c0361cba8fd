package domain

import "errors"

// ErrInvalidEntry is matched by every ValidationError through errors.Is.
var ErrInvalidEntry = errors.New("domain: invalid metric entry")

// ValidationError reports the invariant a metric entry violated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "domain: invalid metric entry: " + e.Field + ": " + e.Reason
}

// Is lets callers match any ValidationError against ErrInvalidEntry.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEntry
}
