package core

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed error below matches exactly one of these via errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("configuration error")
	ErrConflict      = errors.New("conflict")
	ErrInconsistent  = errors.New("ledger inconsistent")
)

// ValidationError reports malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a missing subject or tier.
type NotFoundError struct {
	Kind string // "subject" or "tier"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConfigurationError reports a tier table that violates its partition invariant.
// It is raised at load time; a running engine never returns it per request.
type ConfigurationError struct {
	Table  string
	Index  int
	Reason string
}

func (e *ConfigurationError) Error() string {
	// raw lists passed to ResolveRank have no table name
	prefix := "tier list"
	if e.Table != "" {
		prefix = fmt.Sprintf("tier table %q", e.Table)
	}
	if e.Index < 0 {
		return prefix + ": " + e.Reason
	}
	return fmt.Sprintf("%s: tier %d: %s", prefix, e.Index, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// ConflictError reports a transactional update that could not commit after the
// store's own retry attempts. Callers may retry.
type ConflictError struct {
	SubjectID SubjectID
	Attempts  int
	Err       error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("conflict updating %q after %d attempts", e.SubjectID, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

// ConsistencyError reports a stored score that disagrees with its replayed log.
type ConsistencyError struct {
	SubjectID SubjectID
	Stored    int64
	Replayed  int64
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("subject %q: stored score %d != replayed score %d", e.SubjectID, e.Stored, e.Replayed)
}

func (e *ConsistencyError) Is(target error) bool { return target == ErrInconsistent }

// OpError attaches the attempted operation and subject to an underlying failure.
type OpError struct {
	Op        string
	SubjectID SubjectID
	Err       error
}

func (e *OpError) Error() string {
	if e.SubjectID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.SubjectID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
