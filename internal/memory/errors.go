package memory

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is or the Is* helpers.
var (
	// ErrValidation malformed or empty input; caller-correctable, never retried
	ErrValidation = errors.New("validation error")
	// ErrCapacity working memory cap reached with nothing evictable
	ErrCapacity = errors.New("capacity exceeded")
	// ErrNotFound unknown scope or id
	ErrNotFound = errors.New("not found")
	// ErrStorage durable store failure
	ErrStorage = errors.New("storage error")
)

// MemoryError carries the failing operation along with the cause
type MemoryError struct {
	Op      string // Operation name
	Path    string // Related file path, if any
	Err     error  // Underlying error
	Details string // Extra detail
}

func (e *MemoryError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("memory [%s] path=%s: %v", e.Op, e.Path, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("memory [%s]: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("memory [%s]: %v", e.Op, e.Err)
}

func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a memory error
func NewMemoryError(op string, err error) *MemoryError {
	return &MemoryError{Op: op, Err: err}
}

// NewMemoryErrorWithPath creates a memory error tied to a file
func NewMemoryErrorWithPath(op, path string, err error) *MemoryError {
	return &MemoryError{Op: op, Path: path, Err: err}
}

// NewMemoryErrorWithDetails creates a memory error with extra detail
func NewMemoryErrorWithDetails(op string, err error, details string) *MemoryError {
	return &MemoryError{Op: op, Err: err, Details: details}
}

func validationError(op, details string) error {
	return NewMemoryErrorWithDetails(op, ErrValidation, details)
}

func notFoundError(op, details string) error {
	return NewMemoryErrorWithDetails(op, ErrNotFound, details)
}

// storageError tags a durable failure with ErrStorage while keeping the cause
func storageError(op string, err error) error {
	return NewMemoryError(op, fmt.Errorf("%w: %w", ErrStorage, err))
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsCapacity reports whether err is a capacity error
func IsCapacity(err error) bool { return errors.Is(err, ErrCapacity) }

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsStorage reports whether err came from the durable store
func IsStorage(err error) bool { return errors.Is(err, ErrStorage) }
