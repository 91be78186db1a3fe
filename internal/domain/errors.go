package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the storage, cache and artifact layers.
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SchemaError reports input that does not match the declared schema:
// unknown columns, out-of-domain categories, unencodable values or
// misaligned rows.
type SchemaError struct {
	Column string
	Value  string
	Reason string
	Err    error
}

// NewSchemaError builds a SchemaError for a column value.
func NewSchemaError(column, value, reason string) *SchemaError {
	return &SchemaError{Column: column, Value: value, Reason: reason}
}

func (e *SchemaError) Error() string {
	msg := "schema error"
	if e.Column != "" {
		msg += fmt.Sprintf(": column %q", e.Column)
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" value %q", e.Value)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SchemaError) Unwrap() error { return e.Err }

// InsufficientDataError reports a dataset too small or too imbalanced
// to train and evaluate on.
type InsufficientDataError struct {
	Reason string
	Counts map[string]int
}

func (e *InsufficientDataError) Error() string {
	if len(e.Counts) == 0 {
		return "insufficient data: " + e.Reason
	}
	return fmt.Sprintf("insufficient data: %s (class counts %v)", e.Reason, e.Counts)
}

// StorageError reports that the transaction store could not be opened,
// read or written.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: failed to %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }
