package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownIOCType is returned when a type token is outside the closed set.
	ErrUnknownIOCType = errors.New("unknown ioc type")
	// ErrMalformedRow is returned when a row lacks required columns or its value
	// does not fit its kind.
	ErrMalformedRow = errors.New("malformed row")
	// ErrMissingReportMetadata is returned when a CSV file has no _report row.
	ErrMissingReportMetadata = errors.New("missing report metadata")
	// ErrSourceFetch wraps network and filesystem failures while listing or
	// downloading a source.
	ErrSourceFetch = errors.New("source fetch failed")
	// ErrEmptyBatch is returned by the builder when there is nothing to build.
	ErrEmptyBatch = errors.New("empty batch")
)

// RowError locates a row-level failure in its source file.
type RowError struct {
	Source string
	Line   int
	Err    error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Source, e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// PublishError is returned by the publisher for the first failed platform call.
type PublishError struct {
	Op       string
	EntityID string
	Err      error
}

func (e *PublishError) Error() string {
	if e.EntityID == "" {
		return fmt.Sprintf("publish %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("publish %s %s: %v", e.Op, e.EntityID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
