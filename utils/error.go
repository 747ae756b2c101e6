package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrorRecordNotFound = errors.New("record not found")

// ErrDuplicateKey is returned by stores when an insert collides with a unique
// constraint. Callers that race on creation re-read the winning row.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrInvalidTransition is returned when an alert status change is not allowed
// from its current state.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrBaselineUnavailable is returned by baseline reads whose sample count is
// below the configured minimum. The rule depending on it is skipped.
var ErrBaselineUnavailable = errors.New("baseline unavailable")

// ParseError reports a document that could not be turned into a parsed
// representation (missing columns, malformed rows, unsupported class).
type ParseError struct {
	Format string
	Row    int
	Column string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	b.WriteString("parse ")
	if e.Format != "" {
		b.WriteString(e.Format + " ")
	}
	b.WriteString("failed")
	if e.Row > 0 {
		fmt.Fprintf(&b, " at row %d", e.Row)
	}
	if e.Column != "" {
		fmt.Fprintf(&b, " column %q", e.Column)
	}
	if e.Reason != "" {
		b.WriteString(": " + e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExtractionError reports a parsed document that could not be mapped onto the
// canonical invoice. Retryable marks transport failures (timeouts, 5xx, 429)
// as opposed to responses that failed the schema contract.
type ExtractionError struct {
	Source    string
	Field     string
	Reason    string
	Retryable bool
	Err       error
}

func (e *ExtractionError) Error() string {
	msg := "extraction failed"
	if e.Source != "" {
		msg = e.Source + " " + msg
	}
	if e.Field != "" {
		msg += fmt.Sprintf(" (field %s)", e.Field)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// StorageError reports a blob or metadata persistence failure during ingest.
// Orphaned is set when the blob write succeeded but the metadata row did not.
type StorageError struct {
	Op       string
	Key      string
	Orphaned bool
	Err      error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("storage %s %q failed", e.Op, e.Key)
	if e.Orphaned {
		msg += " (object orphaned)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

// NotificationError reports a notification channel that exhausted its retries.
type NotificationError struct {
	Channel  string
	AlertId  int
	Attempts int
	Err      error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s for alert %d failed after %d attempts: %v", e.Channel, e.AlertId, e.Attempts, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsRetryable reports whether the failure may succeed on a later attempt.
// Timeouts are always retryable; parse and schema failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return false
	}
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	var se *StorageError
	return errors.As(err, &se)
}
