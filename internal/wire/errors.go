package wire

import (
	"errors"
	"fmt"
	"strings"
)

// Category classifies an error for retry purposes. Every error that crosses
// the worker boundary is normalized to exactly one category before it reaches
// the engine or a subscriber.
type Category string

const (
	// CategoryUser marks invalid input. Never retried.
	CategoryUser Category = "user"
	// CategoryRetryable marks transient failures eligible for retry while
	// the step has attempts left.
	CategoryRetryable Category = "retryable"
	// CategoryFatal marks permanent failures that terminate the step and the
	// job regardless of remaining attempts.
	CategoryFatal Category = "fatal"
)

// Error is a categorized error. Message is the human-readable cause; Details
// carries structured context such as the offending field.
type Error struct {
	Category Category       `json:"category"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// UserErrorf builds a CategoryUser error.
func UserErrorf(format string, args ...any) *Error {
	return &Error{Category: CategoryUser, Message: fmt.Sprintf(format, args...)}
}

// Retryablef builds a CategoryRetryable error.
func Retryablef(format string, args ...any) *Error {
	return &Error{Category: CategoryRetryable, Message: fmt.Sprintf(format, args...)}
}

// Fatalf builds a CategoryFatal error.
func Fatalf(format string, args ...any) *Error {
	return &Error{Category: CategoryFatal, Message: fmt.Sprintf(format, args...)}
}

// WithDetail returns e with a detail entry attached.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// CategoryOf extracts the category from an arbitrary error. Anything
// uncategorized, including deadline and cancellation errors, defaults to
// retryable: a timed-out step may succeed on a later attempt, and a plumbing
// failure should not burn the whole job on the first attempt.
func CategoryOf(err error) Category {
	var we *Error
	if errors.As(err, &we) {
		return we.Category
	}
	return CategoryRetryable
}

// AsError converts err into a categorized *Error, normalizing foreign errors
// with CategoryOf.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var we *Error
	if errors.As(err, &we) {
		return we
	}
	return &Error{Category: CategoryOf(err), Message: err.Error()}
}

// parseCategory maps wire-level category strings to a Category. Workers may
// tag errors either with the short form ("retryable") or the spelled-out form
// ("RetryableError"). Unknown or missing tags default to CategoryUser: a
// worker that rejects a request without saying why was almost certainly
// rejecting the input.
func parseCategory(s string) Category {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user", "usererror":
		return CategoryUser
	case "retryable", "retryableerror", "transient":
		return CategoryRetryable
	case "fatal", "fatalerror", "permanent":
		return CategoryFatal
	}
	return CategoryUser
}
