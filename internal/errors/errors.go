package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorCode represents a grimbot error code.
type ErrorCode string

const (
	ErrParse         ErrorCode = "PARSE_ERROR"    // bad roll expression or command arguments
	ErrRateLimited   ErrorCode = "RATE_LIMITED"   // bucket rejected the invocation
	ErrNotFound      ErrorCode = "NOT_FOUND"      // unknown command or entity
	ErrVetoed        ErrorCode = "VETOED"         // before-hook refused execution
	ErrAlreadyExists ErrorCode = "ALREADY_EXISTS" // entity key taken
	ErrHandler       ErrorCode = "HANDLER_ERROR"  // any other domain failure
	ErrStoreIO       ErrorCode = "STORE_IO"       // transient file or database failure
	ErrCorruptData   ErrorCode = "CORRUPT_DATA"   // persisted data cannot be decoded
	ErrInternal      ErrorCode = "INTERNAL"
)

// ParseKind narrows a PARSE_ERROR.
type ParseKind string

const (
	ParseMalformed       ParseKind = "MALFORMED"
	ParseOutOfRange      ParseKind = "OUT_OF_RANGE"
	ParseUnknownMode     ParseKind = "UNKNOWN_MODE"
	ParseMissingArgument ParseKind = "MISSING_ARGUMENT"
)

// BotError represents a structured error with code, message, and details.
type BotError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *BotError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *BotError) Unwrap() error {
	return e.Err
}

// Kind returns the parse kind for PARSE_ERROR values, or "".
func (e *BotError) Kind() ParseKind {
	if e.Details == nil {
		return ""
	}
	k, _ := e.Details["kind"].(ParseKind)
	return k
}

// NewParse creates a user-visible parse error.
func NewParse(kind ParseKind, msg string) *BotError {
	return &BotError{
		Code:    ErrParse,
		Message: msg,
		Details: map[string]any{"kind": kind},
	}
}

// NewOutOfRange creates a parse error for a numeric argument outside its bounds.
func NewOutOfRange(field string, value, min, max int) *BotError {
	return &BotError{
		Code:    ErrParse,
		Message: fmt.Sprintf("%s must be between %d and %d, got %d", field, min, max, value),
		Details: map[string]any{"kind": ParseOutOfRange, "field": field, "value": value, "min": min, "max": max},
	}
}

// NewUnknownMode creates a parse error for an unrecognised roll mode.
func NewUnknownMode(mode string) *BotError {
	return &BotError{
		Code:    ErrParse,
		Message: fmt.Sprintf("unknown roll mode %q", mode),
		Details: map[string]any{"kind": ParseUnknownMode, "mode": mode},
	}
}

// NewRateLimited creates an error carrying the retry-after hint.
func NewRateLimited(bucket string, retryAfter time.Duration) *BotError {
	return &BotError{
		Code:    ErrRateLimited,
		Message: fmt.Sprintf("bucket %q exhausted, retry in %s", bucket, retryAfter.Round(time.Second)),
		Details: map[string]any{"bucket": bucket, "retry_after": retryAfter},
	}
}

// NewNotFound creates an error for a missing command or entity.
func NewNotFound(kind, identifier string) *BotError {
	return &BotError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found: %s", kind, identifier),
		Details: map[string]any{"kind": kind, "identifier": identifier},
	}
}

// NewVetoed creates an error for a command refused by the before-hook.
func NewVetoed(command string) *BotError {
	return &BotError{
		Code:    ErrVetoed,
		Message: fmt.Sprintf("command %q vetoed", command),
		Details: map[string]any{"command": command},
	}
}

// NewAlreadyExists creates an error for an entity key collision.
func NewAlreadyExists(kind, key string) *BotError {
	return &BotError{
		Code:    ErrAlreadyExists,
		Message: fmt.Sprintf("%s %q already exists", kind, key),
		Details: map[string]any{"kind": kind, "key": key},
	}
}

// NewHandler wraps a domain failure raised by a command handler.
func NewHandler(command string, err error) *BotError {
	msg := "handler failed"
	if err != nil {
		msg = err.Error()
	}
	return &BotError{
		Code:    ErrHandler,
		Message: msg,
		Details: map[string]any{"command": command},
		Err:     err,
	}
}

// NewStoreIO creates an error for a failed store read or write.
func NewStoreIO(store string, err error) *BotError {
	return &BotError{
		Code:    ErrStoreIO,
		Message: fmt.Sprintf("store %s: %v", store, err),
		Details: map[string]any{"store": store},
		Err:     err,
	}
}

// NewCorruptData creates an error for persisted data that cannot be decoded.
func NewCorruptData(store string, err error) *BotError {
	return &BotError{
		Code:    ErrCorruptData,
		Message: fmt.Sprintf("store %s holds corrupt data: %v", store, err),
		Details: map[string]any{"store": store},
		Err:     err,
	}
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *BotError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &BotError{
		Code:    ErrInternal,
		Message: msg,
		Err:     err,
	}
}

// Is checks if err, or anything it wraps, is a BotError with the given code.
func Is(err error, code ErrorCode) bool {
	var bErr *BotError
	if stderrors.As(err, &bErr) {
		return bErr.Code == code
	}
	return false
}

// As returns the BotError in err's chain, if any.
func As(err error) (*BotError, bool) {
	var bErr *BotError
	if stderrors.As(err, &bErr) {
		return bErr, true
	}
	return nil, false
}
