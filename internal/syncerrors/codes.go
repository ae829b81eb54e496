package syncerrors

import (
	"errors"
	"fmt"
)

// ErrorCode represents internal error codes for sync operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Data errors
	ErrCodeNotFound         ErrorCode = 1000
	ErrCodeInvalidArgument  ErrorCode = 1001
	ErrCodeInvalidPartition ErrorCode = 1002
	ErrCodeKeyTooLarge      ErrorCode = 1003
	ErrCodePayloadTooLarge  ErrorCode = 1004

	// Session errors
	ErrCodeUntrustedPeer     ErrorCode = 2000
	ErrCodeScopeViolation    ErrorCode = 2001
	ErrCodeTransportFailure  ErrorCode = 2002
	ErrCodeMalformedChunk    ErrorCode = 2003
	ErrCodeMergeUnresolvable ErrorCode = 2004
	ErrCodeSessionClosed     ErrorCode = 2005

	// Server errors
	ErrCodeInternal    ErrorCode = 3000
	ErrCodeUnavailable ErrorCode = 3001
)

// AbortReason is the wire form of a fatal session error, carried in
// SessionAbort messages so both sides record the same cause.
type AbortReason string

const (
	AbortUntrustedPeer    AbortReason = "untrusted_peer"
	AbortScopeViolation   AbortReason = "scope_violation"
	AbortTransportFailure AbortReason = "transport_failure"
	AbortMalformedChunk   AbortReason = "malformed_chunk"
	AbortInternal         AbortReason = "internal"
)

// SyncError represents a structured error with code and context
type SyncError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// AbortReason maps the error to the reason sent to the peer on abort.
func (e *SyncError) AbortReason() AbortReason {
	switch e.Code {
	case ErrCodeUntrustedPeer:
		return AbortUntrustedPeer
	case ErrCodeScopeViolation:
		return AbortScopeViolation
	case ErrCodeTransportFailure, ErrCodeSessionClosed:
		return AbortTransportFailure
	case ErrCodeMalformedChunk:
		return AbortMalformedChunk
	default:
		return AbortInternal
	}
}

// New creates a new SyncError
func New(code ErrorCode, message string, cause error) *SyncError {
	return &SyncError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *SyncError) WithDetail(key string, value interface{}) *SyncError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func NotFound(key string) *SyncError {
	return New(ErrCodeNotFound, fmt.Sprintf("record not found: %s", key), nil).
		WithDetail("key", key)
}

func InvalidArgument(message string, cause error) *SyncError {
	return New(ErrCodeInvalidArgument, message, cause)
}

func InvalidPartition(partition, reason string) *SyncError {
	return New(ErrCodeInvalidPartition, fmt.Sprintf("invalid partition '%s': %s", partition, reason), nil).
		WithDetail("partition", partition).
		WithDetail("reason", reason)
}

func KeyTooLarge(size, maxSize int) *SyncError {
	return New(ErrCodeKeyTooLarge, fmt.Sprintf("key size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func PayloadTooLarge(size, maxSize int) *SyncError {
	return New(ErrCodePayloadTooLarge, fmt.Sprintf("payload size %d exceeds maximum %d", size, maxSize), nil).
		WithDetail("size", size).
		WithDetail("max_size", maxSize)
}

func UntrustedPeer(reason string, cause error) *SyncError {
	return New(ErrCodeUntrustedPeer, fmt.Sprintf("peer certificate rejected: %s", reason), cause).
		WithDetail("reason", reason)
}

func ScopeViolation(requested, granted string) *SyncError {
	return New(ErrCodeScopeViolation, fmt.Sprintf("requested scope '%s' exceeds granted scope '%s'", requested, granted), nil).
		WithDetail("requested", requested).
		WithDetail("granted", granted)
}

func TransportFailure(message string, cause error) *SyncError {
	return New(ErrCodeTransportFailure, message, cause)
}

func MalformedChunk(sequence int64, reason string) *SyncError {
	return New(ErrCodeMalformedChunk, fmt.Sprintf("malformed chunk %d: %s", sequence, reason), nil).
		WithDetail("sequence", sequence).
		WithDetail("reason", reason)
}

func MergeUnresolvable(key string, cause error) *SyncError {
	return New(ErrCodeMergeUnresolvable, fmt.Sprintf("merge hook failed for key %s", key), cause).
		WithDetail("key", key)
}

func SessionClosed(message string) *SyncError {
	return New(ErrCodeSessionClosed, message, nil)
}

func Internal(message string, cause error) *SyncError {
	return New(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *SyncError {
	return New(ErrCodeUnavailable, message, cause)
}

// IsSyncError checks if an error is a SyncError
func IsSyncError(err error) bool {
	var se *SyncError
	return errors.As(err, &se)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrCodeInternal
}

// FromAbortReason converts a wire abort reason back into an error code so
// the receiving side classifies the abort the same way the sender did.
func FromAbortReason(reason AbortReason) ErrorCode {
	switch reason {
	case AbortUntrustedPeer:
		return ErrCodeUntrustedPeer
	case AbortScopeViolation:
		return ErrCodeScopeViolation
	case AbortTransportFailure:
		return ErrCodeTransportFailure
	case AbortMalformedChunk:
		return ErrCodeMalformedChunk
	default:
		return ErrCodeInternal
	}
}
