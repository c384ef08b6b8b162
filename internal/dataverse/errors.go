package dataverse

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a remote failure. Low layers (source, pool, client)
// classify; they never retry. The executor retries Throttled and Transient;
// everything else propagates.
type ErrorKind int

const (
	// KindConfiguration is a caller mistake detected before any remote call.
	KindConfiguration ErrorKind = iota
	// KindAuth is a credential failure or expiry. Surfaced once by the
	// source; callers re-acquire instead of retrying blindly.
	KindAuth
	// KindThrottled is a remote rate-limit signal (429 or equivalent).
	KindThrottled
	// KindTransient is a network reset, 5xx, or timeout.
	KindTransient
	// KindPermanentRecord is a per-record rejection inside an otherwise
	// accepted batch (validation, missing reference, permission).
	KindPermanentRecord
	// KindFatal is a whole-request rejection that retrying cannot fix.
	KindFatal
	// KindCancelled is caller cancellation, a terminal result rather than
	// an error.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuth:
		return "auth"
	case KindThrottled:
		return "throttled"
	case KindTransient:
		return "transient"
	case KindPermanentRecord:
		return "permanent-record"
	case KindFatal:
		return "fatal"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// RemoteError is the classified form of any failure crossing the client
// boundary.
type RemoteError struct {
	Kind       ErrorKind
	StatusCode int    // HTTP status when applicable, else 0
	Code       string // remote error code (e.g. "0x80040237" or a symbolic name)
	Message    string

	// RetryAfter is the server-advised backoff for throttles, 0 otherwise.
	RetryAfter time.Duration

	// RequestSent reports whether the request reached the server. A plain
	// Create is only retried when this is false or the request carried a
	// dedup id, because a sent-but-unacknowledged Create may have landed.
	RequestSent bool
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Throttle constructs a throttled error with the server-advised delay.
func Throttle(retryAfter time.Duration) *RemoteError {
	return &RemoteError{
		Kind:        KindThrottled,
		StatusCode:  429,
		Message:     "rate limit exceeded",
		RetryAfter:  retryAfter,
		RequestSent: true,
	}
}

// AuthFailed constructs the credential failure the source surfaces.
func AuthFailed(msg string) *RemoteError {
	return &RemoteError{Kind: KindAuth, StatusCode: 401, Message: msg, RequestSent: true}
}

// Transient constructs a retryable transport failure. sent reports whether
// the request reached the server before the failure.
func Transient(msg string, sent bool) *RemoteError {
	return &RemoteError{Kind: KindTransient, Message: msg, RequestSent: sent}
}

// RecordFailure constructs a per-record rejection with a symbolic code.
func RecordFailure(code, msg string) *RemoteError {
	return &RemoteError{Kind: KindPermanentRecord, Code: code, Message: msg, RequestSent: true}
}

// Fatal constructs a non-retryable whole-request rejection.
func Fatal(code, msg string) *RemoteError {
	return &RemoteError{Kind: KindFatal, Code: code, Message: msg, RequestSent: true}
}

// NotFound is the lookup-miss error returned by LookupByKey.
var NotFound = &RemoteError{Kind: KindPermanentRecord, StatusCode: 404, Code: "NotFound", Message: "no matching record"}

// Classify maps any error to its ErrorKind. Context cancellation maps to
// KindCancelled; unclassified errors are treated as transient so the retry
// budget, not a crash, decides their fate.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindTransient
}

// AsRemote extracts the RemoteError from an error chain, or nil.
func AsRemote(err error) *RemoteError {
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return nil
}

// Retryable reports whether the executor may retry the failed call.
// createSafe must be true when every operation in the call is idempotent or
// carries a dedup id.
func Retryable(err error, createSafe bool) bool {
	re := AsRemote(err)
	if re == nil {
		return false
	}
	switch re.Kind {
	case KindThrottled:
		return true
	case KindTransient:
		return createSafe || !re.RequestSent
	default:
		return false
	}
}
