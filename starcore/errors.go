package starcore

import (
	"fmt"
	"time"
)

// DenialReason identifies which rate-limit policy rejected an invocation.
type DenialReason string

const (
	DenialReasonGlobal       DenialReason = "global"
	DenialReasonServer       DenialReason = "server"
	DenialReasonUser         DenialReason = "user"
	DenialReasonUserTokens   DenialReason = "user_tokens"
	DenialReasonServerTokens DenialReason = "server_tokens"
)

// DenialError is returned when an invocation is rejected by the
// RateLimiter. It's user-correctable - the caller should surface
// Reason and RetryAfter, and must not log the invocation as a failure.
type DenialError struct {
	Reason     DenialReason
	RetryAfter time.Duration
}

func (e *DenialError) Error() string {
	return fmt.Sprintf(
		"rate limited (%s), retry after %s",
		e.Reason,
		e.RetryAfter.Round(time.Second),
	)
}

// ConflictError indicates a state precondition was violated, such as
// starting a conversation while another is still active. The caller can
// recover by retrying with corrected intent (ending the active
// conversation first).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NotFoundError indicates the referenced record does not exist, or is
// no longer in a state where the operation applies (e.g. appending to
// an ended conversation).
type NotFoundError struct {
	Entity string
	ID     any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Entity, e.ID)
}

// ValidationError indicates a malformed payload, rejected before
// admission. Validation failures are never counted against quota.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// UpstreamError is a model API failure that survived the retry budget
// (or wasn't retryable to begin with - any 4xx other than 429).
type UpstreamError struct {
	StatusCode int
	Attempts   int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf(
			"upstream error (status %d, %d attempts): %v",
			e.StatusCode, e.Attempts, e.Err,
		)
	}
	return fmt.Sprintf("upstream error (%d attempts): %v", e.Attempts, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// UpstreamTimeoutError indicates the per-call deadline elapsed before the
// model API finished. Partial streamed text already delivered to the
// caller is not retracted.
type UpstreamTimeoutError struct {
	Timeout time.Duration
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("upstream call timed out after %s", e.Timeout)
}

// PersistenceError wraps storage failures. A usage-logging failure must
// never roll back or discard an otherwise-successful model response.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error in %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
