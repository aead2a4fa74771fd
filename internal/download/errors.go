package download

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared across store and queue implementations.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrRecordNotFound     = errors.New("record not found")
	ErrQueueClosed        = errors.New("queue closed")
)

// AdmissionCode classifies why validation rejected a caller.
type AdmissionCode string

// Admission rejection codes, returned synchronously to the caller.
const (
	AdmissionInvalidFormat     AdmissionCode = "INVALID_FORMAT"
	AdmissionTooManyAttempts   AdmissionCode = "TOO_MANY_ATTEMPTS"
	AdmissionInvalidCredential AdmissionCode = "INVALID_CREDENTIAL"
	AdmissionDisabled          AdmissionCode = "DISABLED"
	AdmissionExpired           AdmissionCode = "EXPIRED"
	AdmissionRateLimited       AdmissionCode = "RATE_LIMITED"
)

// Queue rejection reason.
const ReasonBackpressure = "BACKPRESSURE"

// JobErrorCode classifies a processing failure before the retry decision.
type JobErrorCode string

// Job failure codes. Transient codes are retried up to MaxAttempts;
// deterministic codes go straight to terminal failure.
const (
	JobErrMaintenance      JobErrorCode = "MAINTENANCE"
	JobErrPlatformDisabled JobErrorCode = "PLATFORM_DISABLED"
	JobErrInvalidURL       JobErrorCode = "INVALID_URL"
	JobErrScrapeFailed     JobErrorCode = "SCRAPE_FAILED"
	JobErrDeliveryFailed   JobErrorCode = "DELIVERY_FAILED"
	JobErrTimeout          JobErrorCode = "TIMEOUT"
	JobErrInternal         JobErrorCode = "INTERNAL"
)

// JobError tags a processing failure with its classification.
type JobError struct {
	Code JobErrorCode
	Err  error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *JobError) Unwrap() error { return e.Err }

// Retryable reports whether a retry can plausibly fix the failure.
func (e *JobError) Retryable() bool {
	switch e.Code {
	case JobErrTimeout, JobErrInternal:
		return true
	default:
		return false
	}
}

// NewJobError wraps err with a failure code.
func NewJobError(code JobErrorCode, err error) *JobError {
	return &JobError{Code: code, Err: err}
}

// ClassifyJobError coerces an arbitrary processing error into a JobError.
// Context deadlines become TIMEOUT; anything untagged becomes INTERNAL.
func ClassifyJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewJobError(JobErrTimeout, err)
	}
	return NewJobError(JobErrInternal, err)
}
