package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies job failures. Codes are stable wire/audit identifiers;
// handling policy (retry vs fail-fast vs escalate) hangs off the code, not
// the message.
type ErrorCode string

const (
	ErrCodeTenantNotFound      ErrorCode = "tenant_not_found"
	ErrCodeTenantInactive      ErrorCode = "tenant_inactive"
	ErrCodeDomainNotOwned      ErrorCode = "domain_not_owned"
	ErrCodeRateLimitExceeded   ErrorCode = "rate_limit_exceeded"
	ErrCodeDKIMConfigMissing   ErrorCode = "dkim_config_missing"
	ErrCodeDKIMConfigCorrupted ErrorCode = "dkim_config_corrupted"
	ErrCodeSigningFailed       ErrorCode = "signing_failed"
	ErrCodeInvalidKeyMaterial  ErrorCode = "invalid_key_material"
	ErrCodeNoMXRecords         ErrorCode = "no_mx_records"
	ErrCodeAllExchangersFailed ErrorCode = "all_exchangers_failed"
)

// JobError is a classified job failure. Validation errors (tenant, domain,
// rate, DKIM, signing) are fail-fast: retrying cannot change their outcome
// without external intervention. Network errors (MX, exchangers) are
// retryable under the queue's backoff policy.
type JobError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *JobError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *JobError) Unwrap() error { return e.Err }

// Retryable reports whether the queue's backoff policy applies to this
// failure.
func (e *JobError) Retryable() bool {
	switch e.Code {
	case ErrCodeNoMXRecords, ErrCodeAllExchangersFailed:
		return true
	}
	return false
}

// Escalate reports whether the failure should be forwarded to the alerting
// subsystem as a high-severity signal (operator action required).
func (e *JobError) Escalate() bool {
	switch e.Code {
	case ErrCodeDKIMConfigMissing, ErrCodeDKIMConfigCorrupted:
		return true
	}
	return false
}

// Errorf builds a JobError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a JobError wrapping an underlying cause.
func WrapError(code ErrorCode, err error) *JobError {
	return &JobError{Code: code, Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var je *JobError
	if errors.As(err, &je) {
		return je.Code
	}
	return ""
}

// IsRetryable reports whether err is a retryable JobError. Unclassified
// errors are treated as retryable: they are infrastructure failures
// (store down, context deadline) rather than validation verdicts.
func IsRetryable(err error) bool {
	var je *JobError
	if errors.As(err, &je) {
		return je.Retryable()
	}
	return err != nil
}
