// Package domainerrors carries coded errors across service boundaries.
//
// Services translate store-level sentinel facts (see pkg/platform/sentinel)
// into coded errors so callers can branch on HasCode without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error classification.
type Code string

const (
	CodeInternal     Code = "internal"
	CodeInvalidInput Code = "invalid_input"

	// Validation family: the record is skipped and the pipeline continues.
	CodeValidation          Code = "validation"
	CodeUnsupportedAsset    Code = "unsupported_asset"
	CodeTimestampOutOfRange Code = "timestamp_out_of_range"

	// Vault family.
	CodeVaultUnavailable Code = "vault_unavailable"
	CodeKeyNotFound      Code = "key_not_found"
	CodeIntegrity        Code = "integrity"

	// Aggregation.
	CodeBucketClosed Code = "bucket_closed"
	CodeNotFound     Code = "not_found"

	// Audit log corruption is fatal.
	CodeAuditIntegrity Code = "audit_integrity"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any coded error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsValidation reports whether err belongs to the validation family
// (bad input record: skip, log, continue).
func IsValidation(err error) bool {
	return HasCode(err, CodeValidation) ||
		HasCode(err, CodeUnsupportedAsset) ||
		HasCode(err, CodeTimestampOutOfRange) ||
		HasCode(err, CodeInvalidInput)
}

// IsFatal reports whether err must halt the pipeline.
func IsFatal(err error) bool {
	return HasCode(err, CodeVaultUnavailable) || HasCode(err, CodeAuditIntegrity)
}
