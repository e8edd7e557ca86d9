// SPDX-License-Identifier: MIT

package model

import "fmt"

// ErrorCode is a compact, typed failure signal following the
// ERR_<CATEGORY>_<DETAIL> convention. Categories: FILE, WHISPER, JOB, SYSTEM.
type ErrorCode string

const (
	ErrNone ErrorCode = ""

	// FILE_* — problems with the source audio file.
	ErrFileNotFound          ErrorCode = "ERR_FILE_NOT_FOUND"
	ErrFileNotReadable       ErrorCode = "ERR_FILE_NOT_READABLE"
	ErrFileInvalid           ErrorCode = "ERR_FILE_INVALID"
	ErrFileUnsupportedFormat ErrorCode = "ERR_FILE_UNSUPPORTED_FORMAT"
	ErrFileTooLarge          ErrorCode = "ERR_FILE_TOO_LARGE"

	// WHISPER_* — problems with the transcription subprocess.
	ErrWhisperCrash         ErrorCode = "ERR_WHISPER_CRASH"
	ErrWhisperTimeout       ErrorCode = "ERR_WHISPER_TIMEOUT"
	ErrWhisperNotFound      ErrorCode = "ERR_WHISPER_NOT_FOUND"
	ErrWhisperInvalidOutput ErrorCode = "ERR_WHISPER_INVALID_OUTPUT"

	// JOB_* — lifecycle failures raised by the queue itself.
	ErrJobStalled ErrorCode = "ERR_JOB_STALLED"

	// SYSTEM_* — everything uncategorised.
	ErrSystemUnknown ErrorCode = "ERR_SYSTEM_UNKNOWN"
)

// Retryable reports whether a failure with this code may be re-attempted.
// Subprocess crashes and transient I/O are retryable; a missing, oversized
// or unsupported source never heals by retrying.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrFileNotFound, ErrFileUnsupportedFormat, ErrFileTooLarge:
		return false
	default:
		return true
	}
}

// JobError carries a machine-readable code plus human-readable context.
// It is the only error shape that crosses the subprocess-adapter boundary.
type JobError struct {
	Code   ErrorCode
	Reason string
	Err    error // underlying cause, not persisted
}

func (e *JobError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return string(e.Code)
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError builds a JobError with a formatted reason.
func NewJobError(code ErrorCode, err error, format string, args ...any) *JobError {
	return &JobError{Code: code, Reason: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the error code from err, defaulting to ERR_SYSTEM_UNKNOWN.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrNone
	}
	var je *JobError
	if AsJobError(err, &je) {
		return je.Code
	}
	return ErrSystemUnknown
}

// AsJobError is errors.As specialised for *JobError; kept here so callers
// do not need to import errors alongside model.
func AsJobError(err error, target **JobError) bool {
	for err != nil {
		if je, ok := err.(*JobError); ok {
			*target = je
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
