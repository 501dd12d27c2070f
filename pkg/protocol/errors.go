package protocol

import "fmt"

// Code identifies a protocol-level failure class. Validation codes are
// client-caused and surfaced as rejections; peer codes are transient and
// only ever logged/retried by the background engines.
type Code string

const (
	// Validation failures (message rejected, never retried).
	CodeInvalidStructure Code = "INVALID_STRUCTURE"
	CodeHashMismatch     Code = "HASH_MISMATCH"
	CodeUnknownAccount   Code = "UNKNOWN_ACCOUNT"
	CodeInvalidSignature Code = "INVALID_SIGNATURE"

	// Peer failures (transient, retried on the next scheduled pass).
	CodePeerUnreachable       Code = "PEER_UNREACHABLE"
	CodePeerTimeout           Code = "PEER_TIMEOUT"
	CodePeerMalformedResponse Code = "PEER_MALFORMED_RESPONSE"

	// Local storage failure (fatal for the current operation).
	CodeStorageFailure Code = "STORAGE_FAILURE"
)

// Error carries a protocol code plus a human-readable detail.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Errf builds a protocol error with a formatted detail message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the protocol code from err, or empty when err is not a
// protocol error.
func CodeOf(err error) Code {
	if pe, ok := err.(*Error); ok {
		return pe.Code
	}
	return ""
}

// IsValidation reports whether code is one of the client-caused
// validation rejections.
func IsValidation(code Code) bool {
	switch code {
	case CodeInvalidStructure, CodeHashMismatch, CodeUnknownAccount, CodeInvalidSignature:
		return true
	}
	return false
}
