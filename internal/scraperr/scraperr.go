// Package scraperr defines the typed error union shared by every component
// and the stable code → recovery-strategy registry surfaced to callers.
package scraperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions. Only the
// dispatcher and the REST layer convert kinds into wire envelopes.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindPermission
	KindAuth
	KindDependency
	KindTransient
	KindPolicy
	KindInternal
)

// Stable error codes. Every code listed here must have a recovery string
// registered below; TestEveryCodeHasRecovery enforces that.
const (
	CodeInvalidURL              = "INVALID_URL"
	CodeInvalidProfile          = "INVALID_PROFILE"
	CodeInvalidRateLimit        = "INVALID_RATE_LIMIT"
	CodeInvalidMaxResponseChars = "INVALID_MAX_RESPONSE_CHARS"
	CodeInvalidArgument         = "INVALID_ARGUMENT"
	CodeURLNotFound             = "URL_NOT_FOUND"
	CodeAccessDenied            = "ACCESS_DENIED"
	CodeRateLimited             = "RATE_LIMITED"
	CodeFetchError              = "FETCH_ERROR"
	CodeTimeoutError            = "TIMEOUT_ERROR"
	CodeConnectionError         = "CONNECTION_ERROR"
	CodeRobotsBlocked           = "ROBOTS_BLOCKED"
	CodeSelectorNotFound        = "SELECTOR_NOT_FOUND"
	CodeInvalidSelector         = "INVALID_SELECTOR"
	CodeEncodingError           = "ENCODING_ERROR"
	CodeExtractionError         = "EXTRACTION_ERROR"
	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeInvalidChunkIndex       = "INVALID_CHUNK_INDEX"
	CodeContentTooLarge         = "CONTENT_TOO_LARGE"
	CodeAuthError               = "AUTH_ERROR"
	CodePermissionDenied        = "PERMISSION_DENIED"
	CodeSSRFBlocked             = "SSRF_BLOCKED"
	CodeParseError              = "PARSE_ERROR"
	CodeUnknownTool             = "UNKNOWN_TOOL"
	CodeInternalError           = "INTERNAL_ERROR"
)

// Error is the tagged union carried across component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error with the given kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to an Error.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// WithDetail returns e with key set in its Details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// As extracts an *Error from an error chain, or wraps an arbitrary error as
// an INTERNAL_ERROR so no untyped failure crosses the wire boundary.
func As(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	return Wrap(KindInternal, CodeInternalError, "unexpected internal error", err)
}

// CodeOf returns the stable code of err, or INTERNAL_ERROR for untyped errors.
func CodeOf(err error) string {
	return As(err).Code
}
