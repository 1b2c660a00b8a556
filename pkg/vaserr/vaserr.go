// Package vaserr defines the error categories used across the service and
// their mapping to HTTP status codes.
package vaserr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure so the API layer can map it to a canonical
// HTTP status and error code.
type Kind int

const (
	KindInternal Kind = iota
	KindRouterUnavailable
	KindRouterError
	KindSSRCCaptureFailed
	KindRTSPConnectionFailed
	KindTranscoderError
	KindIllegalTransition
	KindNotFound
	KindTimeout
)

// String returns the wire-level error code for the kind.
func (k Kind) String() string {
	switch k {
	case KindRouterUnavailable:
		return "ROUTER_UNAVAILABLE"
	case KindRouterError:
		return "ROUTER_ERROR"
	case KindSSRCCaptureFailed:
		return "SSRC_CAPTURE_FAILED"
	case KindRTSPConnectionFailed:
		return "RTSP_CONNECTION_FAILED"
	case KindTranscoderError:
		return "TRANSCODER_ERROR"
	case KindIllegalTransition:
		return "ILLEGAL_TRANSITION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindTimeout:
		return "TIMEOUT"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus returns the canonical HTTP status code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindRouterUnavailable, KindRouterError:
		return http.StatusServiceUnavailable
	case KindSSRCCaptureFailed, KindRTSPConnectionFailed:
		return http.StatusBadGateway
	case KindIllegalTransition:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a categorized error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a categorized error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a categorized error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a categorized error around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from an error chain, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether the error chain contains a categorized error of the
// given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
