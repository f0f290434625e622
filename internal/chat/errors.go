package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrorKind classifies failures crossing the gateway boundary.
type ErrorKind string

const (
	KindConfiguration  ErrorKind = "configuration"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindAuth           ErrorKind = "auth"
	KindUpstream       ErrorKind = "upstream"
	KindTransport      ErrorKind = "transport"
)

// Error is the typed error raised by the registry, adapters and gateway.
//
// Status is the provider's HTTP status for upstream errors (0 when unknown).
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus maps the error to the status the outermost handler responds with.
func (e *Error) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindConfiguration:
		return http.StatusInternalServerError
	case KindUpstream:
		if e.Status >= 400 && e.Status <= 599 {
			return e.Status
		}
		return http.StatusBadGateway
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func ConfigurationError(format string, args ...any) *Error {
	return &Error{Kind: KindConfiguration, Message: fmt.Sprintf(format, args...)}
}

func InvalidRequest(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

func AuthError(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

func UpstreamError(status int, message string, cause error) *Error {
	return &Error{Kind: KindUpstream, Status: status, Message: message, Err: cause}
}

func TransportError(cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: KindTransport, Message: msg, Err: cause}
}

// KindOf returns the taxonomy kind of err, or "" when err is not a *Error.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsCanceled reports whether err stems from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

var urlPattern = regexp.MustCompile(`https?://[^\s"'<>]+`)

// ScrubURLs removes upstream URLs from a message shown to end users.
func ScrubURLs(msg string) string {
	return urlPattern.ReplaceAllString(msg, "[url]")
}

// PublicMessage renders err for untrusted callers.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		msg := strings.TrimSpace(ce.Message)
		if msg == "" && ce.Err != nil {
			msg = ce.Err.Error()
		}
		if msg == "" {
			msg = string(ce.Kind) + " error"
		}
		return ScrubURLs(msg)
	}
	return ScrubURLs(err.Error())
}
