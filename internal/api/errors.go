package api

import (
	"errors"
	"fmt"
)

// ErrorKind discriminates orchestrator failures so callers (and the HTTP
// front-end) can react without parsing message text.
type ErrorKind string

const (
	KindImageFetch  ErrorKind = "image_fetch"
	KindBuild       ErrorKind = "build"
	KindContainer   ErrorKind = "container"
	KindProxyReload ErrorKind = "proxy_reload"
	KindCertificate ErrorKind = "certificate"
	KindRegistry    ErrorKind = "registry"
	KindConflict    ErrorKind = "conflict"
)

// Sentinels for the common conflict cases. Wrapped inside *Error so both
// errors.Is and kind inspection work.
var (
	ErrServiceNotFound = errors.New("no such service")
	ErrDomainTaken     = errors.New("domain already bound to another service")
	ErrDomainNotBound  = errors.New("domain not bound to service")
)

// Error is the stable failure value every orchestrator operation returns.
// Diagnostic carries captured subprocess output (stderr, build logs) when
// the failure originated in an external tool.
type Error struct {
	Kind       ErrorKind
	Message    string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a typed failure.
func NewError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// WithDiagnostic attaches captured external-tool output.
func (e *Error) WithDiagnostic(diag string) *Error {
	e.Diagnostic = diag
	return e
}

// KindOf returns the error kind, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) is a typed failure of
// the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
