// Package errs provides the error taxonomy shared by every cairn component.
//
// Errors carry a Kind that decides how the CLI reports them and whether a run
// may continue (keep-going, no-fail-fast). Each Kind has a sentinel so callers
// can use errors.Is without knowing the concrete type.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindBuild              Kind = "build"
	KindTest               Kind = "test"
	KindNetwork            Kind = "network"
	KindAuth               Kind = "auth"
	KindPropagationTimeout Kind = "propagation-timeout"
	KindLockMismatch       Kind = "lock-mismatch"
	KindPublishRejected    Kind = "publish-rejected"
	KindInternal           Kind = "internal"
)

var (
	// ErrConfiguration indicates mutually exclusive flags, a zero-match literal
	// spec, an invalid job count or a similar invocation problem.
	ErrConfiguration = errors.New("configuration error")

	// ErrBuild indicates a compiler invocation failed.
	ErrBuild = errors.New("build failed")

	// ErrTest indicates at least one test case failed.
	ErrTest = errors.New("test failed")

	// ErrNetwork indicates the registry could not be reached or the run is offline.
	ErrNetwork = errors.New("network error")

	// ErrAuth indicates a missing or rejected registry token.
	ErrAuth = errors.New("authentication error")

	// ErrPropagationTimeout indicates a published version did not appear in the
	// index in time. It is reported as a warning, never as a failed run.
	ErrPropagationTimeout = errors.New("propagation timeout")

	// ErrLockMismatch indicates --locked was given and the lock file is stale.
	ErrLockMismatch = errors.New("lock file out of date")

	// ErrPublishRejected indicates a preflight check refused to publish.
	ErrPublishRejected = errors.New("publish rejected")
)

var sentinels = map[Kind]error{
	KindConfiguration:      ErrConfiguration,
	KindBuild:              ErrBuild,
	KindTest:               ErrTest,
	KindNetwork:            ErrNetwork,
	KindAuth:               ErrAuth,
	KindPropagationTimeout: ErrPropagationTimeout,
	KindLockMismatch:       ErrLockMismatch,
	KindPublishRejected:    ErrPublishRejected,
}

// Fields carries structured context for an Error.
type Fields map[string]any

// Error is a classified error with an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	Context Fields
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the cause and the Kind sentinel to errors.Is.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// With adds a context field and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(Fields)
	}
	e.Context[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around err.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Configf is shorthand for New(KindConfiguration, ...).
func Configf(format string, args ...any) *Error {
	return New(KindConfiguration, format, args...)
}

// KindOf returns the Kind of the first classified error in err's chain, or
// KindInternal. Aggregates report the kind of their first member.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// Aggregate collects independent failures reported together at the end of a
// keep-going or no-fail-fast run.
type Aggregate struct {
	Kind   Kind
	Errors []error
}

// Error implements the error interface.
func (a *Aggregate) Error() string {
	if len(a.Errors) == 1 {
		return a.Errors[0].Error()
	}
	lines := make([]string, 0, len(a.Errors)+1)
	lines = append(lines, fmt.Sprintf("%d failures:", len(a.Errors)))
	for _, err := range a.Errors {
		lines = append(lines, "  "+err.Error())
	}
	return strings.Join(lines, "\n")
}

// Unwrap exposes every member and the Kind sentinel.
func (a *Aggregate) Unwrap() []error {
	out := make([]error, 0, len(a.Errors)+1)
	if s, ok := sentinels[a.Kind]; ok {
		out = append(out, s)
	}
	return append(out, a.Errors...)
}

// Collect returns nil for no errors, the error itself for one, and an
// Aggregate of the given kind otherwise.
func Collect(kind Kind, errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return &Aggregate{Kind: kind, Errors: append([]error(nil), errs...)}
	}
}
