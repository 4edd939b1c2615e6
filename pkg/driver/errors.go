package driver

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind tags a driver failure per the platform taxonomy.
type ErrorKind string

// Driver error kinds.
const (
	KindLocator   ErrorKind = "locator"
	KindTimeout   ErrorKind = "timeout"
	KindNetwork   ErrorKind = "network"
	KindAssertion ErrorKind = "assertion"
	KindCancelled ErrorKind = "cancelled"
	KindInternal  ErrorKind = "internal"
)

// Error is a classified driver failure. Backends wrap every raw failure in
// an Error at the adapter boundary so the executor never sees engine
// internals.
type Error struct {
	Kind   ErrorKind
	Op     string
	Target string
	Err    error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("driver %s on %q: %s: %v", e.Op, e.Target, e.Kind, e.Err)
	}
	return fmt.Sprintf("driver %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified driver error.
func NewError(kind ErrorKind, op, target string, err error) *Error {
	return &Error{Kind: kind, Op: op, Target: target, Err: err}
}

// LocatorError reports that a target was syntactically invalid or matched no
// visible element.
func LocatorError(op, target string, err error) *Error {
	return NewError(KindLocator, op, target, err)
}

// KindOf extracts the error kind, classifying context errors when the failure
// was not already tagged.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsLocator reports whether err is a locator-class driver failure eligible
// for auto-heal.
func IsLocator(err error) bool { return KindOf(err) == KindLocator }

// IsRetryable reports whether err may succeed on retry (timeouts and
// navigation/network failures).
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindNetwork:
		return true
	}
	return false
}
