// Package xerrors classifies pipeline errors into a small taxonomy so
// the supervisor's restart logic and the exporter's retry logic can
// switch on error class instead of string-matching messages.
package xerrors

import "fmt"

// Class is one of the error categories the pipeline distinguishes.
type Class string

const (
	ClassConfig       Class = "config"
	ClassUnavailable  Class = "source_unavailable"
	ClassTransient    Class = "transient_transport"
	ClassPermanent    Class = "permanent_transport"
	ClassPersistence  Class = "persistence"
	ClassInvariant    Class = "invariant_violation"
)

// Error wraps a cause with a Class and the component/operation it
// occurred in, trimmed to exactly what the supervisor and exporter
// branch on.
type Error struct {
	Class     Class
	Component string
	Operation string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s.%s", e.Class, e.Component, e.Operation)
	}
	return fmt.Sprintf("%s: %s.%s: %v", e.Class, e.Component, e.Operation, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// New wraps cause with the given classification.
func New(class Class, component, operation string, cause error) *Error {
	return &Error{Class: class, Component: component, Operation: operation, Cause: cause}
}

// ClassOf extracts the Class from err if it (or something it wraps) is an
// *Error; otherwise it returns fallback unchanged as the caller's best guess.
func ClassOf(err error, fallback Class) Class {
	var e *Error
	if as(err, &e) {
		return e.Class
	}
	return fallback
}

func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
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
