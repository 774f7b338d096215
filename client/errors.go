package client

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// Retrying may help, the compositor or its socket was unavailable
	Transient ErrorKind = iota
	// Nothing will change by retrying. A Waiter reporting this is Terminal.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is what QueryOutputs and Waiter hand to callers
type Error struct {
	Kind ErrorKind
	// Step that failed, e.g. "detect" or "query"
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a fatal *Error
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == Fatal
}

func fatal(op string, err error) *Error {
	return &Error{Kind: Fatal, Op: op, Err: err}
}

func transient(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}
