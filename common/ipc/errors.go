package ipc

import (
	"errors"
	"fmt"
)

var (
	// Input did not match the dialect's schema
	ErrMalformed = errors.New("malformed message")
	// The compositor refused the event subscription
	ErrSubscribeRejected = errors.New("event subscription rejected")
)

type MalformedError struct {
	Backend Kind
	Reason  string
	Err     error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Backend, ErrMalformed, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Backend, ErrMalformed, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(kind Kind, reason string, err error) error {
	return &MalformedError{Backend: kind, Reason: reason, Err: err}
}

// excerpt shortens untrusted input for error messages
func excerpt(frame []byte) string {
	const max = 64
	if len(frame) > max {
		return fmt.Sprintf("%q...", frame[:max])
	}
	return fmt.Sprintf("%q", frame)
}
