package relay

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	// KindInvalidRequest is rejected before any external call.
	KindInvalidRequest ErrorKind = iota + 1
	// KindUpstream is a chain or signing network failure, timeouts included.
	KindUpstream
	// KindCapability means the relay was not allowed to ask.
	KindCapability
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindUpstream:
		return "upstream"
	case KindCapability:
		return "capability"
	}
	return "unknown"
}

// Error carries the kind of a failure and the step that produced it.
type Error struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Details is the underlying message, verbatim.
func (e *Error) Details() string {
	return e.Err.Error()
}

func invalidRequest(step string, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidRequest, Step: step, Err: fmt.Errorf(format, args...)}
}

func upstream(step string, err error) *Error {
	return &Error{Kind: KindUpstream, Step: step, Err: err}
}

// KindOf reports the kind of err; untyped errors count as upstream failures.
func KindOf(err error) ErrorKind {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return KindUpstream
}
