package convert

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindDecode     Kind = "DecodeError"
	KindFetch      Kind = "FetchError"
	KindEncode     Kind = "EncodeError"
	KindCanceled   Kind = "CanceledError"
)

var (
	ErrNoInput    = errors.New("no image provided")
	ErrTooLarge   = errors.New("payload too large")
	ErrMissingURL = errors.New("missing url")
)

// Error is the request-scoped failure returned by the pipeline and the ingress
// adapters. Status carries the remote HTTP status for fetch failures.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Kind, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func ValidationError(err error) *Error {
	return &Error{Kind: KindValidation, Message: err.Error(), Err: err}
}

func DecodeError(err error) *Error {
	return &Error{Kind: KindDecode, Message: err.Error(), Err: err}
}

func EncodeError(err error) *Error {
	return &Error{Kind: KindEncode, Message: err.Error(), Err: err}
}

// CanceledError marks a conversion abandoned before it started because the
// caller's context ended. The context error stays in the chain.
func CanceledError(err error) *Error {
	return &Error{Kind: KindCanceled, Message: err.Error(), Err: err}
}

func FetchError(status int, err error) *Error {
	return &Error{Kind: KindFetch, Message: err.Error(), Status: status, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var convErr *Error
	if errors.As(err, &convErr) {
		return convErr.Kind
	}
	return ""
}

type Descriptor struct {
	Kind    Kind   `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

func DescriptorFor(err error) Descriptor {
	var convErr *Error
	if errors.As(err, &convErr) {
		return Descriptor{Kind: convErr.Kind, Message: convErr.Message, Status: convErr.Status}
	}
	return Descriptor{Kind: KindEncode, Message: err.Error()}
}
