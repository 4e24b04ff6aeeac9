package session

import (
	"errors"
	"strings"
)

// Error kinds. Match with errors.Is on any error returned by Store.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrConnection     = errors.New("connection failed")
	ErrConflict       = errors.New("another operation is in progress for this account")
	ErrNotFound       = errors.New("session not found")
)

// ErrUnknownPlatform is returned when a login names a platform that is not
// configured.
var ErrUnknownPlatform = errors.New("unknown platform")

// Error describes a failed Store operation.
type Error struct {
	Op        string
	AccountID string

	// Kind is one of the package error kinds, or nil for storage failures.
	Kind error

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.AccountID != "" {
		b.WriteString(" ")
		b.WriteString(e.AccountID)
	}
	if e.Kind != nil {
		b.WriteString(": ")
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
