// Package apperr holds the error taxonomy shared by the facade, the copy
// orchestrator and the vendor backends.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrInvalidLocator     = errors.New("invalid locator")
	ErrNotFound           = errors.New("not found")
	ErrTransfer           = errors.New("transfer failed")
	ErrStageFailed        = errors.New("stage failed")
	ErrUploadFailed       = errors.New("upload failed")
	ErrAlreadyExists      = errors.New("already exists")
)

// Error is the normalized error returned across the facade boundary.
// It matches both its Kind sentinel and its cause with errors.Is/As.
type Error struct {
	Op          string // get, put, copy, resolve, ...
	Kind        error  // one of the sentinels above
	Backend     string // backend (service) the failing call ran against
	Target      string // second backend for cross-backend operations
	Source      string
	Destination string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Source != "" {
		b.WriteString(" ")
		b.WriteString(e.Source)
	}
	if e.Destination != "" {
		b.WriteString(" -> ")
		b.WriteString(e.Destination)
	}
	if e.Backend != "" {
		b.WriteString(" [")
		b.WriteString(e.Backend)
		if e.Target != "" {
			b.WriteString(" -> ")
			b.WriteString(e.Target)
		}
		b.WriteString("]")
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

// UnsupportedBackend reports a backend identifier no factory is registered for.
func UnsupportedBackend(id string) error {
	return &Error{Op: "resolve", Kind: ErrUnsupportedBackend, Backend: id}
}

// InvalidLocator reports a malformed "backend:path" string.
func InvalidLocator(raw, reason string) error {
	return &Error{Op: "parse", Kind: ErrInvalidLocator, Source: fmt.Sprintf("%q", raw), Err: errors.New(reason)}
}

// NotFound reports a path absent on a backend.
func NotFound(op, backend, path string) error {
	return &Error{Op: op, Kind: ErrNotFound, Backend: backend, Source: path}
}

// Transfer normalizes a backend failure of a get/put call. Errors that are
// already normalized are returned unchanged.
func Transfer(op, backend, source, destination string, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Op == op && ae.Backend == backend {
		return err
	}
	return &Error{Op: op, Kind: ErrTransfer, Backend: backend, Source: source, Destination: destination, Err: err}
}

// Wrap annotates err with op and backend identity, keeping Kind when err
// already carries one of the sentinels.
func Wrap(op, backend, source string, err error) error {
	if err == nil {
		return nil
	}
	kind := kindOf(err)
	if kind == nil {
		return fmt.Errorf("%s %s [%s]: %w", op, source, backend, err)
	}
	return &Error{Op: op, Kind: kind, Backend: backend, Source: source, Err: stripKind(err, kind)}
}

// IsNotFound is a shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func kindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrAlreadyExists, ErrInvalidLocator, ErrUnsupportedBackend} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// stripKind drops the cause when it is the bare sentinel itself so the
// message does not repeat "not found: not found".
func stripKind(err, kind error) error {
	if err == kind {
		return nil
	}
	return err
}
