// Package faults defines the worldcore error taxonomy: unrecoverable faults
// (lock exhaustion, rename failure, SQL failure, construction errors) versus
// recoverable validation outcomes, which are reported as structured results
// and never raised.
package faults

import (
	"errors"
	"fmt"
)

// Fatal marks an error as unrecoverable. Callers seeing a Fatal must stop the
// affected subsystem; the crash handler turns it into a graceful shutdown.
type Fatal struct {
	Op  string
	Err error
}

func (f *Fatal) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: fatal", f.Op)
	}
	return fmt.Sprintf("%s: %v", f.Op, f.Err)
}

func (f *Fatal) Unwrap() error { return f.Err }

// Recoverable reports false for every Fatal.
func (f *Fatal) Recoverable() bool { return false }

// Fatalf wraps err as a Fatal with an operation label.
func Fatalf(op string, err error) error {
	return &Fatal{Op: op, Err: err}
}

// IsFatal reports whether any error in the chain is a Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return errors.As(err, &f)
}

// TimeoutError is returned by flow.WithTimeout when the deadline fires before
// the operation completes. The label lets callers categorize the timeout.
type TimeoutError struct {
	Label string
}

func (t *TimeoutError) Error() string { return t.Label }

// IsTimeout reports whether any error in the chain is a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}
