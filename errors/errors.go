// Package errors defines the typed error taxonomy used across the chain
// state engine. It follows the same shape the rest of the node's services
// use: a single concrete type carrying a code, a formatted message, and an
// optional wrapped cause, so callers can branch on Code with errors.Is/As
// instead of string-matching messages.
package errors

import (
	"errors"
	"fmt"
)

// ErrData lets a caller attach structured context to an Error without
// growing the Error type itself.
type ErrData interface {
	Error() string
}

// Error is the node's standard error type. Code classifies the failure per
// the taxonomy in ERR_*; Message is a formatted human description;
// WrappedErr, when present, is the underlying cause.
type Error struct {
	Code       ERR
	Message    string
	WrappedErr error
	Data       ErrData
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	dataMsg := ""
	if e.Data != nil {
		dataMsg = e.Data.Error()
	}

	if e.WrappedErr == nil {
		if dataMsg == "" {
			return fmt.Sprintf("%s: %s", e.Code, e.Message)
		}
		return fmt.Sprintf("%s: %s, data: %s", e.Code, e.Message, dataMsg)
	}

	if dataMsg == "" {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.WrappedErr)
	}

	return fmt.Sprintf("%s: %s: %v, data: %s", e.Code, e.Message, e.WrappedErr, dataMsg)
}

// Is reports whether target carries the same Code, walking wrapped *Error
// chains the way the standard errors.Is walks Unwrap chains.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}

	var te *Error
	if errors.As(target, &te) {
		if e.Code == te.Code {
			return true
		}
	}

	if unwrapped := errors.Unwrap(e); unwrapped != nil {
		if ue, ok := unwrapped.(*Error); ok {
			return ue.Is(target)
		}
	}

	return false
}

func (e *Error) As(target interface{}) bool {
	if e == nil {
		return false
	}

	if targetErr, ok := target.(**Error); ok {
		*targetErr = e
		return true
	}

	if e.Data != nil {
		if data, ok := e.Data.(error); ok {
			if errors.As(data, target) {
				return true
			}
		}
	}

	if e.WrappedErr != nil {
		return errors.As(e.WrappedErr, target)
	}

	return false
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.WrappedErr
}

// New builds an *Error. The final element of params may be an error (or
// *Error), which becomes the wrapped cause; remaining params are applied as
// fmt.Sprintf args against message.
func New(code ERR, message string, params ...interface{}) *Error {
	var wErr error

	if len(params) > 0 {
		last := params[len(params)-1]
		if err, ok := last.(error); ok {
			wErr = err
			params = params[:len(params)-1]
		}
	}

	if len(params) > 0 {
		message = fmt.Sprintf(message, params...)
	}

	return &Error{
		Code:       code,
		Message:    message,
		WrappedErr: wErr,
	}
}

// Is delegates to the standard library so callers can use errors.Is(err,
// sentinel) uniformly whether sentinel is a *Error or a plain error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As delegates to the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap delegates to the standard library.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// Join combines multiple errors the way extension rollback reports every
// invariant broken by a batch at once.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
