package store

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is the error type of all store and tier operations. It carries a
// return code that classifies the failure and, optionally, the error that
// caused it.
//
// Errors compare by code with errors.Is, so callers can write
//
//	if errors.Is(err, store.ErrCapacityRejection) { ... }
//
// regardless of message and cause.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message
	Err  error   // The underlying cause, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("StoreError (code %s): %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// WrapError creates a new Error with the given code, message and cause.
func WrapError(code RetCode, msg string, cause error) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
		Err:  cause,
	}
}

// CodeOf returns the code of the first *Error in err's chain, RetCSuccess
// for nil and RetCInternalError for foreign errors.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the store.
	RetCInvalidOperation                    // 3: Invalid operation or argument.
	RetCLifecycleViolation                  // 4: Operation invoked before init, after close or init called twice.
	RetCPersistenceFailure                  // 5: The authoritative tier could not complete a durable read or write.
	RetCCapacityRejection                   // 6: The authoritative tier refused to admit an entry.
	RetCCachingTierFailure                  // 7: The caching tier could not be updated or invalidated.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCLifecycleViolation:
		return "LifecycleViolation"
	case RetCPersistenceFailure:
		return "PersistenceFailure"
	case RetCCapacityRejection:
		return "CapacityRejection"
	case RetCCachingTierFailure:
		return "CachingTierAdvisoryFailure"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is. Only the code is compared.
var (
	ErrInternal             = NewError(RetCInternalError, "internal error")
	ErrUnsupportedOperation = NewError(RetCUnsupportedOperation, "unsupported operation")
	ErrInvalidOperation     = NewError(RetCInvalidOperation, "invalid operation")
	ErrLifecycleViolation   = NewError(RetCLifecycleViolation, "lifecycle violation")
	ErrPersistenceFailure   = NewError(RetCPersistenceFailure, "persistence failure")
	ErrCapacityRejection    = NewError(RetCCapacityRejection, "capacity rejection")
	ErrCachingTierFailure   = NewError(RetCCachingTierFailure, "caching tier advisory failure")
)
