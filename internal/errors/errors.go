package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess  Code = 0
	CodeInternal Code = 1
	CodeUsage    Code = 2
	CodeBlocked  Code = 16
	CodeNotFound Code = 17

	CodeUnauthorized            Code = 20
	CodeUnknownHandler          Code = 21
	CodeReentrancyDenied        Code = 22
	CodeIndexOutOfRange         Code = 23
	CodeHandlerFailed           Code = 24
	CodeInsufficientAssetForFee Code = 25
	CodeHalted                  Code = 26
	CodeBanned                  Code = 27
	CodeNotRegistered           Code = 28
	CodeInvalidArgument         Code = 29
	CodeReverted                Code = 30
)

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error

	// inner is reachable through Unwrap but not rendered by Error.
	inner error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	if e.Cause != nil {
		return e.Cause
	}
	return e.inner
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Prefixed renders as prefix+cause.Error() while keeping cause in the chain.
func Prefixed(code Code, prefix string, cause error) *Error {
	return &Error{Code: code, Message: prefix + cause.Error(), inner: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// HasCode reports whether any typed error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		if cErr, ok := err.(*Error); ok && cErr.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the snake_case label used in error envelopes and receipts.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeBlocked:
		return "command_blocked"
	case CodeNotFound:
		return "not_found"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeUnknownHandler:
		return "unknown_handler"
	case CodeReentrancyDenied:
		return "reentrancy_denied"
	case CodeIndexOutOfRange:
		return "index_out_of_range"
	case CodeHandlerFailed:
		return "handler_execution_failed"
	case CodeInsufficientAssetForFee:
		return "insufficient_asset_for_fee"
	case CodeHalted:
		return "halted"
	case CodeBanned:
		return "banned"
	case CodeNotRegistered:
		return "not_registered"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeReverted:
		return "reverted"
	default:
		return "internal_error"
	}
}
