// Package apperr defines the error taxonomy shared by the order core.
//
// Every error that crosses a component boundary is an *Error tagged with a
// Kind. Callers branch on the kind with KindOf / Is instead of matching on
// concrete types or messages.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the stable error categories exposed to callers.
type Kind string

const (
	KindInvalidOrder        Kind = "INVALID_ORDER"
	KindInsufficientBalance Kind = "INSUFFICIENT_BALANCE"
	KindOrderNotFound       Kind = "ORDER_NOT_FOUND"
	KindExchange            Kind = "EXCHANGE_ERROR"
	KindLedgerInconsistency Kind = "LEDGER_INCONSISTENCY"
	KindInternal            Kind = "INTERNAL"
)

// Error is the tagged error value carried through the core.
type Error struct {
	Kind    Kind
	Message string
	// Status is an HTTP-like status code describing the failure class.
	Status int
	// Code is the upstream (exchange) error code, zero when not applicable.
	Code int
	// Uncertain is set when an exchange call may have taken effect even though
	// the caller saw a failure (timeouts, transport errors, 5xx).
	Uncertain bool
	Details   map[string]any
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches structured context and returns e.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// InvalidOrder reports bad input shape or value.
func InvalidOrder(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidOrder, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// InsufficientBalance reports a rejected reservation.
func InsufficientBalance(asset, required, available string) *Error {
	return &Error{
		Kind:    KindInsufficientBalance,
		Status:  http.StatusBadRequest,
		Message: fmt.Sprintf("insufficient %s balance: required %s, available %s", asset, required, available),
		Details: map[string]any{"asset": asset, "required": required, "available": available},
	}
}

// OrderNotFound reports a lookup miss or ownership mismatch.
func OrderNotFound(format string, args ...any) *Error {
	return &Error{Kind: KindOrderNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Exchange reports a failed or ambiguous exchange call.
func Exchange(status, code int, message string, cause error) *Error {
	if status == 0 {
		status = http.StatusBadGateway
	}
	return &Error{Kind: KindExchange, Status: status, Code: code, Message: message, Err: cause}
}

// LedgerInconsistency reports an invariant that was about to be violated.
func LedgerInconsistency(format string, args ...any) *Error {
	return &Error{Kind: KindLedgerInconsistency, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure (storage, encoding).
func Internal(message string, cause error) *Error {
	return &Error{Kind: KindInternal, Status: http.StatusInternalServerError, Message: message, Err: cause}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsUncertain reports whether err is an exchange failure whose effect is unknown.
func IsUncertain(err error) bool {
	e, ok := As(err)
	return ok && e.Uncertain
}

// StatusOf returns the HTTP-like status for err.
func StatusOf(err error) int {
	if e, ok := As(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}
