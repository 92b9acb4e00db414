// Package service implements the booking core: the capacity ledger, the
// admission controller that accepts or rejects reservations atomically,
// and the payment reconciler that owns payment status.
package service

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that callers can map it onto a transport
// status without string matching.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidInput
	KindInvalidState
	KindCapacityExceeded
	KindUnauthorized
	KindGatewayRejected
	KindGatewayUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindInvalidState:
		return "invalid_state"
	case KindCapacityExceeded:
		return "capacity_exceeded"
	case KindUnauthorized:
		return "unauthorized"
	case KindGatewayRejected:
		return "gateway_rejected"
	case KindGatewayUnknown:
		return "gateway_unknown"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Stable error codes.  Clients branch on these.
const (
	CodeInvalidInput           = "invalid_input"
	CodeRestaurantNotFound     = "restaurant_not_found"
	CodeRestaurantInactive     = "restaurant_inactive"
	CodeInvalidPartySize       = "invalid_party_size"
	CodePartyTooLarge          = "party_too_large"
	CodeSlotFull               = "slot_full"
	CodeSlotBusy               = "slot_busy"
	CodeReservationNotFound    = "reservation_not_found"
	CodeForbidden              = "forbidden"
	CodeNotCancellable         = "not_cancellable"
	CodeNotCompletable         = "not_completable"
	CodeInvalidPaymentMethod   = "invalid_payment_method"
	CodeAlreadyPaid            = "already_paid"
	CodeNotPayable             = "not_payable"
	CodeNotPaid                = "not_paid"
	CodePaymentIntentNotFound  = "payment_intent_not_found"
	CodeInvalidSignature       = "invalid_signature"
	CodeGatewayRejected        = "gateway_rejected"
	CodeGatewayUnknown         = "gateway_unknown"
	CodeConcurrentModification = "concurrent_modification"
	CodePaymentBusy            = "payment_busy"
)

// Error is the error type returned by every service operation for
// expected failures.  Err keeps the underlying cause for logs and is
// never shown to clients.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

// KindOf returns the kind of err, or 0 when err is not a service error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// CodeOf returns the stable code of err, or "" when err is not a service
// error.
func CodeOf(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
