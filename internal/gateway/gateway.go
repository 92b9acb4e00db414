// Package gateway adapts the external payment gateway.  The types below
// are the contract the payment reconciler consumes; stripe.go implements
// it on top of the Stripe API.
package gateway

import (
	"errors"
	"fmt"
)

// IntentStatus mirrors the gateway's payment intent states.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCanceled              IntentStatus = "canceled"
)

// Reusable reports whether a client may still complete payment on an
// intent in this state.
func (s IntentStatus) Reusable() bool {
	switch s {
	case IntentRequiresPaymentMethod, IntentRequiresConfirmation, IntentRequiresAction, IntentProcessing:
		return true
	}
	return false
}

// Intent is a gateway payment intent.  ClientSecret is handed to the
// client to complete payment.
type Intent struct {
	ID           string
	ClientSecret string
	Status       IntentStatus
	Amount       int64
	Currency     string
	Metadata     map[string]string
}

// IntentParams describes an intent to create.  IdempotencyKey makes a
// retried create return the intent created by the first attempt.
type IntentParams struct {
	Amount         int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

// Refund is the gateway's record of a refund.
type Refund struct {
	ID     string
	Status string
	Amount int64
}

// Event is a verified webhook notification.  IntentID is set for
// payment_intent.* events.
type Event struct {
	ID       string
	Type     string
	IntentID string
}

// Webhook event types handled by the reconciler.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
)

var (
	// ErrRejected marks a deterministic gateway refusal.  Retrying the
	// same request yields the same answer.
	ErrRejected = errors.New("gateway: request rejected")
	// ErrUnknown marks a call whose outcome could not be observed:
	// timeouts, network failures and gateway-side errors.  A
	// side-effecting call may or may not have taken effect.
	ErrUnknown = errors.New("gateway: outcome unknown")
	// ErrNotFound is a rejection because the referenced object does not
	// exist.  It matches ErrRejected as well.
	ErrNotFound = errors.New("gateway: no such object")
	// ErrInvalidSignature is returned when a webhook payload cannot be
	// authenticated.
	ErrInvalidSignature = errors.New("gateway: invalid webhook signature")
)

// Error carries the classification of a failed gateway call together with
// the gateway's own diagnostics.  Diagnostics are for logs only.
type Error struct {
	Op         string
	Outcome    error // ErrRejected or ErrUnknown
	Code       string
	HTTPStatus int
	Err        error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %v (code=%s status=%d): %v", e.Op, e.Outcome, e.Code, e.HTTPStatus, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Outcome, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case e.Outcome:
		return true
	case ErrNotFound:
		return e.Outcome == ErrRejected && e.Code == "resource_missing"
	}
	return false
}
