package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/gateway"
	"github.com/iliyamo/restaurant-reservation/internal/lock"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/queue"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
)

// Currency of every amount handled by the reconciler.
const Currency = "jpy"

// gateway error code returned when refunding an intent that was already
// refunded.
const codeChargeAlreadyRefunded = "charge_already_refunded"

// IntentResult is returned to the client so it can complete payment.
type IntentResult struct {
	ReservationID string               `json:"reservation_id"`
	IntentID      string               `json:"payment_intent_id"`
	ClientSecret  string               `json:"client_secret"`
	Amount        int64                `json:"amount"`
	Currency      string               `json:"currency"`
	Status        gateway.IntentStatus `json:"status"`
	Reused        bool                 `json:"reused"`
}

// ConfirmResult reports what a success notification did.  Matched is
// false when no reservation carries the intent; Changed is true only for
// the notification that moved the reservation to paid.
type ConfirmResult struct {
	Reservation *model.Reservation
	Matched     bool
	Changed     bool
}

// RefundResult reports a completed refund.
type RefundResult struct {
	Reservation *model.Reservation `json:"reservation"`
	RefundID    string             `json:"refund_id"`
	Status      string             `json:"status"`
}

// WebhookResult reports how a verified webhook event was handled.
type WebhookResult struct {
	EventID string
	Type    string
	Handled bool
	Confirm ConfirmResult
}

// Reconciler owns payment status.  It is the only component that writes
// payment_status and payment_intent_id, always by compare-and-set, and it
// serializes the gateway-calling transitions of one reservation with a
// per-reservation lock.
//
// State machine:
//
//	pending --intent created-->          pending (intent id recorded)
//	pending --gateway success-->         paid
//	paid    --duplicate success-->       paid (no-op)
//	paid    --operator refund-->         refunded
type Reconciler struct {
	reservations ReservationStore
	restaurants  RestaurantStore
	gw           PaymentGateway
	locker       lock.Locker
	events       EventPublisher
	log          *zap.Logger
	lockWait     time.Duration
}

// NewReconciler wires the reconciler.  It panics on a nil required
// dependency.  events may be nil.
func NewReconciler(reservations ReservationStore, restaurants RestaurantStore, gw PaymentGateway, locker lock.Locker, events EventPublisher, log *zap.Logger, lockWait time.Duration) *Reconciler {
	if reservations == nil || restaurants == nil || gw == nil || locker == nil {
		panic("NewReconciler: nil dependency")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if lockWait <= 0 {
		lockWait = 5 * time.Second
	}
	return &Reconciler{
		reservations: reservations,
		restaurants:  restaurants,
		gw:           gw,
		locker:       locker,
		events:       events,
		log:          log,
		lockWait:     lockWait,
	}
}

// CreateIntent returns a payment intent the customer can pay.  A stored
// intent that can still be paid is returned as is, and one in any other
// live state is refused as not payable.  A new one is created only when
// none exists or the stored one was cancelled.  Creation uses
// an idempotency key derived from the reservation and the intent it
// replaces, so a retry after an unknown outcome yields the same intent.
func (r *Reconciler) CreateIntent(ctx context.Context, reservationID string, who Requester) (IntentResult, error) {
	res, err := loadReservation(ctx, r.reservations, reservationID)
	if err != nil {
		return IntentResult{}, err
	}
	if res.CustomerID != who.UserID {
		return IntentResult{}, newError(KindUnauthorized, CodeForbidden, "only the customer can pay for this reservation")
	}

	var out outbox
	defer r.flush(ctx, &out)
	unlock, err := r.lockPayment(ctx, reservationID)
	if err != nil {
		return IntentResult{}, err
	}
	defer unlock()

	// re-read under the lock
	if res, err = loadReservation(ctx, r.reservations, reservationID); err != nil {
		return IntentResult{}, err
	}
	if err := payable(res); err != nil {
		return IntentResult{}, err
	}

	if prev := res.IntentID(); prev != "" {
		in, err := r.gw.RetrieveIntent(ctx, prev)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
			r.log.Warn("stored payment intent missing at gateway",
				zap.String("reservation_id", res.ID), zap.String("payment_intent_id", prev))
		case err != nil:
			return IntentResult{}, r.gatewayError("retrieve intent", res.ID, err)
		case in.Status == gateway.IntentSucceeded:
			// the success notification has not arrived yet
			changed, err := r.markPaid(ctx, res)
			if err != nil {
				return IntentResult{}, err
			}
			if changed {
				out.add(eventFor(queue.PaymentPaid, res))
			}
			return IntentResult{}, newError(KindInvalidState, CodeAlreadyPaid, "reservation is already paid")
		case in.Status.Reusable():
			return intentResult(res, in, true), nil
		case in.Status != gateway.IntentCanceled:
			// authorized but not captured, or a state this client does
			// not know; neither reuse nor replace it
			r.log.Warn("stored payment intent is not payable",
				zap.String("reservation_id", res.ID),
				zap.String("payment_intent_id", prev),
				zap.String("status", string(in.Status)))
			return IntentResult{}, newError(KindInvalidState, CodeNotPayable,
				fmt.Sprintf("payment intent is %s and cannot be paid again", in.Status))
		}
	}

	in, err := r.gw.CreateIntent(ctx, gateway.IntentParams{
		Amount:   res.Amount,
		Currency: Currency,
		Metadata: map[string]string{
			"reservation_id": res.ID,
			"customer_id":    res.CustomerID,
			"restaurant_id":  res.RestaurantID,
		},
		IdempotencyKey: intentKey(res),
	})
	if err != nil {
		return IntentResult{}, r.gatewayError("create intent", res.ID, err)
	}

	if in.ID != res.IntentID() {
		ok, err := r.reservations.SetPaymentIntent(ctx, res.ID, res.PaymentIntentID, in.ID)
		if err != nil {
			return IntentResult{}, fmt.Errorf("store payment intent: %w", err)
		}
		if !ok {
			return IntentResult{}, newError(KindInvalidState, CodeConcurrentModification, "reservation payment changed concurrently")
		}
	}
	r.log.Info("payment intent created",
		zap.String("reservation_id", res.ID), zap.String("payment_intent_id", in.ID))
	return intentResult(res, in, false), nil
}

// ConfirmByIntentID applies a gateway success notification.  Applying
// the same notification again, or one for an already refunded
// reservation, changes nothing.  An intent that matches no reservation is
// logged and reported with Matched false.
func (r *Reconciler) ConfirmByIntentID(ctx context.Context, intentID string) (ConfirmResult, error) {
	res, err := r.reservations.GetByPaymentIntent(ctx, intentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.log.Warn("payment success for unknown intent", zap.String("payment_intent_id", intentID))
			return ConfirmResult{}, nil
		}
		return ConfirmResult{}, fmt.Errorf("load reservation by intent: %w", err)
	}
	if res.PaymentStatus != model.PaymentPending {
		return ConfirmResult{Reservation: res, Matched: true}, nil
	}
	if res.Status == model.StatusCancelled {
		r.log.Warn("payment succeeded for cancelled reservation",
			zap.String("reservation_id", res.ID), zap.String("payment_intent_id", intentID))
	}
	changed, err := r.markPaid(ctx, res)
	if err != nil {
		return ConfirmResult{}, err
	}
	if changed {
		r.publish(ctx, eventFor(queue.PaymentPaid, res))
	}
	return ConfirmResult{Reservation: res, Matched: true, Changed: changed}, nil
}

// Refund refunds a paid online reservation.  The gateway is called once;
// when its outcome is unknown the reservation stays paid and the
// reservation is flagged for manual reconciliation.
func (r *Reconciler) Refund(ctx context.Context, reservationID string, who Requester) (RefundResult, error) {
	res, err := loadReservation(ctx, r.reservations, reservationID)
	if err != nil {
		return RefundResult{}, err
	}
	if err := requireOwnerOrAdmin(ctx, r.restaurants, res, who); err != nil {
		return RefundResult{}, err
	}

	var out outbox
	defer r.flush(ctx, &out)
	unlock, err := r.lockPayment(ctx, reservationID)
	if err != nil {
		return RefundResult{}, err
	}
	defer unlock()

	if res, err = loadReservation(ctx, r.reservations, reservationID); err != nil {
		return RefundResult{}, err
	}
	switch {
	case res.PaymentMethod != model.PaymentOnline:
		return RefundResult{}, newError(KindInvalidState, CodeInvalidPaymentMethod, "reservation is not paid online")
	case res.PaymentStatus != model.PaymentPaid:
		return RefundResult{}, newError(KindInvalidState, CodeNotPaid,
			fmt.Sprintf("payment is %s and cannot be refunded", res.PaymentStatus))
	case res.IntentID() == "":
		return RefundResult{}, newError(KindInvalidState, CodePaymentIntentNotFound, "reservation has no payment intent")
	}

	rf, err := r.gw.Refund(ctx, res.IntentID(), "refund:"+res.ID)
	if err != nil {
		var ge *gateway.Error
		switch {
		case errors.As(err, &ge) && ge.Code == codeChargeAlreadyRefunded:
			r.log.Warn("intent already refunded at gateway", zap.String("reservation_id", res.ID))
		case errors.Is(err, gateway.ErrUnknown):
			r.log.Error("refund outcome unknown; manual reconciliation required",
				zap.String("reservation_id", res.ID),
				zap.String("payment_intent_id", res.IntentID()),
				zap.Error(err))
			ev := eventFor(queue.PaymentRefundUnknown, res)
			ev.Detail = "refund outcome unknown for intent " + res.IntentID()
			out.add(ev)
			return RefundResult{}, &Error{
				Kind:    KindGatewayUnknown,
				Code:    CodeGatewayUnknown,
				Message: "refund outcome could not be confirmed; it will be reconciled manually",
				Err:     err,
			}
		default:
			return RefundResult{}, r.gatewayError("refund", res.ID, err)
		}
	}

	ok, err := r.reservations.UpdatePaymentStatus(ctx, res.ID, model.PaymentPaid, model.PaymentRefunded)
	if err != nil {
		return RefundResult{}, fmt.Errorf("update payment status: %w", err)
	}
	if !ok {
		r.log.Error("refund issued but payment status changed concurrently", zap.String("reservation_id", res.ID))
		return RefundResult{}, newError(KindInvalidState, CodeConcurrentModification, "reservation payment changed concurrently")
	}
	res.PaymentStatus = model.PaymentRefunded
	r.log.Info("payment refunded", zap.String("reservation_id", res.ID), zap.String("refund_id", rf.ID))
	out.add(eventFor(queue.PaymentRefunded, res))
	return RefundResult{Reservation: res, RefundID: rf.ID, Status: rf.Status}, nil
}

// VerifyEvent authenticates a webhook payload.  Nothing in the payload is
// trusted before this succeeds.
func (r *Reconciler) VerifyEvent(payload []byte, signature string) (gateway.Event, error) {
	if signature == "" {
		return gateway.Event{}, newError(KindUnauthorized, CodeInvalidSignature, "missing signature")
	}
	ev, err := r.gw.VerifySignature(payload, signature)
	if err != nil {
		return gateway.Event{}, &Error{Kind: KindUnauthorized, Code: CodeInvalidSignature, Message: "invalid signature", Err: err}
	}
	return ev, nil
}

// HandleEvent verifies a webhook and dispatches it.  Event types other
// than payment success are acknowledged without action.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (WebhookResult, error) {
	ev, err := r.VerifyEvent(payload, signature)
	if err != nil {
		return WebhookResult{}, err
	}
	out := WebhookResult{EventID: ev.ID, Type: ev.Type}
	switch ev.Type {
	case gateway.EventPaymentIntentSucceeded:
		if ev.IntentID == "" {
			r.log.Warn("payment success event without intent id", zap.String("event_id", ev.ID))
			return out, nil
		}
		cr, err := r.ConfirmByIntentID(ctx, ev.IntentID)
		if err != nil {
			return out, err
		}
		out.Handled = true
		out.Confirm = cr
	default:
		r.log.Debug("webhook event ignored", zap.String("event_id", ev.ID), zap.String("type", ev.Type))
	}
	return out, nil
}

// markPaid applies pending -> paid.  It reports false when another
// writer got there first; res is refreshed in that case.  The caller
// publishes payment.paid.
func (r *Reconciler) markPaid(ctx context.Context, res *model.Reservation) (bool, error) {
	ok, err := r.reservations.UpdatePaymentStatus(ctx, res.ID, model.PaymentPending, model.PaymentPaid)
	if err != nil {
		return false, fmt.Errorf("update payment status: %w", err)
	}
	if !ok {
		current, err := loadReservation(ctx, r.reservations, res.ID)
		if err != nil {
			return false, err
		}
		*res = *current
		return false, nil
	}
	res.PaymentStatus = model.PaymentPaid
	r.log.Info("payment confirmed",
		zap.String("reservation_id", res.ID), zap.String("payment_intent_id", res.IntentID()))
	return true, nil
}

func (r *Reconciler) lockPayment(ctx context.Context, reservationID string) (lock.Unlock, error) {
	unlock, err := r.locker.Acquire(ctx, lock.PaymentKey(reservationID), r.lockWait)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return nil, &Error{
				Kind:      KindInvalidState,
				Code:      CodePaymentBusy,
				Message:   "another payment operation is in progress, try again",
				Retryable: true,
				Err:       err,
			}
		}
		return nil, fmt.Errorf("acquire payment lock: %w", err)
	}
	return unlock, nil
}

// gatewayError converts a gateway failure into a service error.  The
// gateway's diagnostics go to the log only.
func (r *Reconciler) gatewayError(op, reservationID string, err error) error {
	r.log.Warn("gateway call failed",
		zap.String("op", op), zap.String("reservation_id", reservationID), zap.Error(err))
	if errors.Is(err, gateway.ErrRejected) {
		return &Error{Kind: KindGatewayRejected, Code: CodeGatewayRejected, Message: "payment gateway declined the request", Err: err}
	}
	return &Error{
		Kind:      KindGatewayUnknown,
		Code:      CodeGatewayUnknown,
		Message:   "payment gateway did not respond, try again",
		Retryable: op != "refund",
		Err:       err,
	}
}

func (r *Reconciler) publish(ctx context.Context, ev queue.Event) {
	publish(ctx, r.events, r.log, ev)
}

// outbox holds events raised under the payment lock.  They are flushed
// after the lock is released.
type outbox struct {
	events []queue.Event
}

func (o *outbox) add(ev queue.Event) { o.events = append(o.events, ev) }

func (r *Reconciler) flush(ctx context.Context, o *outbox) {
	for _, ev := range o.events {
		r.publish(ctx, ev)
	}
}

// payable checks that a reservation can receive a new or reused intent.
func payable(res *model.Reservation) error {
	switch {
	case res.PaymentMethod != model.PaymentOnline:
		return newError(KindInvalidState, CodeInvalidPaymentMethod, "reservation is paid on site")
	case res.PaymentStatus == model.PaymentPaid:
		return newError(KindInvalidState, CodeAlreadyPaid, "reservation is already paid")
	case res.PaymentStatus == model.PaymentRefunded:
		return newError(KindInvalidState, CodeNotPayable, "reservation was refunded")
	case res.Status == model.StatusCancelled:
		return newError(KindInvalidState, CodeNotPayable, "reservation is cancelled")
	case res.Amount <= 0:
		return newError(KindInvalidState, CodeNotPayable, "reservation has nothing to pay")
	}
	return nil
}

func intentKey(res *model.Reservation) string {
	prev := res.IntentID()
	if prev == "" {
		prev = "first"
	}
	return "intent:" + res.ID + ":" + prev
}

func intentResult(res *model.Reservation, in gateway.Intent, reused bool) IntentResult {
	currency := in.Currency
	if currency == "" {
		currency = Currency
	}
	amount := in.Amount
	if amount == 0 {
		amount = res.Amount
	}
	return IntentResult{
		ReservationID: res.ID,
		IntentID:      in.ID,
		ClientSecret:  in.ClientSecret,
		Amount:        amount,
		Currency:      currency,
		Status:        in.Status,
		Reused:        reused,
	}
}
