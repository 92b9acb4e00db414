package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/restaurant-reservation/internal/gateway"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/queue"
)

func webhookPayload(typ, intent string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_%s","type":%q,"intent":%q}`, intent, typ, intent))
}

func TestCreateIntent_New(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", nil)

	got, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
	require.NoError(t, err)

	assert.Equal(t, "pi_1", got.IntentID)
	assert.Equal(t, "pi_1_secret", got.ClientSecret)
	assert.Equal(t, int64(5000), got.Amount)
	assert.Equal(t, "jpy", got.Currency)
	assert.False(t, got.Reused)
	assert.Equal(t, "pi_1", f.store.intentOf("res-1"))

	calls := f.gw.createCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "intent:res-1:first", calls[0].IdempotencyKey)
	assert.Equal(t, map[string]string{
		"reservation_id": "res-1",
		"customer_id":    customerID,
		"restaurant_id":  restaurantID,
	}, calls[0].Metadata)
}

// Two intent requests and two success notifications: one intent, one
// transition to paid.
func TestPaymentFlow_DuplicateRequestsAndNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedReservation("res-1", nil)

	first, err := f.reconciler.CreateIntent(ctx, "res-1", customer)
	require.NoError(t, err)
	second, err := f.reconciler.CreateIntent(ctx, "res-1", customer)
	require.NoError(t, err)
	assert.Equal(t, first.IntentID, second.IntentID)
	assert.True(t, second.Reused)
	assert.Len(t, f.gw.createCalls(), 1)

	payload := webhookPayload(gateway.EventPaymentIntentSucceeded, first.IntentID)
	for i := 0; i < 2; i++ {
		out, err := f.reconciler.HandleEvent(ctx, payload, goodSignature)
		require.NoError(t, err)
		assert.True(t, out.Handled)
		assert.True(t, out.Confirm.Matched)
		assert.Equal(t, i == 0, out.Confirm.Changed)
	}
	assert.Equal(t, model.PaymentPaid, f.store.get("res-1").PaymentStatus)
	assert.Equal(t, 1, f.events.count(queue.PaymentPaid))
}

func TestConfirmByIntentID_ConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", func(r *model.Reservation) { r.PaymentIntentID = strPtr("pi_abc") })

	var wg sync.WaitGroup
	var mu sync.Mutex
	changed := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.reconciler.ConfirmByIntentID(context.Background(), "pi_abc")
			if !assert.NoError(t, err) {
				return
			}
			assert.True(t, out.Matched)
			assert.Equal(t, model.PaymentPaid, out.Reservation.PaymentStatus)
			if out.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, changed)
	assert.Equal(t, 1, f.events.count(queue.PaymentPaid))
}

func TestConfirmByIntentID_UnknownIntentIsDropped(t *testing.T) {
	f := newFixture(t)
	out, err := f.reconciler.ConfirmByIntentID(context.Background(), "pi_stranger")
	require.NoError(t, err)
	assert.False(t, out.Matched)
	assert.Nil(t, out.Reservation)
}

func TestConfirmByIntentID_AfterRefundIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", func(r *model.Reservation) {
		r.PaymentIntentID = strPtr("pi_abc")
		r.PaymentStatus = model.PaymentRefunded
	})
	out, err := f.reconciler.ConfirmByIntentID(context.Background(), "pi_abc")
	require.NoError(t, err)
	assert.True(t, out.Matched)
	assert.False(t, out.Changed)
	assert.Equal(t, model.PaymentRefunded, f.store.get("res-1").PaymentStatus)
}

func TestCreateIntent_StoredIntentStates(t *testing.T) {
	t.Run("cancelled intent is replaced", func(t *testing.T) {
		f := newFixture(t)
		f.seedReservation("res-1", nil)
		first, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
		require.NoError(t, err)
		f.gw.setStatus(first.IntentID, gateway.IntentCanceled)

		next, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
		require.NoError(t, err)
		assert.NotEqual(t, first.IntentID, next.IntentID)
		assert.Equal(t, next.IntentID, f.store.intentOf("res-1"))
		calls := f.gw.createCalls()
		require.Len(t, calls, 2)
		assert.Equal(t, "intent:res-1:"+first.IntentID, calls[1].IdempotencyKey)
	})

	t.Run("succeeded intent marks paid", func(t *testing.T) {
		f := newFixture(t)
		f.seedReservation("res-1", nil)
		first, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
		require.NoError(t, err)
		f.gw.setStatus(first.IntentID, gateway.IntentSucceeded)

		_, err = f.reconciler.CreateIntent(context.Background(), "res-1", customer)
		requireServiceError(t, err, KindInvalidState, CodeAlreadyPaid)
		assert.Equal(t, model.PaymentPaid, f.store.get("res-1").PaymentStatus)
		assert.Len(t, f.gw.createCalls(), 1)
	})

	t.Run("intent missing at gateway is replaced", func(t *testing.T) {
		f := newFixture(t)
		f.seedReservation("res-1", func(r *model.Reservation) { r.PaymentIntentID = strPtr("pi_lost") })

		next, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
		require.NoError(t, err)
		assert.Equal(t, "pi_1", next.IntentID)
		assert.Equal(t, "intent:res-1:pi_lost", f.gw.createCalls()[0].IdempotencyKey)
	})

	t.Run("processing intent is reused", func(t *testing.T) {
		f := newFixture(t)
		f.seedReservation("res-1", nil)
		first, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
		require.NoError(t, err)
		f.gw.setStatus(first.IntentID, gateway.IntentProcessing)

		again, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
		require.NoError(t, err)
		assert.True(t, again.Reused)
		assert.Equal(t, first.IntentID, again.IntentID)
	})

	for _, st := range []gateway.IntentStatus{gateway.IntentRequiresCapture, "some_future_state"} {
		t.Run(string(st)+" intent is neither reused nor replaced", func(t *testing.T) {
			f := newFixture(t)
			f.seedReservation("res-1", nil)
			first, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
			require.NoError(t, err)
			f.gw.setStatus(first.IntentID, st)

			_, err = f.reconciler.CreateIntent(context.Background(), "res-1", customer)
			requireServiceError(t, err, KindInvalidState, CodeNotPayable)
			assert.Len(t, f.gw.createCalls(), 1)
			assert.Equal(t, first.IntentID, f.store.intentOf("res-1"))
			assert.Equal(t, model.PaymentPending, f.store.get("res-1").PaymentStatus)
		})
	}
}

func TestCreateIntent_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Reservation)
		who    Requester
		kind   Kind
		code   string
	}{
		{"onsite", func(r *model.Reservation) { r.PaymentMethod = model.PaymentOnsite }, customer, KindInvalidState, CodeInvalidPaymentMethod},
		{"paid", func(r *model.Reservation) { r.PaymentStatus = model.PaymentPaid }, customer, KindInvalidState, CodeAlreadyPaid},
		{"refunded", func(r *model.Reservation) { r.PaymentStatus = model.PaymentRefunded }, customer, KindInvalidState, CodeNotPayable},
		{"cancelled", func(r *model.Reservation) { r.Status = model.StatusCancelled }, customer, KindInvalidState, CodeNotPayable},
		{"other customer", nil, Requester{UserID: "cust-2", Role: model.RoleCustomer}, KindUnauthorized, CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedReservation("res-1", tt.mutate)
			_, err := f.reconciler.CreateIntent(context.Background(), "res-1", tt.who)
			requireServiceError(t, err, tt.kind, tt.code)
			assert.Empty(t, f.gw.createCalls())
		})
	}

	f := newFixture(t)
	_, err := f.reconciler.CreateIntent(context.Background(), "missing", customer)
	requireServiceError(t, err, KindNotFound, CodeReservationNotFound)
}

func TestCreateIntent_GatewayUnknownStoresNothing(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", nil)
	f.gw.createErr = &gateway.Error{Op: "create intent", Outcome: gateway.ErrUnknown, Err: errors.New("timeout")}

	_, err := f.reconciler.CreateIntent(context.Background(), "res-1", customer)
	se := requireServiceError(t, err, KindGatewayUnknown, CodeGatewayUnknown)
	assert.True(t, se.Retryable)
	assert.NotContains(t, se.Message, "timeout")
	assert.Nil(t, f.store.get("res-1").PaymentIntentID)
}

func paidReservation(r *model.Reservation) {
	r.PaymentStatus = model.PaymentPaid
	r.PaymentIntentID = strPtr("pi_paid")
}

func TestRefund_Succeeds(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", paidReservation)

	out, err := f.reconciler.Refund(context.Background(), "res-1", owner)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, out.Reservation.PaymentStatus)
	assert.Equal(t, "re_pi_paid", out.RefundID)
	assert.Equal(t, model.PaymentRefunded, f.store.get("res-1").PaymentStatus)
	assert.Equal(t, []string{"refund:res-1"}, f.gw.refunds)
	assert.Equal(t, 1, f.events.count(queue.PaymentRefunded))
}

func TestRefund_SlowPublishDoesNotHoldPaymentLock(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", paidReservation)
	pub := newBlockingPublisher()
	reconciler := NewReconciler(f.store, memRestaurants{f.store}, f.gw, f.locker, pub, nil, 50*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := reconciler.Refund(context.Background(), "res-1", owner)
		done <- err
	}()
	select {
	case <-pub.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("refund never published")
	}

	// payment_busy here would mean the lock is still held during Publish
	_, err := reconciler.Refund(context.Background(), "res-1", owner)
	requireServiceError(t, err, KindInvalidState, CodeNotPaid)

	close(pub.release)
	require.NoError(t, <-done)
}

// A refund racing duplicate success notifications and repeated refund
// requests goes through the gateway once and leaves the reservation
// refunded.
func TestRefund_RacesConfirmAndDuplicateWebhooks(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", paidReservation)
	ctx := context.Background()
	payload := webhookPayload(gateway.EventPaymentIntentSucceeded, "pi_paid")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		refunded  int
		confirmed int
	)
	for i := 0; i < 8; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			_, err := f.reconciler.Refund(ctx, "res-1", owner)
			if err == nil {
				mu.Lock()
				refunded++
				mu.Unlock()
				return
			}
			var se *Error
			if assert.ErrorAs(t, err, &se) {
				assert.Contains(t, []string{CodeNotPaid, CodePaymentBusy}, se.Code)
			}
		}()
		go func() {
			defer wg.Done()
			out, err := f.reconciler.ConfirmByIntentID(ctx, "pi_paid")
			if assert.NoError(t, err) {
				assert.True(t, out.Matched)
				assert.False(t, out.Changed)
			}
		}()
		go func() {
			defer wg.Done()
			out, err := f.reconciler.HandleEvent(ctx, payload, goodSignature)
			if assert.NoError(t, err) {
				assert.False(t, out.Confirm.Changed)
				mu.Lock()
				confirmed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, refunded)
	assert.Equal(t, 8, confirmed)
	assert.Equal(t, 1, f.gw.refundCalls())
	assert.Equal(t, model.PaymentRefunded, f.store.get("res-1").PaymentStatus)
	assert.Equal(t, 1, f.events.count(queue.PaymentRefunded))
	assert.Zero(t, f.events.count(queue.PaymentPaid))
}

func TestRefund_Preconditions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.Reservation)
		who    Requester
		kind   Kind
		code   string
	}{
		{"pending", nil, owner, KindInvalidState, CodeNotPaid},
		{"already refunded", func(r *model.Reservation) {
			paidReservation(r)
			r.PaymentStatus = model.PaymentRefunded
		}, owner, KindInvalidState, CodeNotPaid},
		{"onsite", func(r *model.Reservation) {
			paidReservation(r)
			r.PaymentMethod = model.PaymentOnsite
		}, owner, KindInvalidState, CodeInvalidPaymentMethod},
		{"no intent", func(r *model.Reservation) { r.PaymentStatus = model.PaymentPaid }, admin, KindInvalidState, CodePaymentIntentNotFound},
		{"customer", paidReservation, customer, KindUnauthorized, CodeForbidden},
		{"other store", paidReservation, Requester{UserID: "owner-2", Role: model.RoleStore}, KindUnauthorized, CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			seeded := f.seedReservation("res-1", tt.mutate)

			_, err := f.reconciler.Refund(context.Background(), "res-1", tt.who)
			requireServiceError(t, err, tt.kind, tt.code)
			assert.Equal(t, seeded, f.store.get("res-1"), "state must not change")
			assert.Zero(t, f.gw.refundCalls())
		})
	}
}

func TestRefund_UnknownOutcomeLeavesPaid(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", paidReservation)
	f.gw.refundErr = &gateway.Error{Op: "refund", Outcome: gateway.ErrUnknown, Err: errors.New("context deadline exceeded")}

	_, err := f.reconciler.Refund(context.Background(), "res-1", admin)
	se := requireServiceError(t, err, KindGatewayUnknown, CodeGatewayUnknown)
	assert.False(t, se.Retryable)
	assert.Equal(t, model.PaymentPaid, f.store.get("res-1").PaymentStatus)
	assert.Equal(t, 1, f.gw.refundCalls())
	assert.Equal(t, 1, f.events.count(queue.PaymentRefundUnknown))
}

func TestRefund_Rejected(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", paidReservation)
	f.gw.refundErr = &gateway.Error{Op: "refund", Outcome: gateway.ErrRejected, Code: "amount_too_large", HTTPStatus: 400, Err: errors.New("bad")}

	_, err := f.reconciler.Refund(context.Background(), "res-1", owner)
	requireServiceError(t, err, KindGatewayRejected, CodeGatewayRejected)
	assert.Equal(t, model.PaymentPaid, f.store.get("res-1").PaymentStatus)
}

func TestRefund_AlreadyRefundedAtGateway(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", paidReservation)
	f.gw.refundErr = &gateway.Error{Op: "refund", Outcome: gateway.ErrRejected, Code: codeChargeAlreadyRefunded, HTTPStatus: 400, Err: errors.New("already")}

	_, err := f.reconciler.Refund(context.Background(), "res-1", owner)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentRefunded, f.store.get("res-1").PaymentStatus)
}

func TestHandleEvent_Signature(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", func(r *model.Reservation) { r.PaymentIntentID = strPtr("pi_abc") })
	payload := webhookPayload(gateway.EventPaymentIntentSucceeded, "pi_abc")

	_, err := f.reconciler.HandleEvent(context.Background(), payload, "t=1,v1=forged")
	requireServiceError(t, err, KindUnauthorized, CodeInvalidSignature)

	_, err = f.reconciler.HandleEvent(context.Background(), payload, "")
	requireServiceError(t, err, KindUnauthorized, CodeInvalidSignature)

	assert.Equal(t, model.PaymentPending, f.store.get("res-1").PaymentStatus)
}

func TestHandleEvent_OtherTypesAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.seedReservation("res-1", func(r *model.Reservation) { r.PaymentIntentID = strPtr("pi_abc") })

	out, err := f.reconciler.HandleEvent(context.Background(), webhookPayload("payment_intent.payment_failed", "pi_abc"), goodSignature)
	require.NoError(t, err)
	assert.False(t, out.Handled)
	assert.Equal(t, "payment_intent.payment_failed", out.Type)
	assert.Equal(t, model.PaymentPending, f.store.get("res-1").PaymentStatus)
}
