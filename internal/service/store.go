package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/gateway"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/queue"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
)

// RestaurantStore is the read-only view of restaurants the booking core
// needs.
type RestaurantStore interface {
	GetByID(ctx context.Context, id string) (*model.Restaurant, error)
	GetByOwner(ctx context.Context, ownerID string) (*model.Restaurant, error)
	ListSeats(ctx context.Context, restaurantID string) ([]model.Seat, error)
}

// ReservationStore persists reservations.  SeatCapacity and ReservedSeats
// read outside any transaction; InSlotTx runs an admission decision in
// one, on conn when it is not nil.  The Update and Set methods are compare-and-set and report whether
// they applied.
type ReservationStore interface {
	SeatCapacity(ctx context.Context, restaurantID string) (int, error)
	ReservedSeats(ctx context.Context, key model.SlotKey) (int, error)
	InSlotTx(ctx context.Context, conn *sql.Conn, fn func(repository.SlotTx) error) error

	GetByID(ctx context.Context, id string) (*model.Reservation, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*model.Reservation, error)
	ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]model.Reservation, error)
	ListByRestaurant(ctx context.Context, restaurantID string, f repository.ListFilter) ([]model.Reservation, error)

	UpdateStatus(ctx context.Context, id string, from, to model.ReservationStatus) (bool, error)
	UpdatePaymentStatus(ctx context.Context, id string, from, to model.PaymentStatus) (bool, error)
	SetPaymentIntent(ctx context.Context, id string, prev *string, next string) (bool, error)
}

// PaymentGateway is the payment gateway contract.  Errors match
// gateway.ErrRejected or gateway.ErrUnknown.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, p gateway.IntentParams) (gateway.Intent, error)
	RetrieveIntent(ctx context.Context, id string) (gateway.Intent, error)
	Refund(ctx context.Context, intentID, idempotencyKey string) (gateway.Refund, error)
	VerifySignature(payload []byte, signature string) (gateway.Event, error)
}

// EventPublisher delivers domain events.  Delivery is best effort.
type EventPublisher interface {
	Publish(ctx context.Context, ev queue.Event) error
}

// Requester identifies the authenticated caller of an operation.
type Requester struct {
	UserID string
	Role   model.Role
}

func (r Requester) IsAdmin() bool { return r.Role == model.RoleAdmin }

// Page bounds list results.
type Page struct {
	Limit  int
	Offset int
}

func eventFor(typ string, res *model.Reservation) queue.Event {
	return queue.Event{
		Type:          typ,
		ReservationID: res.ID,
		RestaurantID:  res.RestaurantID,
		CustomerID:    res.CustomerID,
		Date:          res.Date,
		Time:          res.Time,
		PartySize:     res.PartySize,
		PaymentStatus: string(res.PaymentStatus),
		Amount:        res.Amount,
	}
}

func loadReservation(ctx context.Context, store ReservationStore, id string) (*model.Reservation, error) {
	res, err := store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindNotFound, CodeReservationNotFound, "reservation not found")
		}
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	return res, nil
}

// requireOwnerOrAdmin allows admins and the store account owning the
// reservation's restaurant.
func requireOwnerOrAdmin(ctx context.Context, restaurants RestaurantStore, res *model.Reservation, who Requester) error {
	if who.IsAdmin() {
		return nil
	}
	forbidden := newError(KindUnauthorized, CodeForbidden, "not allowed to manage this reservation")
	if who.Role != model.RoleStore {
		return forbidden
	}
	rest, err := restaurants.GetByID(ctx, res.RestaurantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return forbidden
		}
		return fmt.Errorf("load restaurant: %w", err)
	}
	if rest.OwnerID != who.UserID {
		return forbidden
	}
	return nil
}

// publish sends ev when a publisher is configured.  Failures are logged
// only: the state change has already committed.
func publish(ctx context.Context, events EventPublisher, log *zap.Logger, ev queue.Event) {
	if events == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := events.Publish(pubCtx, ev); err != nil {
		log.Warn("publish event failed",
			zap.String("event", ev.Type), zap.String("reservation_id", ev.ReservationID), zap.Error(err))
	}
}
