package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/lock"
	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/queue"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
)

// MaxNotesLength bounds the free-text notes of a reservation, in
// characters.
const MaxNotesLength = 500

// AdmissionConfig tunes slot lock contention handling.
//
// Fields:
//
//	LockWait     – bounded wait for the slot lock on each attempt.
//	Retries      – attempts before a busy slot is reported to the caller.
//	RetryBackoff – pause between attempts, doubled each time.
type AdmissionConfig struct {
	LockWait     time.Duration
	Retries      int
	RetryBackoff time.Duration
}

// ReservationRequest is a customer's request for seats at a slot.
type ReservationRequest struct {
	CustomerID    string
	RestaurantID  string
	Date          string
	Time          string
	PartySize     int
	PaymentMethod model.PaymentMethod
	Amount        int64
	Notes         *string
}

// Availability is the answer to a lock-free capacity query.
type Availability struct {
	Available bool   `json:"available"`
	Message   string `json:"message"`
	Remaining int    `json:"remaining_seats"`
}

// AdmissionController is the only writer that creates reservations and
// moves their lifecycle status.  Every decision for a slot runs under that
// slot's lock and inside one store transaction, so the seats reserved at a
// slot never exceed the restaurant's live capacity.
type AdmissionController struct {
	restaurants  RestaurantStore
	reservations ReservationStore
	locker       lock.Locker
	events       EventPublisher
	log          *zap.Logger
	cfg          AdmissionConfig

	now   func() time.Time
	newID func() string
}

// NewAdmissionController wires the controller.  It panics when a required
// dependency is nil since the server cannot run without it.  events may
// be nil to disable publishing.
func NewAdmissionController(restaurants RestaurantStore, reservations ReservationStore, locker lock.Locker, events EventPublisher, log *zap.Logger, cfg AdmissionConfig) *AdmissionController {
	if restaurants == nil || reservations == nil || locker == nil {
		panic("NewAdmissionController: nil dependency")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if cfg.Retries < 1 {
		cfg.Retries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	return &AdmissionController{
		restaurants:  restaurants,
		reservations: reservations,
		locker:       locker,
		events:       events,
		log:          log,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        uuid.NewString,
	}
}

// RequestReservation admits or rejects req.  Checks run in order:
// input shape, restaurant existence, restaurant status, party size,
// party against total capacity, then party against slot headroom.  A
// rejection leaves nothing behind.
func (a *AdmissionController) RequestReservation(ctx context.Context, req ReservationRequest) (*model.Reservation, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if _, err := a.activeRestaurant(ctx, req.RestaurantID); err != nil {
		return nil, err
	}
	if req.PartySize < 1 {
		return nil, newError(KindInvalidInput, CodeInvalidPartySize, "party size must be at least 1")
	}

	capacity, err := a.reservations.SeatCapacity(ctx, req.RestaurantID)
	if err != nil {
		return nil, fmt.Errorf("read capacity: %w", err)
	}
	if req.PartySize > capacity {
		return nil, partyTooLarge(capacity)
	}

	key := model.SlotKey{RestaurantID: req.RestaurantID, Date: req.Date, Time: req.Time}
	conn, unlock, err := a.acquireSlot(ctx, key)
	if err != nil {
		return nil, err
	}

	now := a.now()
	res := &model.Reservation{
		ID:            a.newID(),
		CustomerID:    req.CustomerID,
		RestaurantID:  req.RestaurantID,
		Date:          req.Date,
		Time:          req.Time,
		PartySize:     req.PartySize,
		Status:        model.StatusConfirmed,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: model.PaymentPending,
		Amount:        req.Amount,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// the slot lock covers only the committed decision
	err = func() error {
		defer unlock()
		return a.reservations.InSlotTx(ctx, conn, func(tx repository.SlotTx) error {
			h, err := ReadHeadroom(ctx, tx, key)
			if err != nil {
				return err
			}
			// capacity may have shrunk since the unlocked pre-check
			if req.PartySize > h.Capacity {
				return partyTooLarge(h.Capacity)
			}
			if !h.CanSeat(req.PartySize) {
				return newError(KindCapacityExceeded, CodeSlotFull,
					fmt.Sprintf("slot is full: %d of %d seats remaining", h.Remaining, h.Capacity))
			}
			return tx.InsertReservation(ctx, res)
		})
	}()
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("admit reservation: %w", err)
	}

	a.log.Info("reservation confirmed",
		zap.String("reservation_id", res.ID),
		zap.String("slot", key.String()),
		zap.Int("party_size", res.PartySize))
	a.publish(ctx, eventFor(queue.ReservationConfirmed, res))
	return res, nil
}

// acquireSlot takes the slot lock, retrying a bounded number of times on
// contention.  When the lock lives on a database session the holding
// connection is returned so the admission transaction runs on it; conn is
// nil otherwise.
func (a *AdmissionController) acquireSlot(ctx context.Context, key model.SlotKey) (*sql.Conn, lock.Unlock, error) {
	name := lock.SlotKey(key.RestaurantID, key.Date, key.Time)
	session, _ := a.locker.(lock.SessionLocker)
	backoff := a.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		var (
			conn   *sql.Conn
			unlock lock.Unlock
			err    error
		)
		if session != nil {
			conn, unlock, err = session.AcquireSession(ctx, name, a.cfg.LockWait)
		} else {
			unlock, err = a.locker.Acquire(ctx, name, a.cfg.LockWait)
		}
		if err == nil {
			return conn, unlock, nil
		}
		if !errors.Is(err, lock.ErrTimeout) {
			return nil, nil, fmt.Errorf("acquire slot lock: %w", err)
		}
		if attempt >= a.cfg.Retries {
			a.log.Warn("slot lock busy", zap.String("slot", key.String()), zap.Int("attempts", attempt))
			return nil, nil, &Error{
				Kind:      KindCapacityExceeded,
				Code:      CodeSlotBusy,
				Message:   "slot is busy, try again",
				Retryable: true,
				Err:       err,
			}
		}
		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, nil, ctx.Err()
		}
		backoff *= 2
	}
}

func (a *AdmissionController) activeRestaurant(ctx context.Context, id string) (*model.Restaurant, error) {
	rest, err := a.restaurants.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindNotFound, CodeRestaurantNotFound, "restaurant not found")
		}
		return nil, fmt.Errorf("load restaurant: %w", err)
	}
	if !rest.Active() {
		return nil, newError(KindInvalidState, CodeRestaurantInactive, "restaurant is not accepting reservations")
	}
	return rest, nil
}

// CheckAvailability answers whether a party could currently be seated at
// a slot.  It takes no lock, so the answer may be stale by the time a
// reservation is requested.
func (a *AdmissionController) CheckAvailability(ctx context.Context, restaurantID, date, clock string, partySize int) (Availability, error) {
	if !validDate(date) || !validTime(clock) {
		return Availability{}, newError(KindInvalidInput, CodeInvalidInput, "date must be YYYY-MM-DD and time HH:MM")
	}
	if partySize < 1 {
		return Availability{}, newError(KindInvalidInput, CodeInvalidPartySize, "party size must be at least 1")
	}
	rest, err := a.restaurants.GetByID(ctx, restaurantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Availability{Message: "Restaurant not found"}, nil
		}
		return Availability{}, fmt.Errorf("load restaurant: %w", err)
	}
	if !rest.Active() {
		return Availability{Message: "Restaurant is not accepting reservations"}, nil
	}
	h, err := ReadHeadroom(ctx, a.reservations, model.SlotKey{RestaurantID: restaurantID, Date: date, Time: clock})
	if err != nil {
		return Availability{}, err
	}
	switch {
	case h.Capacity == 0:
		return Availability{Message: "No seats configured"}, nil
	case partySize > h.Capacity:
		return Availability{Message: fmt.Sprintf("Party size exceeds restaurant capacity of %d", h.Capacity)}, nil
	case !h.CanSeat(partySize):
		return Availability{Message: fmt.Sprintf("Not enough seats: %d remaining", h.Remaining), Remaining: h.Remaining}, nil
	}
	return Availability{
		Available: true,
		Message:   fmt.Sprintf("%d seats remaining", h.Remaining),
		Remaining: h.Remaining,
	}, nil
}

// Cancel moves a confirmed reservation to cancelled on behalf of its
// customer, freeing its seats.  Payment status is not touched; a paid
// reservation is refunded separately.
func (a *AdmissionController) Cancel(ctx context.Context, id string, who Requester) (*model.Reservation, error) {
	res, err := a.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.CustomerID != who.UserID {
		return nil, newError(KindUnauthorized, CodeForbidden, "only the customer can cancel this reservation")
	}
	if res.Status != model.StatusConfirmed {
		return nil, newError(KindInvalidState, CodeNotCancellable,
			fmt.Sprintf("reservation is %s and cannot be cancelled", res.Status))
	}
	return a.transition(ctx, res, model.StatusCancelled, queue.ReservationCancelled, CodeNotCancellable)
}

// Complete marks a confirmed reservation as rendered.  Only the owner of
// the restaurant or an admin may do so.
func (a *AdmissionController) Complete(ctx context.Context, id string, who Requester) (*model.Reservation, error) {
	res, err := a.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := a.requireOwnerOrAdmin(ctx, res, who); err != nil {
		return nil, err
	}
	if res.Status != model.StatusConfirmed {
		return nil, newError(KindInvalidState, CodeNotCompletable,
			fmt.Sprintf("reservation is %s and cannot be completed", res.Status))
	}
	return a.transition(ctx, res, model.StatusCompleted, queue.ReservationCompleted, CodeNotCompletable)
}

func (a *AdmissionController) transition(ctx context.Context, res *model.Reservation, to model.ReservationStatus, eventType, code string) (*model.Reservation, error) {
	ok, err := a.reservations.UpdateStatus(ctx, res.ID, model.StatusConfirmed, to)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if !ok {
		// lost the race against another transition
		current, err := a.load(ctx, res.ID)
		if err != nil {
			return nil, err
		}
		return nil, newError(KindInvalidState, code,
			fmt.Sprintf("reservation is %s", current.Status))
	}
	res.Status = to
	res.UpdatedAt = a.now()
	a.log.Info("reservation status changed",
		zap.String("reservation_id", res.ID), zap.String("status", string(to)))
	a.publish(ctx, eventFor(eventType, res))
	return res, nil
}

// Get returns a reservation visible to who: its customer, the owner of
// its restaurant, or an admin.
func (a *AdmissionController) Get(ctx context.Context, id string, who Requester) (*model.Reservation, error) {
	res, err := a.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.CustomerID == who.UserID {
		return res, nil
	}
	if err := a.requireOwnerOrAdmin(ctx, res, who); err != nil {
		return nil, err
	}
	return res, nil
}

// ListForCustomer returns the customer's own reservations.
func (a *AdmissionController) ListForCustomer(ctx context.Context, customerID string, page Page) ([]model.Reservation, error) {
	out, err := a.reservations.ListByCustomer(ctx, customerID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

// ListForRestaurantOwner returns reservations of the restaurant owned by
// ownerID, optionally filtered by date and status.
func (a *AdmissionController) ListForRestaurantOwner(ctx context.Context, ownerID string, f repository.ListFilter) ([]model.Reservation, error) {
	if f.Date != "" && !validDate(f.Date) {
		return nil, newError(KindInvalidInput, CodeInvalidInput, "date must be YYYY-MM-DD")
	}
	switch f.Status {
	case "", model.StatusConfirmed, model.StatusCompleted, model.StatusCancelled:
	default:
		return nil, newError(KindInvalidInput, CodeInvalidInput, "unknown status filter")
	}
	rest, err := a.restaurants.GetByOwner(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(KindNotFound, CodeRestaurantNotFound, "no restaurant registered for this account")
		}
		return nil, fmt.Errorf("load restaurant: %w", err)
	}
	out, err := a.reservations.ListByRestaurant(ctx, rest.ID, f)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

func (a *AdmissionController) load(ctx context.Context, id string) (*model.Reservation, error) {
	return loadReservation(ctx, a.reservations, id)
}

func (a *AdmissionController) requireOwnerOrAdmin(ctx context.Context, res *model.Reservation, who Requester) error {
	return requireOwnerOrAdmin(ctx, a.restaurants, res, who)
}

func (a *AdmissionController) publish(ctx context.Context, ev queue.Event) {
	publish(ctx, a.events, a.log, ev)
}

func partyTooLarge(capacity int) *Error {
	return newError(KindCapacityExceeded, CodePartyTooLarge,
		fmt.Sprintf("party size exceeds restaurant capacity of %d", capacity))
}

func validateRequest(req ReservationRequest) error {
	switch {
	case req.CustomerID == "" || req.RestaurantID == "":
		return newError(KindInvalidInput, CodeInvalidInput, "customer and restaurant are required")
	case !validDate(req.Date):
		return newError(KindInvalidInput, CodeInvalidInput, "reservation_date must be YYYY-MM-DD")
	case !validTime(req.Time):
		return newError(KindInvalidInput, CodeInvalidInput, "reservation_time must be HH:MM")
	case !req.PaymentMethod.Valid():
		return newError(KindInvalidInput, CodeInvalidInput, "payment_method must be online or onsite")
	case req.Amount < 0:
		return newError(KindInvalidInput, CodeInvalidInput, "amount must not be negative")
	case req.Notes != nil && utf8.RuneCountInString(*req.Notes) > MaxNotesLength:
		return newError(KindInvalidInput, CodeInvalidInput,
			fmt.Sprintf("notes must be at most %d characters", MaxNotesLength))
	}
	return nil
}

func validDate(s string) bool {
	t, err := time.Parse(model.DateLayout, s)
	return err == nil && t.Format(model.DateLayout) == s
}

func validTime(s string) bool {
	t, err := time.Parse(model.TimeLayout, s)
	return err == nil && t.Format(model.TimeLayout) == s
}
