package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// DBTX is the subset of database/sql shared by *sql.DB, *sql.Tx and
// *sql.Conn.  Queries written against it run either standalone or inside
// a caller-owned transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SlotTx is the view of the store available to an admission decision.
// Every call made through one SlotTx reads and writes within the same
// database transaction.
type SlotTx interface {
	SeatCapacity(ctx context.Context, restaurantID string) (int, error)
	ReservedSeats(ctx context.Context, key model.SlotKey) (int, error)
	InsertReservation(ctx context.Context, res *model.Reservation) error
}

// ListFilter narrows ListByRestaurant.  Zero values disable a filter.
type ListFilter struct {
	Date   string
	Status model.ReservationStatus
	Limit  int
	Offset int
}

// ReservationRepo provides persistence for reservations.  Status and
// payment status are only ever changed through the compare-and-set
// methods below so that concurrent writers cannot overwrite each other.
// All timestamp fields are stored in UTC.
type ReservationRepo struct {
	db *sql.DB
	queries
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo {
	return &ReservationRepo{db: db, queries: queries{q: db}}
}

// DB exposes the underlying handle.
func (r *ReservationRepo) DB() *sql.DB { return r.db }

// InSlotTx runs fn inside a READ COMMITTED transaction.  The transaction
// is committed when fn returns nil and rolled back otherwise, so a
// rejected admission never leaves a row behind.  When conn is not nil the
// transaction is opened on it instead of on a fresh pooled connection.
func (r *ReservationRepo) InSlotTx(ctx context.Context, conn *sql.Conn, fn func(SlotTx) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	var (
		tx  *sql.Tx
		err error
	)
	if conn != nil {
		tx, err = conn.BeginTx(ctx, opts)
	} else {
		tx, err = r.db.BeginTx(ctx, opts)
	}
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(queries{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

// queries holds the statements that may run on either the pool or a
// transaction.
type queries struct {
	q DBTX
}

const reservationColumns = `id, customer_id, restaurant_id,
	DATE_FORMAT(reservation_date, '%Y-%m-%d'), TIME_FORMAT(reservation_time, '%H:%i'),
	party_size, status, payment_method, payment_status, amount,
	payment_intent_id, notes, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(s rowScanner) (*model.Reservation, error) {
	var res model.Reservation
	var intent, notes sql.NullString
	if err := s.Scan(
		&res.ID, &res.CustomerID, &res.RestaurantID,
		&res.Date, &res.Time,
		&res.PartySize, &res.Status, &res.PaymentMethod, &res.PaymentStatus, &res.Amount,
		&intent, &notes, &res.CreatedAt, &res.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if intent.Valid {
		v := intent.String
		res.PaymentIntentID = &v
	}
	if notes.Valid {
		v := notes.String
		res.Notes = &v
	}
	return &res, nil
}

// SeatCapacity returns the sum of seat capacities of a restaurant.  A
// restaurant without seats has capacity 0.
func (s queries) SeatCapacity(ctx context.Context, restaurantID string) (int, error) {
	const q = `SELECT COALESCE(SUM(capacity), 0) FROM seats WHERE restaurant_id = ?`
	var n int
	if err := s.q.QueryRowContext(ctx, q, restaurantID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ReservedSeats returns the sum of party sizes of all non-cancelled
// reservations at the slot.
func (s queries) ReservedSeats(ctx context.Context, key model.SlotKey) (int, error) {
	const q = `SELECT COALESCE(SUM(party_size), 0)
	           FROM reservations
	           WHERE restaurant_id = ? AND reservation_date = ? AND reservation_time = ?
	             AND status <> ?`
	var n int
	err := s.q.QueryRowContext(ctx, q, key.RestaurantID, key.Date, key.Time, model.StatusCancelled).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// InsertReservation writes a new reservation row.  The caller assigns the
// ID and timestamps.
func (s queries) InsertReservation(ctx context.Context, res *model.Reservation) error {
	const q = `INSERT INTO reservations
	           (id, customer_id, restaurant_id, reservation_date, reservation_time, party_size,
	            status, payment_method, payment_status, amount, payment_intent_id, notes,
	            created_at, updated_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.q.ExecContext(ctx, q,
		res.ID, res.CustomerID, res.RestaurantID, res.Date, res.Time, res.PartySize,
		res.Status, res.PaymentMethod, res.PaymentStatus, res.Amount, res.PaymentIntentID, res.Notes,
		res.CreatedAt.UTC(), res.UpdatedAt.UTC(),
	)
	return translate(err)
}

// GetByID returns a reservation by id or ErrNotFound.
func (r *ReservationRepo) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = ?`
	res, err := scanReservation(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res, nil
}

// GetByPaymentIntent returns the reservation that stores the given
// payment intent id or ErrNotFound.
func (r *ReservationRepo) GetByPaymentIntent(ctx context.Context, intentID string) (*model.Reservation, error) {
	q := `SELECT ` + reservationColumns + ` FROM reservations WHERE payment_intent_id = ?`
	res, err := scanReservation(r.db.QueryRowContext(ctx, q, intentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return res, nil
}

// ListByCustomer returns a customer's reservations, newest date first.
func (r *ReservationRepo) ListByCustomer(ctx context.Context, customerID string, limit, offset int) ([]model.Reservation, error) {
	q := `SELECT ` + reservationColumns + `
	      FROM reservations
	      WHERE customer_id = ?
	      ORDER BY reservation_date DESC, reservation_time DESC
	      LIMIT ? OFFSET ?`
	return r.list(ctx, q, customerID, clampLimit(limit), max(offset, 0))
}

// ListByRestaurant returns reservations of a restaurant filtered by f,
// newest date first and by time within a date.
func (r *ReservationRepo) ListByRestaurant(ctx context.Context, restaurantID string, f ListFilter) ([]model.Reservation, error) {
	where := []string{"restaurant_id = ?"}
	args := []any{restaurantID}
	if f.Date != "" {
		where = append(where, "reservation_date = ?")
		args = append(args, f.Date)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + reservationColumns + `
	      FROM reservations
	      WHERE ` + strings.Join(where, " AND ") + `
	      ORDER BY reservation_date DESC, reservation_time
	      LIMIT ? OFFSET ?`
	args = append(args, clampLimit(f.Limit), max(f.Offset, 0))
	return r.list(ctx, q, args...)
}

func (r *ReservationRepo) list(ctx context.Context, q string, args ...any) ([]model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Reservation, 0)
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus moves a reservation from one lifecycle status to another.
// It reports false when the stored status was not from, in which case
// nothing was written.
func (r *ReservationRepo) UpdateStatus(ctx context.Context, id string, from, to model.ReservationStatus) (bool, error) {
	const q = `UPDATE reservations SET status = ?, updated_at = UTC_TIMESTAMP(6)
	           WHERE id = ? AND status = ?`
	return r.cas(ctx, q, to, id, from)
}

// UpdatePaymentStatus moves a reservation from one payment status to
// another.  It reports false when the stored payment status was not
// from, in which case nothing was written.
func (r *ReservationRepo) UpdatePaymentStatus(ctx context.Context, id string, from, to model.PaymentStatus) (bool, error) {
	const q = `UPDATE reservations SET payment_status = ?, updated_at = UTC_TIMESTAMP(6)
	           WHERE id = ? AND payment_status = ?`
	return r.cas(ctx, q, to, id, from)
}

// SetPaymentIntent stores next as the reservation's payment intent id,
// provided the reservation is still pending and its current intent id
// equals prev (nil meaning none).  next must differ from prev.  A
// uniqueness violation is reported as ErrConflict.
func (r *ReservationRepo) SetPaymentIntent(ctx context.Context, id string, prev *string, next string) (bool, error) {
	const q = `UPDATE reservations SET payment_intent_id = ?, updated_at = UTC_TIMESTAMP(6)
	           WHERE id = ? AND payment_status = ? AND payment_intent_id <=> ?`
	return r.cas(ctx, q, next, id, model.PaymentPending, prev)
}

func (r *ReservationRepo) cas(ctx context.Context, q string, args ...any) (bool, error) {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
