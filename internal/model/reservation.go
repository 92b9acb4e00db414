package model

import (
	"fmt"
	"time"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	StatusConfirmed ReservationStatus = "confirmed"
	StatusCompleted ReservationStatus = "completed"
	StatusCancelled ReservationStatus = "cancelled"
)

// PaymentMethod selects how a reservation is paid for.
type PaymentMethod string

const (
	PaymentOnline PaymentMethod = "online"
	PaymentOnsite PaymentMethod = "onsite"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool { return m == PaymentOnline || m == PaymentOnsite }

// PaymentStatus is the payment state of a reservation.  It is owned by
// the payment reconciler and moves independently of ReservationStatus.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

// Layouts used for the date and time parts of a slot.
const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Reservation records a customer's booking of a party at a restaurant
// for one date and time.
//
// Fields:
//
//	ID              – primary key identifier (UUID).
//	CustomerID      – customer who made the reservation.
//	RestaurantID    – restaurant being booked.
//	Date            – reservation date, YYYY-MM-DD.
//	Time            – reservation time, HH:MM.
//	PartySize       – number of guests; counts toward slot occupancy
//	                  unless the reservation is cancelled.
//	Status          – confirmed, completed or cancelled.
//	PaymentMethod   – online or onsite.
//	PaymentStatus   – pending, paid or refunded.
//	Amount          – amount in JPY.
//	PaymentIntentID – gateway payment intent, if one was issued.
//	Notes           – free text from the customer.
//	CreatedAt       – creation timestamp.
//	UpdatedAt       – last update timestamp.
type Reservation struct {
	ID              string            `json:"id"`                          // reservations.id
	CustomerID      string            `json:"customer_id"`                 // reservations.customer_id
	RestaurantID    string            `json:"restaurant_id"`               // reservations.restaurant_id
	Date            string            `json:"reservation_date"`            // reservations.reservation_date
	Time            string            `json:"reservation_time"`            // reservations.reservation_time
	PartySize       int               `json:"party_size"`                  // reservations.party_size
	Status          ReservationStatus `json:"status"`                      // reservations.status
	PaymentMethod   PaymentMethod     `json:"payment_method"`              // reservations.payment_method
	PaymentStatus   PaymentStatus     `json:"payment_status"`              // reservations.payment_status
	Amount          int64             `json:"amount"`                      // reservations.amount
	PaymentIntentID *string           `json:"payment_intent_id,omitempty"` // reservations.payment_intent_id (nullable)
	Notes           *string           `json:"notes,omitempty"`             // reservations.notes (nullable)
	CreatedAt       time.Time         `json:"created_at"`                  // reservations.created_at
	UpdatedAt       time.Time         `json:"updated_at"`                  // reservations.updated_at
}

// Slot returns the slot key the reservation competes in.
func (r *Reservation) Slot() SlotKey {
	return SlotKey{RestaurantID: r.RestaurantID, Date: r.Date, Time: r.Time}
}

// Occupies reports whether the party counts toward slot occupancy.
func (r *Reservation) Occupies() bool { return r.Status != StatusCancelled }

// IntentID returns the stored payment intent id or "".
func (r *Reservation) IntentID() string {
	if r.PaymentIntentID == nil {
		return ""
	}
	return *r.PaymentIntentID
}

// SlotKey is the granularity at which capacity is contended.
type SlotKey struct {
	RestaurantID string
	Date         string // YYYY-MM-DD
	Time         string // HH:MM
}

// String renders the key as used for lock names and log fields.
func (k SlotKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.RestaurantID, k.Date, k.Time)
}
