// Package queue defines the domain events exchanged over the message broker
// together with the RabbitMQ publisher and the log-writing consumer.
package queue

import "time"

// Event types published by the admission controller and the payment
// reconciler.
const (
	ReservationConfirmed = "reservation.confirmed"
	ReservationCancelled = "reservation.cancelled"
	ReservationCompleted = "reservation.completed"
	PaymentPaid          = "payment.paid"
	PaymentRefunded      = "payment.refunded"
	// PaymentRefundUnknown flags a refund whose gateway outcome could not
	// be determined and needs manual reconciliation.
	PaymentRefundUnknown = "payment.refund_unknown"
)

// Event is published after a reservation or payment transition commits.
// It contains enough information for downstream consumers to log, notify,
// or trigger analytics without querying the primary database.
type Event struct {
	Type          string    `json:"type"`
	ReservationID string    `json:"reservation_id"`
	RestaurantID  string    `json:"restaurant_id"`
	CustomerID    string    `json:"customer_id"`
	Date          string    `json:"reservation_date"`
	Time          string    `json:"reservation_time"`
	PartySize     int       `json:"party_size"`
	PaymentStatus string    `json:"payment_status"`
	Amount        int64     `json:"amount"`
	Detail        string    `json:"detail,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}
