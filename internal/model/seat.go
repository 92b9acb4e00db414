package model

import "time"

// Seat describes a table or counter section of a restaurant.  Seats
// are not bound to reservations: their capacities are pooled into the
// restaurant's total capacity and admission is decided against that
// aggregate.
//
// Fields:
//
//	ID           – primary key identifier.
//	RestaurantID – restaurant to which this seat belongs.
//	Name         – display name (e.g. "Counter", "Table 4").
//	Capacity     – number of guests the seat holds.
//	CreatedAt    – creation timestamp.
//	UpdatedAt    – last update timestamp.
type Seat struct {
	ID           string    `json:"id"`            // seats.id
	RestaurantID string    `json:"restaurant_id"` // seats.restaurant_id
	Name         string    `json:"name"`          // seats.name
	Capacity     int       `json:"capacity"`      // seats.capacity
	CreatedAt    time.Time `json:"created_at"`    // seats.created_at
	UpdatedAt    time.Time `json:"updated_at"`    // seats.updated_at
}
