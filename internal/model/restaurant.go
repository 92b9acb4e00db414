package model

import "time"

// RestaurantStatus is the operational state of a restaurant.  Only
// active restaurants accept bookings.
type RestaurantStatus string

const (
	RestaurantPending  RestaurantStatus = "pending"
	RestaurantActive   RestaurantStatus = "active"
	RestaurantInactive RestaurantStatus = "inactive"
)

// Restaurant represents a venue that accepts reservations.  Its total
// capacity is not stored: it is the sum of its seats' capacities and is
// always read live from the seats table.
//
// Fields:
//
//	ID        – primary key identifier.
//	OwnerID   – user ID of the store account that owns the restaurant.
//	Name      – display name.
//	Status    – pending, active or inactive.
//	CreatedAt – creation timestamp.
//	UpdatedAt – last update timestamp.
type Restaurant struct {
	ID        string           `json:"id"`         // restaurants.id
	OwnerID   string           `json:"owner_id"`   // restaurants.owner_id
	Name      string           `json:"name"`       // restaurants.name
	Status    RestaurantStatus `json:"status"`     // restaurants.status
	CreatedAt time.Time        `json:"created_at"` // restaurants.created_at
	UpdatedAt time.Time        `json:"updated_at"` // restaurants.updated_at
}

// Active reports whether the restaurant currently accepts bookings.
func (r *Restaurant) Active() bool { return r.Status == RestaurantActive }
