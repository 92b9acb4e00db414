package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// RestaurantRepo provides read access to restaurants and their seats.
// Restaurant and seat management is owned by a separate service; the
// booking core only reads these tables.
type RestaurantRepo struct {
	db *sql.DB
}

// NewRestaurantRepo constructs a RestaurantRepo with the given DB handle.
func NewRestaurantRepo(db *sql.DB) *RestaurantRepo { return &RestaurantRepo{db: db} }

// GetByID returns a restaurant by id or ErrNotFound.
func (r *RestaurantRepo) GetByID(ctx context.Context, id string) (*model.Restaurant, error) {
	const q = `SELECT id, owner_id, name, status, created_at, updated_at
	           FROM restaurants WHERE id = ?`
	var rest model.Restaurant
	err := r.db.QueryRowContext(ctx, q, id).
		Scan(&rest.ID, &rest.OwnerID, &rest.Name, &rest.Status, &rest.CreatedAt, &rest.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rest, nil
}

// GetByOwner returns the restaurant owned by the given store account or
// ErrNotFound.  A store account owns at most one restaurant.
func (r *RestaurantRepo) GetByOwner(ctx context.Context, ownerID string) (*model.Restaurant, error) {
	const q = `SELECT id, owner_id, name, status, created_at, updated_at
	           FROM restaurants WHERE owner_id = ? LIMIT 1`
	var rest model.Restaurant
	err := r.db.QueryRowContext(ctx, q, ownerID).
		Scan(&rest.ID, &rest.OwnerID, &rest.Name, &rest.Status, &rest.CreatedAt, &rest.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rest, nil
}

// ListSeats retrieves all seats of a restaurant ordered by name.
func (r *RestaurantRepo) ListSeats(ctx context.Context, restaurantID string) ([]model.Seat, error) {
	const q = `SELECT id, restaurant_id, name, capacity, created_at, updated_at
	           FROM seats
	           WHERE restaurant_id = ?
	           ORDER BY name`
	rows, err := r.db.QueryContext(ctx, q, restaurantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]model.Seat, 0)
	for rows.Next() {
		var s model.Seat
		if err := rows.Scan(&s.ID, &s.RestaurantID, &s.Name, &s.Capacity, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
