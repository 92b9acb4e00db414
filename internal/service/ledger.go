package service

import (
	"context"
	"fmt"

	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// Headroom is a point-in-time view of a slot.
type Headroom struct {
	Capacity  int
	Reserved  int
	Remaining int
}

// CanSeat reports whether a party of n fits.
func (h Headroom) CanSeat(n int) bool { return n <= h.Remaining }

// slotReader is satisfied both by a ReservationStore and by the
// repository.SlotTx handed out inside an admission transaction.
type slotReader interface {
	SeatCapacity(ctx context.Context, restaurantID string) (int, error)
	ReservedSeats(ctx context.Context, key model.SlotKey) (int, error)
}

// ReadHeadroom computes capacity minus reserved seats for a slot.  Both
// values are read live through q; nothing is cached.  The caller checks
// that the restaurant is active first.
func ReadHeadroom(ctx context.Context, q slotReader, key model.SlotKey) (Headroom, error) {
	capacity, err := q.SeatCapacity(ctx, key.RestaurantID)
	if err != nil {
		return Headroom{}, fmt.Errorf("read capacity: %w", err)
	}
	reserved, err := q.ReservedSeats(ctx, key)
	if err != nil {
		return Headroom{}, fmt.Errorf("read reserved seats: %w", err)
	}
	return Headroom{
		Capacity:  capacity,
		Reserved:  reserved,
		Remaining: max(capacity-reserved, 0),
	}, nil
}
