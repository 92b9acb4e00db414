package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

// RestaurantReader is the restaurant lookup used by public routes.
type RestaurantReader interface {
	GetByID(ctx context.Context, id string) (*model.Restaurant, error)
	ListSeats(ctx context.Context, restaurantID string) ([]model.Seat, error)
}

// AvailabilityChecker answers capacity queries.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context, restaurantID, date, clock string, partySize int) (service.Availability, error)
}

// PublicHandler serves unauthenticated restaurant routes.
type PublicHandler struct {
	restaurants  RestaurantReader
	availability AvailabilityChecker
	log          *zap.Logger
}

// NewPublicHandler constructs a PublicHandler and panics if a dependency
// is nil.
func NewPublicHandler(restaurants RestaurantReader, availability AvailabilityChecker, log *zap.Logger) *PublicHandler {
	if restaurants == nil || availability == nil {
		panic("nil dependency passed to NewPublicHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PublicHandler{restaurants: restaurants, availability: availability, log: log}
}

// GetRestaurant handles GET /v1/restaurants/:id.  It returns the
// restaurant, its seats and the seating capacity derived from them.
func (h *PublicHandler) GetRestaurant(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	rest, err := h.restaurants.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusNotFound, echo.Map{"error": service.CodeRestaurantNotFound, "message": "restaurant not found"})
		}
		return writeError(c, h.log, err)
	}
	seats, err := h.restaurants.ListSeats(ctx, id)
	if err != nil {
		return writeError(c, h.log, err)
	}
	capacity := 0
	for _, s := range seats {
		capacity += s.Capacity
	}
	return c.JSON(http.StatusOK, echo.Map{
		"restaurant":     rest,
		"seats":          seats,
		"total_capacity": capacity,
	})
}

// Availability handles GET /v1/restaurants/:id/availability with query
// parameters date, time and party_size.  The answer is advisory: seats
// are only secured by creating a reservation.
func (h *PublicHandler) Availability(c echo.Context) error {
	party, err := strconv.Atoi(c.QueryParam("party_size"))
	if err != nil {
		return badRequest(c, "party_size must be an integer")
	}
	out, err := h.availability.CheckAvailability(c.Request().Context(),
		c.Param("id"), c.QueryParam("date"), c.QueryParam("time"), party)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, out)
}
