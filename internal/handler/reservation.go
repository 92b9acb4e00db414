package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-reservation/internal/model"
	"github.com/iliyamo/restaurant-reservation/internal/repository"
	"github.com/iliyamo/restaurant-reservation/internal/service"
)

// ReservationService is implemented by *service.AdmissionController.
type ReservationService interface {
	RequestReservation(ctx context.Context, req service.ReservationRequest) (*model.Reservation, error)
	Cancel(ctx context.Context, id string, who service.Requester) (*model.Reservation, error)
	Complete(ctx context.Context, id string, who service.Requester) (*model.Reservation, error)
	Get(ctx context.Context, id string, who service.Requester) (*model.Reservation, error)
	ListForCustomer(ctx context.Context, customerID string, page service.Page) ([]model.Reservation, error)
	ListForRestaurantOwner(ctx context.Context, ownerID string, f repository.ListFilter) ([]model.Reservation, error)
}

// ReservationHandler serves the customer and store reservation routes.
// All methods assume JWT authentication and role validation were done by
// middleware.
type ReservationHandler struct {
	svc ReservationService
	log *zap.Logger
}

// NewReservationHandler constructs a ReservationHandler and panics if svc
// is nil.
func NewReservationHandler(svc ReservationService, log *zap.Logger) *ReservationHandler {
	if svc == nil {
		panic("nil service passed to NewReservationHandler")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ReservationHandler{svc: svc, log: log}
}

type createReservationRequest struct {
	RestaurantID  string  `json:"restaurant_id"`
	Date          string  `json:"reservation_date"`
	Time          string  `json:"reservation_time"`
	PartySize     int     `json:"party_size"`
	PaymentMethod string  `json:"payment_method"`
	Amount        int64   `json:"amount"`
	Notes         *string `json:"notes"`
}

// Create handles POST /v1/reservations.  It returns 201 with the
// confirmed reservation, or the admission error explaining the rejection.
func (h *ReservationHandler) Create(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var body createReservationRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.RestaurantID == "" {
		return badRequest(c, "restaurant_id is required")
	}
	res, err := h.svc.RequestReservation(c.Request().Context(), service.ReservationRequest{
		CustomerID:    userID,
		RestaurantID:  body.RestaurantID,
		Date:          body.Date,
		Time:          body.Time,
		PartySize:     body.PartySize,
		PaymentMethod: model.PaymentMethod(body.PaymentMethod),
		Amount:        body.Amount,
		Notes:         body.Notes,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// ListMine handles GET /v1/reservations/my.
func (h *ReservationHandler) ListMine(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	p, ok := page(c)
	if !ok {
		return badRequest(c, "invalid limit or offset")
	}
	items, err := h.svc.ListForCustomer(c.Request().Context(), userID, p)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Get handles GET /v1/reservations/:id.  Customers see their own
// reservations, store accounts those of their restaurant.
func (h *ReservationHandler) Get(c echo.Context) error {
	who, err := requester(c)
	if err != nil {
		return unauthorized(c)
	}
	res, err := h.svc.Get(c.Request().Context(), c.Param("id"), who)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Cancel handles PUT /v1/reservations/:id/cancel.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	who, err := requester(c)
	if err != nil {
		return unauthorized(c)
	}
	res, err := h.svc.Cancel(c.Request().Context(), c.Param("id"), who)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, res)
}

// ListForStore handles GET /v1/store/reservations with optional date and
// status filters.
func (h *ReservationHandler) ListForStore(c echo.Context) error {
	userID, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	p, ok := page(c)
	if !ok {
		return badRequest(c, "invalid limit or offset")
	}
	items, err := h.svc.ListForRestaurantOwner(c.Request().Context(), userID, repository.ListFilter{
		Date:   c.QueryParam("date"),
		Status: model.ReservationStatus(c.QueryParam("status")),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"items": items})
}

// Complete handles PUT /v1/store/reservations/:id/complete.
func (h *ReservationHandler) Complete(c echo.Context) error {
	who, err := requester(c)
	if err != nil {
		return unauthorized(c)
	}
	res, err := h.svc.Complete(c.Request().Context(), c.Param("id"), who)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, res)
}
