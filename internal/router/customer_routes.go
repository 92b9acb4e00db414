package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/restaurant-reservation/internal/handler"
	"github.com/iliyamo/restaurant-reservation/internal/middleware"
	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// RegisterCustomer registers customer-scoped endpoints under /v1.  All
// routes require a valid JWT; booking, cancelling and paying also require
// the CUSTOMER role.  Reading a single reservation is open to any
// authenticated caller and checked against ownership in the service.
func RegisterCustomer(e *echo.Echo, r *handler.ReservationHandler, p *handler.PaymentHandler, jwtSecret string) {
	g := e.Group("/v1", middleware.JWTAuth(jwtSecret))
	customer := middleware.RequireRole(model.RoleCustomer)

	g.POST("/reservations", r.Create, customer)
	g.GET("/reservations/my", r.ListMine, customer)
	g.GET("/reservations/:id", r.Get)
	g.PUT("/reservations/:id/cancel", r.Cancel, customer)

	g.POST("/payments/create-intent", p.CreateIntent, customer)
}
