package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/restaurant-reservation/internal/handler"
	"github.com/iliyamo/restaurant-reservation/internal/middleware"
	"github.com/iliyamo/restaurant-reservation/internal/model"
)

// RegisterStore registers the restaurant-side endpoints.  Store accounts
// see and complete reservations of the restaurant they own; refunds are
// open to store accounts and administrators.
func RegisterStore(e *echo.Echo, r *handler.ReservationHandler, p *handler.PaymentHandler, jwtSecret string) {
	g := e.Group("/v1/store", middleware.JWTAuth(jwtSecret), middleware.RequireRole(model.RoleStore))
	g.GET("/reservations", r.ListForStore)
	g.PUT("/reservations/:id/complete", r.Complete)

	e.POST("/v1/payments/refund", p.Refund,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleStore, model.RoleAdmin))
}
